package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/deeprun/kernel/internal/types"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func sampleRun() *types.Run {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &types.Run{
		ID:                    "run-1",
		ProjectID:             "proj-1",
		OrgID:                 "org-1",
		WorkspaceID:           "ws-1",
		CreatedByUserID:       "user-1",
		Goal:                  "add a healthcheck route",
		ProviderID:            "provider-a",
		Status:                types.RunStatusQueued,
		BaseCommitHash:        "deadbeef",
		ExecutionContractHash: "contract-hash",
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

func TestCreateRun_InsertsRow(t *testing.T) {
	s, mock := newMockStore(t)
	run := sampleRun()

	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetRun_NotFoundReturnsSentinel(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.|\n)*FROM runs").WillReturnRows(sqlmock.NewRows(nil))

	_, err := s.GetRun(context.Background(), "missing")
	if err != ErrRunNotFound {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestGetRun_ScansRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cols := []string{
		"id", "project_id", "org_id", "workspace_id", "created_by_user_id", "goal",
		"provider_id", "model", "status", "plan", "current_step_index", "base_commit_hash",
		"current_commit_hash", "last_valid_commit_hash", "worktree_path", "run_branch",
		"correction_attempts", "last_correction_reason", "validation_status",
		"validation_result", "execution_config", "execution_contract_hash",
		"run_lock_owner", "run_lock_acquired_at", "error_message",
		"created_at", "updated_at", "finished_at",
	}
	rows := sqlmock.NewRows(cols).AddRow(
		"run-1", "proj-1", "org-1", "ws-1", "user-1", "add a healthcheck route",
		"provider-a", nil, "queued", nil, 0, "deadbeef",
		nil, nil, nil, nil,
		0, nil, nil,
		nil, []byte(`{}`), "contract-hash",
		"", nil, nil,
		now, now, nil,
	)
	mock.ExpectQuery("SELECT (.|\n)*FROM runs").WillReturnRows(rows)

	run, err := s.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.ID != "run-1" || run.Status != types.RunStatusQueued {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestAcquireRunLock_TrueWhenRowsAffected(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE runs SET run_lock_owner").WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.AcquireRunLock(context.Background(), "run-1", "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("AcquireRunLock: %v", err)
	}
	if !ok {
		t.Fatal("expected lock to be acquired")
	}
}

func TestAcquireRunLock_FalseWhenAlreadyLocked(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE runs SET run_lock_owner").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.AcquireRunLock(context.Background(), "run-1", "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("AcquireRunLock: %v", err)
	}
	if ok {
		t.Fatal("expected lock acquisition to fail when already held")
	}
}

func TestUpdateRun_OptimisticLockConflictReturnsSentinel(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 0))

	run := sampleRun()
	err := s.UpdateRun(context.Background(), run, run.UpdatedAt)
	if err != ErrOptimisticLock {
		t.Fatalf("expected ErrOptimisticLock, got %v", err)
	}
}

func TestUpdateRun_SucceedsWhenRowMatches(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1))

	run := sampleRun()
	if err := s.UpdateRun(context.Background(), run, run.UpdatedAt); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
}

func TestAppendStepRecord_InsertsRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO step_records").WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &types.StepRecord{
		ID: "rec-1", RunID: "run-1", StepIndex: 0, Attempt: 1, StepID: "s1",
		Type: types.StepTypeModify, Tool: "write_file", Status: types.StepStatusCompleted,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.AppendStepRecord(context.Background(), rec); err != nil {
		t.Fatalf("AppendStepRecord: %v", err)
	}
}

func TestNextAttempt_ReturnsOneWhenNoPriorAttempts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT MAX\\(attempt\\)").WillReturnRows(
		sqlmock.NewRows([]string{"max"}).AddRow(nil))

	n, err := s.NextAttempt(context.Background(), "run-1", 0)
	if err != nil {
		t.Fatalf("NextAttempt: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
}

func TestNextAttempt_IncrementsPastExistingMax(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT MAX\\(attempt\\)").WillReturnRows(
		sqlmock.NewRows([]string{"max"}).AddRow(2))

	n, err := s.NextAttempt(context.Background(), "run-1", 0)
	if err != nil {
		t.Fatalf("NextAttempt: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
}

func TestListStepRecords_ScansMultipleRows(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{
		"id", "run_id", "step_index", "attempt", "step_id", "type", "tool",
		"input_payload", "output_payload", "status", "error_message", "commit_hash",
		"runtime_status", "correction_telemetry", "correction_policy", "created_at",
	}
	now := time.Now().UTC()
	rows := sqlmock.NewRows(cols).
		AddRow("rec-1", "run-1", 0, 1, "s1", "modify", "write_file", nil, nil, "completed", nil, nil, nil, nil, nil, now).
		AddRow("rec-2", "run-1", 1, 1, "s2", "verify", "run_preview_container", nil, nil, "failed", "boot error", nil, "failed", nil, nil, now)
	mock.ExpectQuery("SELECT (.|\n)*FROM step_records").WillReturnRows(rows)

	records, err := s.ListStepRecords(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("ListStepRecords: %v", err)
	}
	if len(records) != 2 || records[1].ErrorMessage != "boot error" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestUpsertWorkerNode_InsertsRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO worker_nodes").WillReturnResult(sqlmock.NewResult(0, 1))

	node := &types.WorkerNode{
		NodeID: "node-1", Role: types.WorkerRoleCompute, LastHeartbeat: time.Now().UTC(),
		Status: types.WorkerNodeOnline,
	}
	if err := s.UpsertWorkerNode(context.Background(), node); err != nil {
		t.Fatalf("UpsertWorkerNode: %v", err)
	}
}

func TestRecordLearningEvent_InsertsRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO learning_events").WillReturnResult(sqlmock.NewResult(0, 1))

	ev := &types.LearningEvent{
		RunID: "run-1", Phase: "goal", Outcome: types.LearningOutcomeSuccess,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.RecordLearningEvent(context.Background(), ev); err != nil {
		t.Fatalf("RecordLearningEvent: %v", err)
	}
}
