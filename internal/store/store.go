// Package store persists the kernel's durable records — runs, append-only
// step attempts, worker-node heartbeats, and learning events — to
// Postgres. The job queue itself (C16) lives in Redis; this package only
// owns the records the kernel reads back across a crash/resume boundary.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/deeprun/kernel/internal/types"
)

// ErrRunNotFound is returned when a run id has no matching row.
var ErrRunNotFound = errors.New("store: run not found")

// ErrOptimisticLock is returned when UpdateRun's WHERE clause (run id +
// updated_at) matches zero rows, meaning another writer raced ahead.
var ErrOptimisticLock = errors.New("store: run row changed concurrently")

// Store wraps a *sql.DB opened against pgx's database/sql driver
// ("pgx" via jackc/pgx/v5/stdlib).
type Store struct {
	db *sql.DB
}

// Open connects to Postgres using the pgx stdlib driver.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB, for callers that manage the
// connection pool themselves (or inject a sqlmock DB in tests).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run row in RunStatusQueued.
func (s *Store) CreateRun(ctx context.Context, run *types.Run) error {
	configJSON, err := json.Marshal(run.ExecutionConfig)
	if err != nil {
		return fmt.Errorf("marshal execution_config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, project_id, org_id, workspace_id, created_by_user_id, goal,
			provider_id, model, status, current_step_index, base_commit_hash,
			execution_config, execution_contract_hash, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		run.ID, run.ProjectID, run.OrgID, run.WorkspaceID, run.CreatedByUserID, run.Goal,
		run.ProviderID, run.Model, run.Status, run.CurrentStepIndex, run.BaseCommitHash,
		configJSON, run.ExecutionContractHash, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, org_id, workspace_id, created_by_user_id, goal,
			provider_id, model, status, plan, current_step_index, base_commit_hash,
			current_commit_hash, last_valid_commit_hash, worktree_path, run_branch,
			correction_attempts, last_correction_reason, validation_status,
			validation_result, execution_config, execution_contract_hash,
			run_lock_owner, run_lock_acquired_at, error_message,
			created_at, updated_at, finished_at
		FROM runs WHERE id = $1`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func scanRun(row *sql.Row) (*types.Run, error) {
	var run types.Run
	var planJSON, configJSON, validationJSON sql.NullString
	var model, worktreePath, runBranch, lastCorrectionReason sql.NullString
	var validationStatus, runLockOwner, errorMessage sql.NullString
	var runLockAcquiredAt, finishedAt sql.NullTime
	var currentCommitHash, lastValidCommitHash sql.NullString

	if err := row.Scan(
		&run.ID, &run.ProjectID, &run.OrgID, &run.WorkspaceID, &run.CreatedByUserID, &run.Goal,
		&run.ProviderID, &model, &run.Status, &planJSON, &run.CurrentStepIndex, &run.BaseCommitHash,
		&currentCommitHash, &lastValidCommitHash, &worktreePath, &runBranch,
		&run.CorrectionAttempts, &lastCorrectionReason, &validationStatus,
		&validationJSON, &configJSON, &run.ExecutionContractHash,
		&runLockOwner, &runLockAcquiredAt, &errorMessage,
		&run.CreatedAt, &run.UpdatedAt, &finishedAt,
	); err != nil {
		return nil, err
	}

	run.Model = model.String
	run.CurrentCommitHash = currentCommitHash.String
	run.LastValidCommitHash = lastValidCommitHash.String
	run.WorktreePath = worktreePath.String
	run.RunBranch = runBranch.String
	run.LastCorrectionReason = lastCorrectionReason.String
	run.ValidationStatus = types.ValidationStatus(validationStatus.String)
	run.RunLockOwner = runLockOwner.String
	run.ErrorMessage = errorMessage.String
	if runLockAcquiredAt.Valid {
		run.RunLockAcquiredAt = &runLockAcquiredAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if planJSON.Valid && planJSON.String != "" {
		var plan types.AgentPlan
		if err := json.Unmarshal([]byte(planJSON.String), &plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		run.Plan = &plan
	}
	if validationJSON.Valid && validationJSON.String != "" {
		var report types.ValidationReport
		if err := json.Unmarshal([]byte(validationJSON.String), &report); err != nil {
			return nil, fmt.Errorf("unmarshal validation_result: %w", err)
		}
		run.ValidationResult = &report
	}
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &run.ExecutionConfig); err != nil {
			return nil, fmt.Errorf("unmarshal execution_config: %w", err)
		}
	}
	return &run, nil
}

// AcquireRunLock performs the CAS the kernel needs before claiming a
// queued job: it sets run_lock_owner/run_lock_acquired_at only if the run
// is currently unlocked (or its lock is older than staleAfter).
func (s *Store) AcquireRunLock(ctx context.Context, runID, ownerID string, staleAfter time.Duration) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET run_lock_owner = $1, run_lock_acquired_at = now(), updated_at = now()
		WHERE id = $2 AND (run_lock_owner IS NULL OR run_lock_owner = '' OR run_lock_acquired_at < now() - $3::interval)`,
		ownerID, runID, fmt.Sprintf("%d seconds", int(staleAfter.Seconds())),
	)
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseRunLock clears the lock fields, only if ownerID still holds it.
func (s *Store) ReleaseRunLock(ctx context.Context, runID, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET run_lock_owner = '', run_lock_acquired_at = NULL, updated_at = now()
		WHERE id = $1 AND run_lock_owner = $2`, runID, ownerID)
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

// UpdateRun persists run's mutable fields. expectedUpdatedAt is the
// updated_at value the caller last observed; if the row has since changed,
// UpdateRun returns ErrOptimisticLock without writing.
func (s *Store) UpdateRun(ctx context.Context, run *types.Run, expectedUpdatedAt time.Time) error {
	var planJSON, validationJSON []byte
	var err error
	if run.Plan != nil {
		if planJSON, err = json.Marshal(run.Plan); err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
	}
	if run.ValidationResult != nil {
		if validationJSON, err = json.Marshal(run.ValidationResult); err != nil {
			return fmt.Errorf("marshal validation_result: %w", err)
		}
	}
	configJSON, err := json.Marshal(run.ExecutionConfig)
	if err != nil {
		return fmt.Errorf("marshal execution_config: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = $1, plan = $2, current_step_index = $3, current_commit_hash = $4,
			last_valid_commit_hash = $5, worktree_path = $6, run_branch = $7,
			correction_attempts = $8, last_correction_reason = $9, validation_status = $10,
			validation_result = $11, execution_config = $12, error_message = $13,
			finished_at = $14, updated_at = now()
		WHERE id = $15 AND updated_at = $16`,
		run.Status, nullableJSON(planJSON), run.CurrentStepIndex, run.CurrentCommitHash,
		run.LastValidCommitHash, run.WorktreePath, run.RunBranch,
		run.CorrectionAttempts, run.LastCorrectionReason, run.ValidationStatus,
		nullableJSON(validationJSON), configJSON, run.ErrorMessage,
		run.FinishedAt, run.ID, expectedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// AppendStepRecord inserts one append-only step attempt. Callers compute
// Attempt by calling NextAttempt first.
func (s *Store) AppendStepRecord(ctx context.Context, rec *types.StepRecord) error {
	inputJSON, err := json.Marshal(rec.InputPayload)
	if err != nil {
		return fmt.Errorf("marshal input_payload: %w", err)
	}
	outputJSON, err := json.Marshal(rec.OutputPayload)
	if err != nil {
		return fmt.Errorf("marshal output_payload: %w", err)
	}
	var telemetryJSON []byte
	if rec.CorrectionTelemetry != nil {
		if telemetryJSON, err = json.Marshal(rec.CorrectionTelemetry); err != nil {
			return fmt.Errorf("marshal correction_telemetry: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_records (
			id, run_id, step_index, attempt, step_id, type, tool,
			input_payload, output_payload, status, error_message, commit_hash,
			runtime_status, correction_telemetry, correction_policy, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.ID, rec.RunID, rec.StepIndex, rec.Attempt, rec.StepID, rec.Type, rec.Tool,
		inputJSON, outputJSON, rec.Status, rec.ErrorMessage, nullString(rec.CommitHash),
		rec.RuntimeStatus, nullableJSON(telemetryJSON), rec.CorrectionPolicy, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step record: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// NextAttempt returns 1 + the highest recorded attempt for (runID,
// stepIndex), or 1 if none exists yet.
func (s *Store) NextAttempt(ctx context.Context, runID string, stepIndex int) (int, error) {
	var maxAttempt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(attempt) FROM step_records WHERE run_id = $1 AND step_index = $2`,
		runID, stepIndex).Scan(&maxAttempt)
	if err != nil {
		return 0, fmt.Errorf("next attempt: %w", err)
	}
	if !maxAttempt.Valid {
		return 1, nil
	}
	return int(maxAttempt.Int64) + 1, nil
}

// ListStepRecords returns every attempt recorded for runID, ordered by
// step index then attempt, for crash-replay and audit purposes.
func (s *Store) ListStepRecords(ctx context.Context, runID string) ([]types.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_index, attempt, step_id, type, tool,
			input_payload, output_payload, status, error_message, commit_hash,
			runtime_status, correction_telemetry, correction_policy, created_at
		FROM step_records WHERE run_id = $1 ORDER BY step_index, attempt`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	defer rows.Close()

	var out []types.StepRecord
	for rows.Next() {
		var rec types.StepRecord
		var inputJSON, outputJSON, telemetryJSON sql.NullString
		var errorMessage, commitHash, runtimeStatus, correctionPolicy sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.StepIndex, &rec.Attempt, &rec.StepID, &rec.Type, &rec.Tool,
			&inputJSON, &outputJSON, &rec.Status, &errorMessage, &commitHash,
			&runtimeStatus, &telemetryJSON, &correctionPolicy, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step record: %w", err)
		}
		rec.ErrorMessage = errorMessage.String
		rec.CommitHash = commitHash.String
		rec.RuntimeStatus = runtimeStatus.String
		rec.CorrectionPolicy = correctionPolicy.String
		if inputJSON.Valid && inputJSON.String != "" {
			if err := json.Unmarshal([]byte(inputJSON.String), &rec.InputPayload); err != nil {
				return nil, fmt.Errorf("unmarshal input_payload: %w", err)
			}
		}
		if outputJSON.Valid && outputJSON.String != "" {
			if err := json.Unmarshal([]byte(outputJSON.String), &rec.OutputPayload); err != nil {
				return nil, fmt.Errorf("unmarshal output_payload: %w", err)
			}
		}
		if telemetryJSON.Valid && telemetryJSON.String != "" {
			var telemetry types.CorrectionTelemetry
			if err := json.Unmarshal([]byte(telemetryJSON.String), &telemetry); err != nil {
				return nil, fmt.Errorf("unmarshal correction_telemetry: %w", err)
			}
			rec.CorrectionTelemetry = &telemetry
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertWorkerNode writes or refreshes a worker's heartbeat row.
func (s *Store) UpsertWorkerNode(ctx context.Context, node *types.WorkerNode) error {
	capsJSON, err := json.Marshal(node.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worker_nodes (node_id, role, capabilities, last_heartbeat, status)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (node_id) DO UPDATE SET
			role = EXCLUDED.role, capabilities = EXCLUDED.capabilities,
			last_heartbeat = EXCLUDED.last_heartbeat, status = EXCLUDED.status`,
		node.NodeID, node.Role, capsJSON, node.LastHeartbeat, node.Status,
	)
	if err != nil {
		return fmt.Errorf("upsert worker node: %w", err)
	}
	return nil
}

// ListLearningEvents returns every learning event recorded for runID, in
// insertion order, for the debt ledger and stress-session gate evaluation.
func (s *Store) ListLearningEvents(ctx context.Context, runID string) ([]types.LearningEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, phase, outcome, delta, blocking_before, blocking_after,
			convergence_flag, regression_flag, clusters, metadata, created_at
		FROM learning_events WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list learning events: %w", err)
	}
	defer rows.Close()

	var out []types.LearningEvent
	for rows.Next() {
		var ev types.LearningEvent
		var clustersJSON, metadataJSON sql.NullString
		if err := rows.Scan(
			&ev.RunID, &ev.Phase, &ev.Outcome, &ev.Delta, &ev.BlockingBefore, &ev.BlockingAfter,
			&ev.ConvergenceFlag, &ev.RegressionFlag, &clustersJSON, &metadataJSON, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan learning event: %w", err)
		}
		if clustersJSON.Valid && clustersJSON.String != "" {
			if err := json.Unmarshal([]byte(clustersJSON.String), &ev.Clusters); err != nil {
				return nil, fmt.Errorf("unmarshal clusters: %w", err)
			}
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecordLearningEvent appends one stress/correction telemetry row.
func (s *Store) RecordLearningEvent(ctx context.Context, ev *types.LearningEvent) error {
	clustersJSON, err := json.Marshal(ev.Clusters)
	if err != nil {
		return fmt.Errorf("marshal clusters: %w", err)
	}
	metadataJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO learning_events (
			run_id, phase, outcome, delta, blocking_before, blocking_after,
			convergence_flag, regression_flag, clusters, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ev.RunID, ev.Phase, ev.Outcome, ev.Delta, ev.BlockingBefore, ev.BlockingAfter,
		ev.ConvergenceFlag, ev.RegressionFlag, clustersJSON, metadataJSON, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record learning event: %w", err)
	}
	return nil
}
