package kernel

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"

	"github.com/deeprun/kernel/internal/store"
	"github.com/deeprun/kernel/internal/types"
)

func newTestKernel(t *testing.T) (*Kernel, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Kernel{store: store.New(db), logger: zerolog.Nop()}, mock
}

func stepWithStub(path, marker string) types.AgentStep {
	return types.AgentStep{
		ID:   "step-1",
		Tool: "apply_patch",
		Input: map[string]any{
			"proposed_changes": []types.ProposedFileChange{
				{Path: path, Type: types.ChangeTypeUpdate, NewContent: "// @deeprun-stub " + marker + "\nfunc x() {}\n"},
			},
		},
	}
}

func TestCountStubMarkers_EmptyPlan(t *testing.T) {
	if got := countStubMarkers(nil); len(got) != 0 {
		t.Errorf("countStubMarkers(nil) = %v, want empty", got)
	}
	if got := countStubMarkers(&types.AgentPlan{}); len(got) != 0 {
		t.Errorf("countStubMarkers(empty plan) = %v, want empty", got)
	}
}

func TestCountStubMarkers_CountsPerPathAndMarker(t *testing.T) {
	plan := &types.AgentPlan{Steps: []types.AgentStep{
		stepWithStub("src/foo.ts", `{"reason": "missing dep"}`),
	}}
	counts := countStubMarkers(plan)
	if len(counts) != 1 {
		t.Fatalf("counts = %v, want exactly one key", counts)
	}
	for key, n := range counts {
		if n != 1 {
			t.Errorf("count[%s] = %d, want 1", key, n)
		}
	}
}

// TestRecordDebtPaydown_EmitsGateRecognizedPhases locks in the fix for a bug
// where recordDebtPaydown tagged every event with the correction round's own
// phase ("goal") instead of the literals internal/stress's debt-paydown gate
// actually reads ("import_resolution_recipe" for a stub's first appearance,
// "debt_resolution" for every later round touching it) — the gate would
// never see a qualifying event otherwise, no matter what the run did.
func TestRecordDebtPaydown_EmitsGateRecognizedPhases(t *testing.T) {
	k, mock := newTestKernel(t)
	r := &types.Run{ID: "run-1"}

	mock.ExpectExec("INSERT INTO learning_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO learning_events").WillReturnResult(sqlmock.NewResult(0, 1))

	before := map[string]int{}
	after := map[string]int{"src/foo.ts|{\"reason\": \"missing dep\"}": 1}
	k.recordDebtPaydown(context.Background(), r, before, after)
	// A later round in which the stub is gone.
	k.recordDebtPaydown(context.Background(), r, after, map[string]int{})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordDebtPaydown_ResolvedAndPersistedStubs(t *testing.T) {
	k, mock := newTestKernel(t)
	r := &types.Run{ID: "run-1"}

	// one stub resolved (present before, gone after), one still unresolved
	// (present both rounds) — two debt_resolution events expected, no
	// import_resolution_recipe event since nothing newly appeared.
	mock.ExpectExec("INSERT INTO learning_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO learning_events").WillReturnResult(sqlmock.NewResult(0, 1))

	before := map[string]int{
		"src/resolved.ts|m1":   1,
		"src/persisting.ts|m2": 1,
	}
	after := map[string]int{
		"src/persisting.ts|m2": 1,
	}
	k.recordDebtPaydown(context.Background(), r, before, after)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
