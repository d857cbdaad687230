package stress

import (
	"context"
	"errors"
	"testing"

	"github.com/deeprun/kernel/internal/types"
)

func TestSelectScenarios_DeterministicForSameSeed(t *testing.T) {
	scenarioPool := []Scenario{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}, {ID: "c", Weight: 1}}
	first := SelectScenarios(scenarioPool, 123, 10)
	second := SelectScenarios(scenarioPool, 123, 10)
	if len(first) != len(second) {
		t.Fatalf("expected equal-length selections, got %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("expected identical selection sequence at index %d, got %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestSelectScenarios_DiffersAcrossSeeds(t *testing.T) {
	scenarioPool := []Scenario{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}, {ID: "e"}}
	a := SelectScenarios(scenarioPool, 1, 20)
	b := SelectScenarios(scenarioPool, 2, 20)
	same := true
	for i := range a {
		if a[i].ID != b[i].ID {
			same = false
		}
	}
	if same {
		t.Fatal("expected different seeds to produce different scenario sequences")
	}
}

func TestSelectScenarios_EmptyPoolReturnsNil(t *testing.T) {
	if got := SelectScenarios(nil, 1, 5); got != nil {
		t.Fatalf("expected nil for an empty pool, got %+v", got)
	}
}

type stubRunner struct {
	fail map[string]bool
}

func (r *stubRunner) Run(_ context.Context, sc Scenario) (types.LearningEvent, error) {
	if r.fail[sc.ID] {
		return types.LearningEvent{}, errors.New("scenario runner failed")
	}
	return types.LearningEvent{RunID: sc.ID, Phase: "goal", Outcome: types.LearningOutcomeSuccess, ConvergenceFlag: true}, nil
}

func TestRunSession_CollectsEventsAndErrorsIndependently(t *testing.T) {
	scenarioPool := []Scenario{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}}
	runner := &stubRunner{fail: map[string]bool{"s2": true}}

	const count = 12
	events, errs := RunSession(context.Background(), scenarioPool, runner, RunSessionOptions{
		Seed: 99, Count: count, MaxConcurrency: 2,
	})
	if len(events)+len(errs) != count {
		t.Fatalf("expected %d total outcomes, got %d events + %d errors", count, len(events), len(errs))
	}
	for _, ev := range events {
		if ev.RunID == "s2" {
			t.Fatal("scenario s2 is scripted to fail and must never contribute an event")
		}
	}
}
