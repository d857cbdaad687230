package run

import (
	"testing"

	"github.com/deeprun/kernel/internal/types"
)

func TestTransition_AllowsQueuedToRunning(t *testing.T) {
	r := &types.Run{Status: types.RunStatusQueued}
	if err := Transition(r, types.RunStatusRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != types.RunStatusRunning {
		t.Fatalf("expected running, got %s", r.Status)
	}
}

func TestTransition_RejectsQueuedToOptimizing(t *testing.T) {
	r := &types.Run{Status: types.RunStatusQueued}
	err := Transition(r, types.RunStatusOptimizing)
	if err == nil {
		t.Fatal("expected an illegal-transition error")
	}
	var transitionErr *TransitionError
	if !asTransitionError(err, &transitionErr) {
		t.Fatalf("expected *TransitionError, got %T", err)
	}
	if r.Status != types.RunStatusQueued {
		t.Fatalf("status must not change on a rejected transition, got %s", r.Status)
	}
}

func asTransitionError(err error, target **TransitionError) bool {
	te, ok := err.(*TransitionError)
	if ok {
		*target = te
	}
	return ok
}

func TestTransition_TerminalStatesHaveNoOutboundExceptResume(t *testing.T) {
	if CanTransition(types.RunStatusComplete, types.RunStatusRunning) {
		t.Fatal("complete must have no outbound transitions")
	}
	if !CanTransition(types.RunStatusFailed, types.RunStatusQueued) {
		t.Fatal("failed must be resumable back to queued")
	}
	if !CanTransition(types.RunStatusCancelled, types.RunStatusQueued) {
		t.Fatal("cancelled must be resumable back to queued")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []types.RunStatus{types.RunStatusComplete, types.RunStatusFailed, types.RunStatusCancelled} {
		if !IsTerminal(s) {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	if IsTerminal(types.RunStatusRunning) {
		t.Fatal("running must not be terminal")
	}
}

func TestResumable_FailedRunWithRemainingStepsIsResumable(t *testing.T) {
	r := &types.Run{
		Status:           types.RunStatusFailed,
		CurrentStepIndex: 1,
		Plan:             &types.AgentPlan{Steps: []types.AgentStep{{ID: "s1", Tool: "write_file"}, {ID: "s2", Tool: "write_file"}}},
	}
	if !Resumable(r) {
		t.Fatal("expected a failed run with remaining steps to be resumable")
	}
}

func TestResumable_CompleteRunIsNotResumable(t *testing.T) {
	r := &types.Run{
		Status:           types.RunStatusComplete,
		CurrentStepIndex: 2,
		Plan:             &types.AgentPlan{Steps: []types.AgentStep{{ID: "s1", Tool: "write_file"}, {ID: "s2", Tool: "write_file"}}},
	}
	if Resumable(r) {
		t.Fatal("a complete run must not be resumable")
	}
}

func TestResumable_QueuedWithNoPlanIsResumable(t *testing.T) {
	r := &types.Run{Status: types.RunStatusQueued}
	if !Resumable(r) {
		t.Fatal("a fresh queued run with no plan yet must be resumable (first entry into executeRunJob)")
	}
}

func TestTransitionJob_LeaseExpiryReclaimEdge(t *testing.T) {
	j := &types.RunJob{Status: types.JobStatusRunning}
	if err := TransitionJob(j, types.JobStatusClaimed); err != nil {
		t.Fatalf("expected running -> claimed (lease reclaim) to be legal: %v", err)
	}
}

func TestTransitionJob_RejectsQueuedToRunning(t *testing.T) {
	j := &types.RunJob{Status: types.JobStatusQueued}
	if err := TransitionJob(j, types.JobStatusRunning); err == nil {
		t.Fatal("expected queued -> running to skip the claimed step and be rejected")
	}
}

func TestIsJobTerminal(t *testing.T) {
	if !IsJobTerminal(types.JobStatusComplete) || !IsJobTerminal(types.JobStatusFailed) {
		t.Fatal("complete and failed must be terminal job statuses")
	}
	if IsJobTerminal(types.JobStatusClaimed) {
		t.Fatal("claimed must not be terminal")
	}
}
