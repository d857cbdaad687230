// Package run implements the Run and RunJob lifecycle state machines: the
// canonical transition tables and the guard checks the kernel consults
// before writing a new status.
package run

import (
	"fmt"

	"github.com/deeprun/kernel/internal/types"
)

// transitions is the canonical Run lifecycle graph. Terminal states map to
// an empty slice except for the two that are resumable.
var transitions = map[types.RunStatus][]types.RunStatus{
	types.RunStatusQueued:     {types.RunStatusRunning, types.RunStatusCancelled, types.RunStatusFailed},
	types.RunStatusRunning:    {types.RunStatusValidating, types.RunStatusCorrecting, types.RunStatusOptimizing, types.RunStatusComplete, types.RunStatusCancelled, types.RunStatusFailed},
	types.RunStatusValidating: {types.RunStatusRunning, types.RunStatusOptimizing, types.RunStatusComplete, types.RunStatusCancelled, types.RunStatusFailed},
	types.RunStatusCorrecting: {types.RunStatusRunning, types.RunStatusValidating, types.RunStatusCancelled, types.RunStatusFailed},
	types.RunStatusOptimizing: {types.RunStatusRunning, types.RunStatusValidating, types.RunStatusComplete, types.RunStatusCancelled, types.RunStatusFailed},
	types.RunStatusComplete:   {},
	types.RunStatusFailed:     {types.RunStatusQueued},
	types.RunStatusCancelled:  {types.RunStatusQueued},
}

// TransitionError reports an attempted move the lifecycle graph forbids.
type TransitionError struct {
	From types.RunStatus
	To   types.RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run: illegal transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether to is reachable from from in one hop.
func CanTransition(from, to types.RunStatus) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change to run, returning a
// *TransitionError if the graph forbids the move. It does not persist the
// change — callers pair a successful Transition with a store.UpdateRun.
func Transition(r *types.Run, to types.RunStatus) error {
	if !CanTransition(r.Status, to) {
		return &TransitionError{From: r.Status, To: to}
	}
	r.Status = to
	return nil
}

// IsTerminal reports whether status has no outbound transitions other than
// the failed/cancelled -> queued resume edge.
func IsTerminal(status types.RunStatus) bool {
	switch status {
	case types.RunStatusComplete, types.RunStatusFailed, types.RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Resumable reports whether a run in status is eligible for resumeRun —
// the kernel re-entering executeRunJob after a crash or explicit retry.
func Resumable(r *types.Run) bool {
	if r.Plan == nil {
		return r.Status == types.RunStatusQueued
	}
	return (r.Status == types.RunStatusFailed || r.Status == types.RunStatusQueued) &&
		r.CurrentStepIndex < len(r.Plan.Steps)
}

// jobTransitions is the canonical RunJob lifecycle graph.
var jobTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobStatusQueued:   {types.JobStatusClaimed},
	types.JobStatusClaimed:  {types.JobStatusRunning, types.JobStatusQueued},
	types.JobStatusRunning:  {types.JobStatusComplete, types.JobStatusFailed, types.JobStatusClaimed},
	types.JobStatusComplete: {},
	types.JobStatusFailed:   {},
}

// JobTransitionError reports an attempted move the job lifecycle forbids.
type JobTransitionError struct {
	From types.JobStatus
	To   types.JobStatus
}

func (e *JobTransitionError) Error() string {
	return fmt.Sprintf("run: illegal job transition %s -> %s", e.From, e.To)
}

// CanTransitionJob reports whether to is reachable from from in one hop.
func CanTransitionJob(from, to types.JobStatus) bool {
	for _, candidate := range jobTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// TransitionJob validates and applies a status change to job.
func TransitionJob(j *types.RunJob, to types.JobStatus) error {
	if !CanTransitionJob(j.Status, to) {
		return &JobTransitionError{From: j.Status, To: to}
	}
	j.Status = to
	return nil
}

// IsJobTerminal reports whether status has no outbound transitions.
func IsJobTerminal(status types.JobStatus) bool {
	return status == types.JobStatusComplete || status == types.JobStatusFailed
}
