package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/deeprun/kernel/internal/queue"
	"github.com/deeprun/kernel/internal/run"
	"github.com/deeprun/kernel/internal/types"
)

// ResumeRun implements crash replay (spec.md §4.8.5): a run left in
// "queued" or "failed" with CurrentStepIndex short of its plan's length
// is still resumable. A failed run is first moved back to queued along the
// lifecycle's resume edge; then it re-enters ExecuteRunJob — dirty-worktree
// recovery (prepareWorktree + recoverDirtyWorktree) and append-only step
// numbering via store.NextAttempt make replaying from the last persisted
// index safe regardless of where the crash landed.
func (k *Kernel) ResumeRun(ctx context.Context, runID string, opts ExecuteOptions) error {
	r, err := k.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if !run.Resumable(r) {
		return fmt.Errorf("kernel: run %s is not resumable from status %q", r.ID, r.Status)
	}
	if r.Status == types.RunStatusFailed {
		if err := run.Transition(r, types.RunStatusQueued); err != nil {
			return err
		}
		if err := k.persistRun(ctx, r); err != nil {
			return fmt.Errorf("requeue failed run: %w", err)
		}
	}
	return k.ExecuteRunJob(ctx, runID, opts)
}

// ClaimAndExecute pops the next queued kernel RunJob targeted at role and
// drives it to completion, reporting success/failure back to the queue so
// ReclaimExpiredLeases never has to recover it. Intended for a worker
// process's main poll loop.
func (k *Kernel) ClaimAndExecute(ctx context.Context, targetRole types.WorkerRole, workerCapabilities []string, leaseSeconds int, opts ExecuteOptions) (bool, error) {
	job, err := k.queue.ClaimNextRunJob(ctx, k.nodeID, targetRole, workerCapabilities, leaseSeconds)
	if errors.Is(err, queue.ErrNoJobAvailable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim run job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	if err := k.queue.MarkRunJobRunning(ctx, job.ID, k.nodeID); err != nil {
		return true, fmt.Errorf("mark run job running: %w", err)
	}

	execErr := k.ExecuteRunJob(ctx, job.RunID, opts)
	if execErr != nil {
		if err := k.queue.FailRunJob(ctx, job.ID, k.nodeID); err != nil {
			k.logger.Warn().Err(err).Str("job_id", job.ID).Msg("fail run job failed")
		}
		return true, execErr
	}
	if err := k.queue.CompleteRunJob(ctx, job.ID, k.nodeID); err != nil {
		return true, fmt.Errorf("complete run job: %w", err)
	}
	return true, nil
}
