package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/deeprun/kernel/internal/executor"
	"github.com/deeprun/kernel/internal/failure"
	"github.com/deeprun/kernel/internal/filesession"
	"github.com/deeprun/kernel/internal/invariant"
	"github.com/deeprun/kernel/internal/logging"
	"github.com/deeprun/kernel/internal/planner"
	"github.com/deeprun/kernel/internal/run"
	"github.com/deeprun/kernel/internal/types"
	"github.com/deeprun/kernel/internal/validation/arch"
	"github.com/deeprun/kernel/internal/validation/heavy"
	"github.com/deeprun/kernel/internal/validation/security"
	"github.com/deeprun/kernel/internal/validation/structural"
	"github.com/deeprun/kernel/internal/worktree"
)

// runState bundles everything one ExecuteRunJob call threads through its
// step loop, validation pass, and correction loop.
type runState struct {
	run     *types.Run
	handle  *worktree.Handle
	session *filesession.Session
	exec    *executor.Executor
	config  types.ExecutionConfig
}

// ExecuteRunJob implements executeRunJob (spec.md §4.8.2): acquire the run
// lock, create or reattach the isolated worktree, recover a dirty
// worktree left by a crash, plan if needed, run every plan step, then run
// post-plan validation and, on failure, the correction loop.
func (k *Kernel) ExecuteRunJob(ctx context.Context, runID string, opts ExecuteOptions) error {
	ok, err := k.store.AcquireRunLock(ctx, runID, k.nodeID, lockStaleAfter)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return ErrRunLockContested
	}
	defer func() {
		if err := k.store.ReleaseRunLock(ctx, runID, k.nodeID); err != nil {
			k.logger.Warn().Err(err).Str("run_id", runID).Msg("release run lock failed")
		}
	}()

	r, err := k.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	logger := logging.ForRun(k.logger, r.ID)

	handle, err := k.prepareWorktree(ctx, r, opts.ProjectRoot)
	if err != nil {
		return fmt.Errorf("prepare worktree: %w", err)
	}
	if err := handle.EnsureAttachedBranch(ctx, worktree.DefaultTimeout); err != nil {
		return fmt.Errorf("ensure attached branch: %w", err)
	}

	if err := k.recoverDirtyWorktree(ctx, r, handle); err != nil {
		return fmt.Errorf("dirty worktree recovery: %w", err)
	}

	if r.Plan == nil {
		if err := k.planRun(ctx, r); err != nil {
			r.ErrorMessage = err.Error()
			_ = run.Transition(r, types.RunStatusFailed)
			_ = k.persistRun(ctx, r)
			return fmt.Errorf("plan: %w", err)
		}
	}
	if r.Status == types.RunStatusQueued {
		if err := run.Transition(r, types.RunStatusRunning); err != nil {
			return err
		}
	}
	if err := k.persistRun(ctx, r); err != nil {
		return fmt.Errorf("persist run after planning: %w", err)
	}

	session := filesession.Create(r.ProjectID, handle.WorktreePath, r.BaseCommitHash, handle, sessionOptionsFromConfig(r.ExecutionConfig))
	state := &runState{
		run:     r,
		handle:  handle,
		session: session,
		config:  r.ExecutionConfig,
		exec: &executor.Executor{
			Runtime: newPreviewRuntimeChecker(handle.WorktreePath),
			Lister:  &worktreeFileLister{root: handle.WorktreePath},
			Session: session,
		},
	}

	if err := k.runStepsFrom(ctx, state, r.CurrentStepIndex); err != nil {
		return err
	}

	report, archGraph, err := k.runPostPlanValidation(ctx, state)
	if err != nil {
		return fmt.Errorf("post-plan validation: %w", err)
	}

	if report.Ok() {
		r.ValidationStatus = types.ValidationStatusPassed
		r.ValidationResult = report
		r.LastValidCommitHash = r.CurrentCommitHash
		if err := run.Transition(r, types.RunStatusComplete); err != nil {
			return err
		}
		now := time.Now().UTC()
		r.FinishedAt = &now
		logger.Info().Msg("run complete")
		return k.persistRun(ctx, r)
	}

	return k.runCorrectionLoop(ctx, state, report, archGraph)
}

// prepareWorktree creates a new worktree the first time a run executes, or
// reattaches the existing one on resume.
func (k *Kernel) prepareWorktree(ctx context.Context, r *types.Run, _ string) (*worktree.Handle, error) {
	if r.WorktreePath != "" {
		return k.worktree.Reattach(r.ID, r.WorktreePath, r.RunBranch, r.BaseCommitHash), nil
	}
	handle, err := k.worktree.Create(ctx, r.ID, r.BaseCommitHash)
	if err != nil {
		return nil, err
	}
	r.WorktreePath = handle.WorktreePath
	r.RunBranch = handle.Branch
	return handle, nil
}

// recoverDirtyWorktree implements spec.md §4.8.2#3: a crash between
// applyStepChanges and commitStep leaves the worktree dirty relative to
// the last fully-committed step. currentCommitHash diverging from
// lastValidCommitHash is the signal; reset discards the partial mutation.
func (k *Kernel) recoverDirtyWorktree(ctx context.Context, r *types.Run, handle *worktree.Handle) error {
	if r.CurrentCommitHash == r.LastValidCommitHash {
		return nil
	}
	target := r.LastValidCommitHash
	if target == "" {
		target = r.BaseCommitHash
	}
	if err := handle.HardResetAndClean(ctx, worktree.DefaultTimeout, target); err != nil {
		return err
	}
	r.CurrentCommitHash = target
	return nil
}

func (k *Kernel) planRun(ctx context.Context, r *types.Run) error {
	timeout := time.Duration(r.ExecutionConfig.PlannerTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	plan, err := k.planner.Plan(pctx, planner.PlanInput{
		Goal:       r.Goal,
		ProviderID: r.ProviderID,
		Model:      r.Model,
		ProjectID:  r.ProjectID,
	})
	if err != nil {
		return err
	}
	r.Plan = plan
	return nil
}

func sessionOptionsFromConfig(c types.ExecutionConfig) filesession.Options {
	return filesession.Options{
		MaxFilesPerStep:   c.MaxFilesPerStep,
		MaxTotalDiffBytes: int(c.MaxTotalDiffBytes),
		MaxFileBytes:      int(c.MaxFileBytes),
		AllowEnvMutation:  c.AllowEnvMutation,
	}
}

func (k *Kernel) persistRun(ctx context.Context, r *types.Run) error {
	expected := r.UpdatedAt
	if err := k.store.UpdateRun(ctx, r, expected); err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// runStepsFrom executes plan steps [from, len(plan.Steps)) in order,
// staging and committing mutating steps and running step-local runtime
// correction (§4.8.3) for failed preview-container verify steps. It
// mutates state.run.CurrentStepIndex as it goes and persists after every
// step so a crash mid-plan resumes at the right index.
func (k *Kernel) runStepsFrom(ctx context.Context, state *runState, from int) error {
	r := state.run
	runtimeCorrectionAttempts := 0

	for i := from; i < len(r.Plan.Steps); i++ {
		step := r.Plan.Steps[i]
		if err := state.session.BeginStep(step.ID, i); err != nil {
			return fmt.Errorf("begin step %s: %w", step.ID, err)
		}

		proposed := planner.ProposedChangesFromStep(step)
		result := executor.Execute(ctx, state.exec, step, proposed)

		rec, err := k.newStepRecord(ctx, r.ID, i, step)
		if err != nil {
			return err
		}
		rec.OutputPayload = result.Output
		rec.RuntimeStatus = result.RuntimeStatus

		if result.Err != nil {
			state.session.AbortStep()
			return k.failStep(ctx, r, rec, result.Err.Error())
		}

		if executor.IsMutating(step) {
			inserted, err := k.stageAndGuard(ctx, state, step, result.ProposedFiles, rec, i)
			if err != nil {
				return err
			}
			if inserted {
				// A correction step was spliced in ahead of i+1; re-run the
				// loop from the same index's successor next iteration.
				continue
			}
		}

		if step.Type == types.StepTypeVerify && step.Tool == executor.ToolRunPreviewContainer && result.RuntimeStatus == "failed" {
			limit := r.ExecutionConfig.MaxRuntimeCorrectionAttempts
			if runtimeCorrectionAttempts >= limit {
				rec.Status = types.StepStatusFailed
				rec.ErrorMessage = fmt.Sprintf("Runtime correction limit reached (%d/%d).", runtimeCorrectionAttempts, limit)
				_ = k.store.AppendStepRecord(ctx, rec)
				state.session.Clear()
				return k.failRun(ctx, r, rec.ErrorMessage)
			}
			runtimeCorrectionAttempts++
			correctionStep, err := k.planRuntimeCorrection(ctx, state, step, result, runtimeCorrectionAttempts)
			if err != nil {
				rec.Status = types.StepStatusFailed
				rec.ErrorMessage = err.Error()
				_ = k.store.AppendStepRecord(ctx, rec)
				state.session.Clear()
				return k.failRun(ctx, r, err.Error())
			}
			rec.Status = types.StepStatusCompleted
			_ = k.store.AppendStepRecord(ctx, rec)
			state.session.Clear()
			r.Plan.Steps = insertStep(r.Plan.Steps, i+1, *correctionStep)
			r.CurrentStepIndex = i + 1
			if err := k.persistRun(ctx, r); err != nil {
				return err
			}
			continue
		}

		rec.Status = types.StepStatusCompleted
		if err := k.store.AppendStepRecord(ctx, rec); err != nil {
			return fmt.Errorf("append step record: %w", err)
		}
		state.session.Clear()
		r.CurrentStepIndex = i + 1
		if err := k.persistRun(ctx, r); err != nil {
			return fmt.Errorf("persist run after step %d: %w", i, err)
		}
	}
	return nil
}

func insertStep(steps []types.AgentStep, at int, step types.AgentStep) []types.AgentStep {
	out := make([]types.AgentStep, 0, len(steps)+1)
	out = append(out, steps[:at]...)
	out = append(out, step)
	out = append(out, steps[at:]...)
	return out
}

func (k *Kernel) newStepRecord(ctx context.Context, runID string, stepIndex int, step types.AgentStep) (*types.StepRecord, error) {
	attempt, err := k.store.NextAttempt(ctx, runID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("next attempt: %w", err)
	}
	return &types.StepRecord{
		ID:            uuid.NewString(),
		RunID:         runID,
		StepIndex:     stepIndex,
		Attempt:       attempt,
		StepID:        step.ID,
		Type:          step.Type,
		Tool:          step.Tool,
		InputPayload:  step.Input,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func (k *Kernel) failStep(ctx context.Context, r *types.Run, rec *types.StepRecord, reason string) error {
	rec.Status = types.StepStatusFailed
	rec.ErrorMessage = reason
	if err := k.store.AppendStepRecord(ctx, rec); err != nil {
		return fmt.Errorf("append failed step record: %w", err)
	}
	return k.failRun(ctx, r, reason)
}

func (k *Kernel) failRun(ctx context.Context, r *types.Run, reason string) error {
	r.ErrorMessage = reason
	if err := run.Transition(r, types.RunStatusFailed); err != nil {
		return err
	}
	if err := k.persistRun(ctx, r); err != nil {
		return err
	}
	return fmt.Errorf("run %s failed: %s", r.ID, reason)
}

// stageAndGuard stages a mutating step's proposed changes, runs the
// pre-commit invariant guard, and either applies+commits on success or —
// on a guard failure — classifies it and feeds the post-validation
// correction machinery for a single targeted fix, spliced into the plan
// right after the failing step (spec.md §4.8.2#5: "if guard fails...
// enter correction"). Returns (true, nil) when a correction step was
// inserted so the caller should move on without treating this as the
// step's terminal outcome.
func (k *Kernel) stageAndGuard(ctx context.Context, state *runState, step types.AgentStep, proposed []types.ProposedFileChange, rec *types.StepRecord, index int) (bool, error) {
	r := state.run

	if len(proposed) == 0 {
		state.session.AbortStep()
		return false, k.failStep(ctx, r, rec, fmt.Sprintf("step '%s' produced no proposed changes", step.ID))
	}

	for _, change := range proposed {
		if err := state.session.StageChange(change); err != nil {
			state.session.AbortStep()
			return false, k.failStep(ctx, r, rec, err.Error())
		}
	}
	if err := state.session.ValidateStep(); err != nil {
		state.session.AbortStep()
		return false, k.failStep(ctx, r, rec, err.Error())
	}

	guard := invariant.Check(state.handle.WorktreePath, state.session.GetStagedDiffs(), func(rel string) bool {
		return exists(filepath.Join(state.handle.WorktreePath, rel))
	})
	if !guard.Ok {
		state.session.AbortStep()
		rec.Status = types.StepStatusFailed
		rec.ErrorMessage = guard.Summary
		if err := k.store.AppendStepRecord(ctx, rec); err != nil {
			return false, fmt.Errorf("append step record: %w", err)
		}

		classification := failure.Classify(nil, nil, guard.Violations)
		correctionStep, err := k.planner.PlanCorrection(ctx, planner.CorrectionInput{
			Classification: classification,
			Attempt:        r.CorrectionAttempts + 1,
			Phase:          "goal",
		})
		if err != nil {
			return false, k.failRun(ctx, r, fmt.Sprintf("pre-commit guard failed and correction planning errored: %v", err))
		}
		r.Plan.Steps = insertStep(r.Plan.Steps, index+1, *correctionStep)
		r.CorrectionAttempts++
		r.LastCorrectionReason = classification.Rationale
		r.CurrentStepIndex = index + 1
		if err := k.persistRun(ctx, r); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := state.session.ApplyStepChanges(); err != nil {
		return false, k.failStep(ctx, r, rec, err.Error())
	}
	sha, err := state.session.CommitStep(types.StepCommitMeta{RunID: r.ID, StepIndex: index, StepID: step.ID, Summary: step.Tool})
	if err != nil {
		return false, k.failStep(ctx, r, rec, err.Error())
	}
	rec.CommitHash = sha
	state.run.CurrentCommitHash = sha
	return false, nil
}

func (k *Kernel) planRuntimeCorrection(ctx context.Context, state *runState, failedStep types.AgentStep, result executor.Result, attempt int) (*types.AgentStep, error) {
	logs, _ := result.Output["logs"].(string)
	step, err := k.planner.PlanRuntimeCorrection(ctx, planner.RuntimeCorrectionInput{
		FailedStepID: failedStep.ID,
		RuntimeLogs:  logs,
		Attempt:      attempt,
	})
	if err != nil {
		return nil, err
	}
	proposed := planner.ProposedChangesFromStep(*step)
	if len(proposed) == 0 {
		return nil, fmt.Errorf("correction step '%s' produced no proposed changes", step.ID)
	}
	if len(step.AllowedPathPrefixes) > 0 {
		for _, change := range proposed {
			if !hasAnyPrefix(change.Path, step.AllowedPathPrefixes) {
				return nil, fmt.Errorf("correction step '%s' touched disallowed paths", step.ID)
			}
		}
	}
	return step, nil
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(path) >= len(p) && path[:len(p)] == p {
			return true
		}
	}
	return false
}

// runPostPlanValidation runs architecture validation plus light and/or
// heavy validation per the run's ExecutionConfig (spec.md §4.8.2#6).
func (k *Kernel) runPostPlanValidation(ctx context.Context, state *runState) (*types.ValidationReport, *types.ArchGraph, error) {
	r := state.run
	report := &types.ValidationReport{WorktreePath: state.handle.WorktreePath}

	if r.ExecutionConfig.ExecutionMode == types.ExecutionModeBuilder {
		return report, &types.ArchGraph{}, nil
	}

	archGraph, err := arch.Build(state.handle.WorktreePath, k.archOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("architecture validation: %w", err)
	}
	foldArchViolations(report, archGraph)

	if r.ExecutionConfig.HeavyValidationMode == types.ValidationModeOn {
		heavyReport, err := heavy.Run(ctx, heavy.DefaultOptions(state.handle.WorktreePath))
		if err != nil {
			return nil, nil, fmt.Errorf("heavy validation: %w", err)
		}
		mergeValidationReports(report, heavyReport)
	} else if r.ExecutionConfig.LightValidationMode == types.ValidationModeOn {
		secReport, err := security.Scan(state.handle.WorktreePath, security.Options{RequireHelmet: true, RequireCORS: true, RequireRateLimit: true})
		if err != nil {
			return nil, nil, fmt.Errorf("security scan: %w", err)
		}
		mergeValidationReports(report, secReport)
		mergeValidationReports(report, structural.Check(state.handle.WorktreePath))
	}

	return report, archGraph, nil
}

func foldArchViolations(report *types.ValidationReport, graph *types.ArchGraph) {
	report.Violations = append(report.Violations, graph.Violations...)
	for _, v := range graph.Violations {
		if v.Severity == types.SeverityError {
			report.BlockingCount++
		} else {
			report.WarningCount++
		}
	}
}

func mergeValidationReports(dst, src *types.ValidationReport) {
	if src == nil {
		return
	}
	dst.Violations = append(dst.Violations, src.Violations...)
	dst.Checks = append(dst.Checks, src.Checks...)
	dst.BlockingCount += src.BlockingCount
	dst.WarningCount += src.WarningCount
}
