package kernel

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/deeprun/kernel/internal/failure"
	"github.com/deeprun/kernel/internal/planner"
	"github.com/deeprun/kernel/internal/run"
	"github.com/deeprun/kernel/internal/types"
)

// stubMarkerRe matches the debt-paydown convention a correction step may
// leave behind when it patches around a problem instead of resolving it:
// a comment of the form `@deeprun-stub {"reason": "...", ...}` on its own
// line. The kernel never writes these itself — it only watches for them
// appearing or disappearing between correction attempts.
var stubMarkerRe = regexp.MustCompile(`@deeprun-stub\s+(\{.*\})`)

// runCorrectionLoop implements spec.md §4.8.4: classify the failed
// validation report, choose a correction recipe based on whether the
// failure is an architecture collapse or a scoped set of files, re-plan,
// re-execute the new step(s), and re-validate. It repeats until the run
// either converges (blockingCount reaches 0), exhausts its correction
// budget, or, under CorrectionConvergenceEnforce, finishes a round that
// did not lower the blocking count.
func (k *Kernel) runCorrectionLoop(ctx context.Context, state *runState, report *types.ValidationReport, archGraph *types.ArchGraph) error {
	r := state.run
	if err := run.Transition(r, types.RunStatusCorrecting); err != nil {
		return err
	}
	if err := k.persistRun(ctx, r); err != nil {
		return err
	}

	beforeStubs := countStubMarkers(r.Plan)

	for {
		phase := "goal"
		limit := r.ExecutionConfig.MaxHeavyCorrectionAttempts
		if r.CorrectionAttempts >= limit {
			return k.failRun(ctx, r, fmt.Sprintf("Heavy correction limit reached (%d/%d).", r.CorrectionAttempts, limit))
		}

		classification := k.classifyReport(report, archGraph.Violations)

		var steps []types.AgentStep
		var err error
		if classification.ArchitectureCollapse {
			steps, err = k.planArchitectureCollapseRecovery(ctx, classification, r.CorrectionAttempts+1)
		} else if len(classification.CorrectionConstraint.AllowedPathPrefixes) > 0 {
			steps, err = k.planMicroTargetedRepair(ctx, classification, r.CorrectionAttempts+1)
		} else {
			steps, err = k.planSingleCorrection(ctx, classification, r.CorrectionAttempts+1, phase)
		}
		if err != nil {
			return k.failRun(ctx, r, fmt.Sprintf("correction planning failed: %v", err))
		}

		fromIndex := len(r.Plan.Steps)
		r.Plan.Steps = append(r.Plan.Steps, steps...)
		r.CorrectionAttempts++
		r.LastCorrectionReason = classification.Rationale
		if err := k.persistRun(ctx, r); err != nil {
			return err
		}

		if err := k.runStepsFrom(ctx, state, fromIndex); err != nil {
			return err
		}

		blockingBefore := report.BlockingCount
		newReport, newArchGraph, err := k.runPostPlanValidation(ctx, state)
		if err != nil {
			return fmt.Errorf("re-validation: %w", err)
		}
		blockingAfter := newReport.BlockingCount
		delta := blockingBefore - blockingAfter

		afterStubs := countStubMarkers(r.Plan)
		k.recordDebtPaydown(ctx, r, beforeStubs, afterStubs)
		beforeStubs = afterStubs

		converged := blockingAfter == 0
		regressed := delta < 0
		ev := &types.LearningEvent{
			RunID:           r.ID,
			Phase:           phase,
			Delta:           delta,
			BlockingBefore:  blockingBefore,
			BlockingAfter:   blockingAfter,
			ConvergenceFlag: converged,
			RegressionFlag:  regressed,
			Clusters:        classification.FailureKinds,
			CreatedAt:       time.Now().UTC(),
		}
		if converged {
			ev.Outcome = types.LearningOutcomeSuccess
		} else if delta > 0 {
			ev.Outcome = types.LearningOutcomeProvisionallyFixed
		} else {
			ev.Outcome = types.LearningOutcomeStalled
		}
		if err := k.store.RecordLearningEvent(ctx, ev); err != nil {
			k.logger.Warn().Err(err).Str("run_id", r.ID).Msg("record learning event failed")
		}

		if converged {
			r.ValidationStatus = types.ValidationStatusPassed
			r.ValidationResult = newReport
			r.LastValidCommitHash = r.CurrentCommitHash
			if err := run.Transition(r, types.RunStatusComplete); err != nil {
				return err
			}
			now := time.Now().UTC()
			r.FinishedAt = &now
			return k.persistRun(ctx, r)
		}

		if r.ExecutionConfig.CorrectionConvergenceMode == types.CorrectionConvergenceEnforce && delta <= 0 {
			return k.failRun(ctx, r, fmt.Sprintf("Heavy validation did not converge: blocking count %d -> %d.", blockingBefore, blockingAfter))
		}

		report, archGraph = newReport, newArchGraph
	}
}

// classifyReport turns a failed ValidationReport's checks into typed
// failures via the failure parser, pulling each failed check's combined
// subprocess output from Details["output"] (npm-script checks) or
// Details["logs"] (boot/docker checks) per the convention
// internal/validation/heavy and internal/validation/v1ready use when they
// attach a failed CheckResult.
func (k *Kernel) classifyReport(report *types.ValidationReport, archViolations []types.Violation) types.FailureClassification {
	var failedChecks []string
	var failures []types.TypedFailure
	for _, check := range report.Checks {
		if check.Status != types.CheckStatusFail {
			continue
		}
		failedChecks = append(failedChecks, check.ID)
		output, _ := check.Details["output"].(string)
		if output == "" {
			output, _ = check.Details["logs"].(string)
		}
		failures = append(failures, failure.Parse(check.ID, output)...)
	}
	failures = failure.Dedupe(failures)
	return failure.Classify(failedChecks, failures, archViolations)
}

// planArchitectureCollapseRecovery implements the two-phase recipe
// spec.md §4.8.4 calls for when more than one module is implicated by an
// architecture_violation intent: a structural_reset step confined to
// layer/module placement (forbidden from touching feature logic) followed
// by a feature_reintegration step confined to wiring (forbidden from
// touching scaffolding).
func (k *Kernel) planArchitectureCollapseRecovery(ctx context.Context, classification types.FailureClassification, attempt int) ([]types.AgentStep, error) {
	reset, err := k.planner.PlanCorrection(ctx, planner.CorrectionInput{
		Classification: classification,
		Attempt:        attempt,
		Phase:          "structural_reset",
	})
	if err != nil {
		return nil, fmt.Errorf("structural_reset: %w", err)
	}
	reintegration, err := k.planner.PlanCorrection(ctx, planner.CorrectionInput{
		Classification: classification,
		Attempt:        attempt,
		Phase:          "feature_reintegration",
	})
	if err != nil {
		return nil, fmt.Errorf("feature_reintegration: %w", err)
	}
	return []types.AgentStep{*reset, *reintegration}, nil
}

// planMicroTargetedRepair handles the common case: the classifier already
// scoped AllowedPathPrefixes to a small set of files, so a single
// correction step confined to that scope is enough.
func (k *Kernel) planMicroTargetedRepair(ctx context.Context, classification types.FailureClassification, attempt int) ([]types.AgentStep, error) {
	step, err := k.planner.PlanCorrection(ctx, planner.CorrectionInput{
		Classification: classification,
		Attempt:        attempt,
		Phase:          "micro_targeted_repair",
	})
	if err != nil {
		return nil, err
	}
	return []types.AgentStep{*step}, nil
}

func (k *Kernel) planSingleCorrection(ctx context.Context, classification types.FailureClassification, attempt int, phase string) ([]types.AgentStep, error) {
	step, err := k.planner.PlanCorrection(ctx, planner.CorrectionInput{
		Classification: classification,
		Attempt:        attempt,
		Phase:          phase,
	})
	if err != nil {
		return nil, err
	}
	return []types.AgentStep{*step}, nil
}

// countStubMarkers counts @deeprun-stub markers across every proposed
// change any step in the plan carries, used to detect debt paydown
// between correction rounds: a marker present in an earlier round and
// gone in a later one means a stub was resolved rather than left behind.
func countStubMarkers(plan *types.AgentPlan) map[string]int {
	counts := make(map[string]int)
	if plan == nil {
		return counts
	}
	for _, step := range plan.Steps {
		for _, change := range planner.ProposedChangesFromStep(step) {
			for _, m := range stubMarkerRe.FindAllStringSubmatch(change.NewContent, -1) {
				counts[change.Path+"|"+m[1]]++
			}
		}
	}
	return counts
}

// recordDebtPaydown compares stub-marker sets before/after a correction
// round and records a LearningEvent for each: an import_resolution_recipe
// provisional-fix event when a stub first appears, and for each stub that
// existed before a debt_resolution event: paid down when it is no longer
// present, stalled when it persists. These two phase literals are the
// convention internal/stress's debt-paydown gate reads — they are distinct
// from the round's own phase ("goal") recorded by runCorrectionLoop.
func (k *Kernel) recordDebtPaydown(ctx context.Context, r *types.Run, before, after map[string]int) {
	for key := range after {
		if before[key] == 0 {
			k.emitStubEvent(ctx, r, "import_resolution_recipe", key, types.LearningOutcomeProvisionallyFixed, nil)
		}
	}
	for key := range before {
		if after[key] == 0 {
			k.emitStubEvent(ctx, r, "debt_resolution", key, types.LearningOutcomeSuccess, map[string]any{
				"debtPaidDown":      true,
				"debtPaydownAction": "stub_resolved",
			})
		} else {
			k.emitStubEvent(ctx, r, "debt_resolution", key, types.LearningOutcomeStalled, map[string]any{
				"debtPaidDown":      false,
				"debtPaydownAction": "stub_persisted",
			})
		}
	}
}

func (k *Kernel) emitStubEvent(ctx context.Context, r *types.Run, phase, key string, outcome types.LearningOutcome, metadata map[string]any) {
	path := key
	if idx := strings.Index(key, "|"); idx >= 0 {
		path = key[:idx]
	}
	ev := &types.LearningEvent{
		RunID:     r.ID,
		Phase:     phase,
		Outcome:   outcome,
		Clusters:  []string{path},
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := k.store.RecordLearningEvent(ctx, ev); err != nil {
		k.logger.Warn().Err(err).Str("run_id", r.ID).Str("path", path).Msg("record debt paydown event failed")
	}
}
