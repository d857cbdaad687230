// Package planner defines the opaque Planner capability-set interface
// (spec.md §2/C11) and a circuit-breaker-wrapped provider-backed
// implementation. The Planner never inspects project source itself — it
// hands a natural-language goal (or a failure classification) to a
// Provider and turns the result into a bounded AgentPlan.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/deeprun/kernel/internal/types"
)

// PlanInput is everything the planner needs to produce an initial plan.
type PlanInput struct {
	Goal       string
	ProviderID string
	Model      string
	ProjectID  string
}

// CorrectionInput drives a post-validation re-plan (spec.md §4.8.4).
type CorrectionInput struct {
	Classification types.FailureClassification
	Attempt        int
	Phase          string // "goal", "structural_reset", "feature_reintegration" or "micro_targeted_repair"
}

// RuntimeCorrectionInput drives the runtime-correction path (spec.md §4.8.3).
type RuntimeCorrectionInput struct {
	FailedStepID         string
	RuntimeLogs          string
	Attempt              int
	CorrectionConstraint types.CorrectionConstraint
}

// Planner is the capability-set interface the kernel drives. Tools are
// tagged variants dispatched by tag, not virtual methods — Planner only
// ever returns AgentPlan/AgentStep data, never executes anything itself.
type Planner interface {
	Plan(ctx context.Context, input PlanInput) (*types.AgentPlan, error)
	PlanCorrection(ctx context.Context, input CorrectionInput) (*types.AgentStep, error)
	PlanRuntimeCorrection(ctx context.Context, input RuntimeCorrectionInput) (*types.AgentStep, error)
}

// Provider is the opaque LLM-backed code generator the spec places out of
// scope: Generate takes an opaque input payload and returns file mutations
// plus any auxiliary commands, with no contract on how it got there.
type Provider interface {
	Generate(ctx context.Context, input map[string]any) (ProviderOutput, error)
}

// ProviderOutput is a Provider.Generate result: proposed file changes plus
// the tool tag and input payload the planner should wrap them in.
type ProviderOutput struct {
	Tool            string
	Type            types.StepType
	Mutates         bool
	ProposedChanges []types.ProposedFileChange
	Input           map[string]any
}

// BreakerSettings mirrors the ReadyToTrip/OnStateChange shape used to guard
// the provider call: after 5 consecutive failures the breaker opens for
// 30s before allowing a single probe request through.
func BreakerSettings(onStateChange func(name string, from, to gobreaker.State)) gobreaker.Settings {
	return gobreaker.Settings{
		Name:    "planner-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: onStateChange,
	}
}

// ProviderPlanner is the default Planner: every call goes through a
// gobreaker-wrapped Provider.Generate and assembles the result into the
// shapes the kernel expects.
type ProviderPlanner struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
}

// New wraps provider with a circuit breaker tuned to stop hammering a
// struggling LLM backend after a run of consecutive failures.
func New(provider Provider, onStateChange func(name string, from, to gobreaker.State)) *ProviderPlanner {
	return &ProviderPlanner{
		provider: provider,
		breaker:  gobreaker.NewCircuitBreaker(BreakerSettings(onStateChange)),
	}
}

func (p *ProviderPlanner) call(ctx context.Context, input map[string]any) (ProviderOutput, error) {
	result, err := p.breaker.Execute(func() (any, error) {
		return p.provider.Generate(ctx, input)
	})
	if err != nil {
		return ProviderOutput{}, fmt.Errorf("provider generate: %w", err)
	}
	return result.(ProviderOutput), nil
}

// Plan produces the initial AgentPlan for a run's goal.
func (p *ProviderPlanner) Plan(ctx context.Context, input PlanInput) (*types.AgentPlan, error) {
	out, err := p.call(ctx, map[string]any{
		"mode":        "plan",
		"goal":        input.Goal,
		"provider_id": input.ProviderID,
		"model":       input.Model,
		"project_id":  input.ProjectID,
	})
	if err != nil {
		return nil, err
	}
	plan, ok := out.Input["plan"].(*types.AgentPlan)
	if !ok || plan == nil {
		return nil, fmt.Errorf("provider did not return a plan")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// PlanCorrection asks the provider for a single bounded correction step in
// response to a failed validation pass.
func (p *ProviderPlanner) PlanCorrection(ctx context.Context, input CorrectionInput) (*types.AgentStep, error) {
	out, err := p.call(ctx, map[string]any{
		"mode":       "correction",
		"intent":     input.Classification.Intent,
		"rationale":  input.Classification.Rationale,
		"constraint": input.Classification.CorrectionConstraint,
		"attempt":    input.Attempt,
		"phase":      input.Phase,
	})
	if err != nil {
		return nil, err
	}
	return stepFromOutput(out), nil
}

// PlanRuntimeCorrection asks the provider for a single correction step in
// response to a boot/health failure captured by a run_preview_container
// verify step.
func (p *ProviderPlanner) PlanRuntimeCorrection(ctx context.Context, input RuntimeCorrectionInput) (*types.AgentStep, error) {
	out, err := p.call(ctx, map[string]any{
		"mode":           "runtime_correction",
		"failed_step_id": input.FailedStepID,
		"runtime_logs":   input.RuntimeLogs,
		"attempt":        input.Attempt,
		"constraint":     input.CorrectionConstraint,
	})
	if err != nil {
		return nil, err
	}
	return stepFromOutput(out), nil
}

func stepFromOutput(out ProviderOutput) *types.AgentStep {
	step := &types.AgentStep{
		Type:                out.Type,
		Tool:                out.Tool,
		Mutates:             out.Mutates,
		Input:               out.Input,
		AllowedPathPrefixes: nil,
	}
	if prefixes, ok := out.Input["allowed_path_prefixes"].([]string); ok {
		step.AllowedPathPrefixes = prefixes
	}
	if id, ok := out.Input["id"].(string); ok {
		step.ID = id
	}
	if len(out.ProposedChanges) > 0 {
		if step.Input == nil {
			step.Input = make(map[string]any, 1)
		}
		step.Input["proposed_changes"] = out.ProposedChanges
	}
	return step
}

// ProposedChangesFromStep extracts the ProposedFileChange slice a
// correction step carries in its Input (set by stepFromOutput above), for
// callers that only hold the AgentStep and not the original ProviderOutput.
func ProposedChangesFromStep(step types.AgentStep) []types.ProposedFileChange {
	changes, _ := step.Input["proposed_changes"].([]types.ProposedFileChange)
	return changes
}
