package planner

import (
	"context"
	"fmt"
	"sync"

	"github.com/deeprun/kernel/internal/types"
)

// FixturePlanner is a deterministic, in-memory Planner used by the kernel's
// own tests and the stress harness (C18): no provider, no network, no
// circuit breaker — just scripted responses keyed by call order.
type FixturePlanner struct {
	mu                sync.Mutex
	Plans             []*types.AgentPlan
	CorrectionSteps   []*types.AgentStep
	RuntimeSteps      []*types.AgentStep
	PlanErr           error
	CorrectionErr     error
	RuntimeErr        error
	planCalls         int
	correctionCalls   int
	runtimeCalls      int
}

// NewFixturePlanner returns a FixturePlanner that serves plan as the sole
// initial plan; correction/runtime steps can be appended before use.
func NewFixturePlanner(plan *types.AgentPlan) *FixturePlanner {
	return &FixturePlanner{Plans: []*types.AgentPlan{plan}}
}

func (f *FixturePlanner) Plan(_ context.Context, _ PlanInput) (*types.AgentPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlanErr != nil {
		return nil, f.PlanErr
	}
	if f.planCalls >= len(f.Plans) {
		return nil, fmt.Errorf("fixture planner: no scripted plan for call %d", f.planCalls+1)
	}
	plan := f.Plans[f.planCalls]
	f.planCalls++
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (f *FixturePlanner) PlanCorrection(_ context.Context, _ CorrectionInput) (*types.AgentStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CorrectionErr != nil {
		return nil, f.CorrectionErr
	}
	if f.correctionCalls >= len(f.CorrectionSteps) {
		return nil, fmt.Errorf("fixture planner: no scripted correction step for call %d", f.correctionCalls+1)
	}
	step := f.CorrectionSteps[f.correctionCalls]
	f.correctionCalls++
	return step, nil
}

func (f *FixturePlanner) PlanRuntimeCorrection(_ context.Context, _ RuntimeCorrectionInput) (*types.AgentStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RuntimeErr != nil {
		return nil, f.RuntimeErr
	}
	if f.runtimeCalls >= len(f.RuntimeSteps) {
		return nil, fmt.Errorf("fixture planner: no scripted runtime correction step for call %d", f.runtimeCalls+1)
	}
	step := f.RuntimeSteps[f.runtimeCalls]
	f.runtimeCalls++
	return step, nil
}
