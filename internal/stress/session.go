package stress

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/deeprun/kernel/internal/types"
)

// Scenario is one entry in the deterministic scenario pool a stress session
// draws from. Weight biases selection frequency (larger weight, more
// likely); a weight of 0 or less is treated as 1.
type Scenario struct {
	ID     string
	Weight int
}

// SelectScenarios deterministically draws count scenarios from pool using
// a seeded xorshift64star generator — the same seed always yields the same
// sequence, so a stress session is reproducible from its seed alone.
func SelectScenarios(scenarioPool []Scenario, seed uint64, count int) []Scenario {
	if len(scenarioPool) == 0 || count <= 0 {
		return nil
	}
	weights := make([]int, len(scenarioPool))
	total := 0
	for i, s := range scenarioPool {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	rng := newXorshift64star(seed)
	selected := make([]Scenario, 0, count)
	for i := 0; i < count; i++ {
		pick := rng.Intn(total)
		for idx, w := range weights {
			if pick < w {
				selected = append(selected, scenarioPool[idx])
				break
			}
			pick -= w
		}
	}
	return selected
}

// Runner executes one scenario against the kernel and reports the
// LearningEvent it produced.
type Runner interface {
	Run(ctx context.Context, scenario Scenario) (types.LearningEvent, error)
}

// RunSessionOptions tunes a stress session's fan-out.
type RunSessionOptions struct {
	Seed           uint64
	Count          int
	MaxConcurrency int
}

// RunSession selects Count scenarios from scenarioPool (deterministic per
// Seed) and runs them through runner with bounded parallelism via
// sourcegraph/conc, collecting every LearningEvent produced. A scenario
// that errors contributes no event but does not abort the rest of the
// session — the session finishes and lets EvaluateGates judge the session
// on what did complete.
func RunSession(ctx context.Context, scenarioPool []Scenario, runner Runner, opts RunSessionOptions) ([]types.LearningEvent, []error) {
	scenarios := SelectScenarios(scenarioPool, opts.Seed, opts.Count)
	maxGoroutines := opts.MaxConcurrency
	if maxGoroutines <= 0 {
		maxGoroutines = 1
	}

	p := pool.NewWithResults[scenarioOutcome]().WithContext(ctx).WithMaxGoroutines(maxGoroutines)
	for _, sc := range scenarios {
		sc := sc
		p.Go(func(ctx context.Context) (scenarioOutcome, error) {
			ev, err := runner.Run(ctx, sc)
			if err != nil {
				return scenarioOutcome{scenario: sc, err: err}, nil
			}
			return scenarioOutcome{scenario: sc, event: ev}, nil
		})
	}
	outcomes, _ := p.Wait()

	var events []types.LearningEvent
	var errs []error
	for _, o := range outcomes {
		if o.err != nil {
			errs = append(errs, fmt.Errorf("scenario %s: %w", o.scenario.ID, o.err))
			continue
		}
		events = append(events, o.event)
	}
	return events, errs
}

type scenarioOutcome struct {
	scenario Scenario
	event    types.LearningEvent
	err      error
}
