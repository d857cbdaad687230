package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deeprun/kernel/internal/kernel"
	"github.com/deeprun/kernel/internal/stress"
	"github.com/deeprun/kernel/internal/types"
)

var (
	stressProjectRoot string
	stressSeed        uint64
	stressCount       int
	stressConcurrency int
)

// scenarioSets names the stress pools this CLI knows how to draw from.
// Each scenario ID doubles as the goal handed to the planner, so a new
// scenario set is just a new slice entry — no separate goal table to keep
// in sync.
var scenarioSets = map[string][]stress.Scenario{
	"default": {
		{ID: "add a small, self-contained feature to an existing module", Weight: 3},
		{ID: "refactor a module for clarity without changing behavior", Weight: 2},
		{ID: "fix a failing test by correcting the implementation", Weight: 3},
		{ID: "add input validation to an existing handler", Weight: 2},
	},
	"correction-heavy": {
		{ID: "introduce a change that violates the architecture layer matrix, then resolve it", Weight: 1},
		{ID: "introduce a change that fails the heavy validation suite, then resolve it", Weight: 1},
	},
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Drive stress sessions against the kernel",
	}
	cmd.AddCommand(newStressRunCmd())
	return cmd
}

func newStressRunCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run <scenarioSet>",
		Short: "Run a stress session against a named scenario set and evaluate its acceptance gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, ok := scenarioSets[args[0]]
			if !ok {
				return fmt.Errorf("unknown scenario set %q (known: default, correction-heavy)", args[0])
			}

			deps, err := newCLIDeps(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			k, err := deps.newKernel(stressProjectRoot)
			if err != nil {
				return err
			}

			runner := &kernelRunner{kernel: k, store: deps.store, projectRoot: stressProjectRoot}
			events, errs := stress.RunSession(ctx, pool, runner, stress.RunSessionOptions{
				Seed:           stressSeed,
				Count:          stressCount,
				MaxConcurrency: stressConcurrency,
			})
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "scenario error: %v\n", e)
			}

			results := stress.EvaluateGates(events, stress.DefaultThresholds())
			triggered := 0
			for _, r := range results {
				status := "ok"
				if r.Triggered {
					status = "TRIGGERED"
					triggered++
				}
				fmt.Printf("%-28s %s", r.Name, status)
				if r.Detail != "" {
					fmt.Printf(" (%s)", r.Detail)
				}
				fmt.Println()
			}
			if triggered > 0 {
				return fmt.Errorf("%d of %d acceptance gates triggered", triggered, len(results))
			}
			return nil
		},
	}
	c.Flags().StringVar(&stressProjectRoot, "project-root", ".", "canonical repository runs are branched from")
	c.Flags().Uint64Var(&stressSeed, "seed", 1, "deterministic scenario-selection seed")
	c.Flags().IntVar(&stressCount, "count", 10, "number of scenarios to draw from the pool")
	c.Flags().IntVar(&stressConcurrency, "concurrency", 4, "max concurrent scenario runs")
	return c
}

// kernelRunner implements stress.Runner by starting one inline run per
// scenario and summarizing its outcome as a LearningEvent. The kernel's own
// correction loop records its own per-round LearningEvents independently
// (internal/kernel/correction.go); this summary event is what lets
// EvaluateGates judge convergence/regression across an entire session even
// for scenarios that needed no correction at all.
type kernelRunner struct {
	kernel *kernel.Kernel
	store  interface {
		GetRun(ctx context.Context, runID string) (*types.Run, error)
	}
	projectRoot string
}

func (r *kernelRunner) Run(ctx context.Context, scenario stress.Scenario) (types.LearningEvent, error) {
	run, err := r.kernel.StartRun(ctx, kernel.StartRunInput{
		ProjectID:   "stress-session",
		Goal:        scenario.ID,
		ProjectRoot: r.projectRoot,
		Inline:      true,
	})
	if err != nil && run == nil {
		return types.LearningEvent{}, fmt.Errorf("start run: %w", err)
	}

	final, loadErr := r.store.GetRun(ctx, run.ID)
	if loadErr != nil {
		return types.LearningEvent{}, fmt.Errorf("load run after execution: %w", loadErr)
	}

	converged := final.Status == types.RunStatusComplete
	blockingAfter := 0
	if final.ValidationResult != nil {
		blockingAfter = final.ValidationResult.BlockingCount
	}
	return types.LearningEvent{
		RunID:           final.ID,
		Phase:           "stress_session",
		Outcome:         outcomeFor(converged),
		BlockingAfter:   blockingAfter,
		ConvergenceFlag: converged,
		RegressionFlag:  !converged,
		Clusters:        []string{scenario.ID},
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func outcomeFor(converged bool) types.LearningOutcome {
	if converged {
		return types.LearningOutcomeSuccess
	}
	return types.LearningOutcomeFailed
}
