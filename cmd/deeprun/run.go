package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deeprun/kernel/internal/kernel"
	"github.com/deeprun/kernel/internal/types"
)

var runProjectRoot string

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect and drive individual runs",
	}
	cmd.AddCommand(newRunStatusCmd())
	cmd.AddCommand(newRunResumeCmd())
	cmd.AddCommand(newRunDebtCmd())
	return cmd
}

func newRunStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <runId>",
		Short: "Print a run's lifecycle status, validation result, and correction attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := newCLIDeps(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			r, err := deps.store.GetRun(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load run: %w", err)
			}

			fmt.Printf("run:        %s\n", r.ID)
			fmt.Printf("status:     %s\n", r.Status)
			fmt.Printf("step:       %d", r.CurrentStepIndex)
			if r.Plan != nil {
				fmt.Printf(" / %d", len(r.Plan.Steps))
			}
			fmt.Println()
			fmt.Printf("validation: %s\n", orNone(string(r.ValidationStatus)))
			if r.ValidationResult != nil {
				fmt.Printf("  blocking: %d, warnings: %d\n", r.ValidationResult.BlockingCount, r.ValidationResult.WarningCount)
			}
			fmt.Printf("corrections: %d\n", r.CorrectionAttempts)
			if r.LastCorrectionReason != "" {
				fmt.Printf("  last reason: %s\n", r.LastCorrectionReason)
			}
			if r.ErrorMessage != "" {
				fmt.Printf("error: %s\n", r.ErrorMessage)
			}
			return nil
		},
	}
}

func newRunResumeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "resume <runId>",
		Short: "Resume a crashed or interrupted run from its last persisted step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := newCLIDeps(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			k, err := deps.newKernel(runProjectRoot)
			if err != nil {
				return err
			}
			if err := k.ResumeRun(ctx, args[0], kernel.ExecuteOptions{ProjectRoot: runProjectRoot}); err != nil {
				return fmt.Errorf("resume run: %w", err)
			}
			fmt.Printf("run %s resumed to completion\n", args[0])
			return nil
		},
	}
	c.Flags().StringVar(&runProjectRoot, "project-root", ".", "canonical repository the run's worktree is branched from")
	return c
}

func newRunDebtCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "debt <runId>",
		Short: "List the run's debt-paydown ledger (@deeprun-stub markers created/resolved across correction rounds)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := newCLIDeps(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			events, err := deps.store.ListLearningEvents(ctx, args[0])
			if err != nil {
				return fmt.Errorf("list learning events: %w", err)
			}
			return printDebtLedger(events)
		},
	}
}

// printDebtLedger renders the debt-resolution slice of a run's learning
// events: every stub created during an import_resolution_recipe correction
// and every debt_resolution attempt's paydown outcome.
func printDebtLedger(events []types.LearningEvent) error {
	found := false
	for _, ev := range events {
		switch {
		case ev.Phase == "import_resolution_recipe" && ev.Outcome == types.LearningOutcomeProvisionallyFixed:
			found = true
			fmt.Printf("[stub created]  %s  clusters=%v\n", ev.CreatedAt.Format("2006-01-02T15:04:05Z"), ev.Clusters)
		case ev.Phase == "debt_resolution":
			found = true
			paidDown, _ := ev.Metadata["debtPaidDown"].(bool)
			fmt.Printf("[debt attempt]  %s  outcome=%s paidDown=%v clusters=%v\n",
				ev.CreatedAt.Format("2006-01-02T15:04:05Z"), ev.Outcome, paidDown, ev.Clusters)
		}
	}
	if !found {
		fmt.Println("no debt ledger entries for this run")
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
