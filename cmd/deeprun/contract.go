package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deeprun/kernel/internal/contract"
)

func newContractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contract",
		Short: "Inspect a run's execution contract",
	}
	cmd.AddCommand(newContractShowCmd())
	return cmd
}

func newContractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <runId>",
		Short: "Print the run's resolved execution contract and whether this kernel build supports it",
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

			ec := contract.BuildExecutionContract(r.ExecutionConfig)
			support := contract.EvaluateExecutionContractSupport(ec.Material)

			fmt.Printf("run:     %s\n", r.ID)
			fmt.Printf("profile: %s\n", r.ExecutionConfig.Profile)
			fmt.Printf("hash (recomputed): %s\n", ec.Hash)
			fmt.Printf("hash (persisted):  %s\n", r.ExecutionContractHash)
			if ec.Hash != r.ExecutionContractHash {
				fmt.Println("WARNING: recomputed hash does not match the persisted hash — the run's config changed since it was recorded")
			}
			if support.Supported {
				fmt.Println("supported: yes")
			} else {
				fmt.Printf("supported: no (%s) — unsupported fields: %v\n", support.Code, support.UnsupportedFields)
			}
			return nil
		},
	}
}
