// Command deeprun is the operator CLI over the kernel API: inspecting run
// status, resuming a crashed run, showing a run's execution contract, and
// driving a stress session against a scenario set.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deeprun/kernel/internal/config"
)

var cfgOverride config.Config

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "deeprun",
		Short: "Operator CLI over the deeprun kernel",
	}

	root.PersistentFlags().StringVar(&cfgOverride.DatabaseURL, "database-url", "", "Postgres DSN (overrides config/env)")
	root.PersistentFlags().StringVar(&cfgOverride.RedisAddr, "redis-addr", "", "Redis address (overrides config/env)")
	root.PersistentFlags().StringVar(&cfgOverride.NodeID, "node-id", "", "node identity to record against run locks and job leases")
	root.PersistentFlags().StringVar(&cfgOverride.LogLevel, "log-level", "", "zerolog level (debug/info/warn/error)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newContractCmd())
	root.AddCommand(newStressCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	return config.Load(&cfgOverride)
}
