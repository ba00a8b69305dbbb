package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	labDir     string
	verbose    bool
	jsonOutput bool
	traceSpans bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "labforge",
		Short: "Labforge - Ephemeral Lab Environment Orchestrator",
		Long: `Labforge manages ephemeral lab environments: named groups of containers
and virtual machines described by a lab.yaml file and driven through a
single command set.

Features:
  - Incus, Docker, and QEMU backends behind one node interface
  - Plan-then-apply execution with dry runs
  - Shared required nodes across labs
  - Rego policy admission for plans
  - SQLite-backed run journal`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&labDir, "dir", "d", ".", "lab root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&traceSpans, "trace", false, "print execution trace spans")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newNodeCommand())
	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newDownCommand())
	rootCmd.AddCommand(newRequiresCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newListenCommand())

	return rootCmd
}
