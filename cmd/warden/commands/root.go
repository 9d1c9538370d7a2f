package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - Game Server Task Engine",
		Long: `Warden is a task execution and notification engine for game-server
management.

Features:
  - Asynchronous task execution with live progress
  - Sandboxed Starlark macros with capability gating
  - Real-time notification fan-out with replay
  - Policy enforcement for macro submissions
  - Durable notification history`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newLintCommand())
	rootCmd.AddCommand(newMacrosCommand())

	return rootCmd
}
