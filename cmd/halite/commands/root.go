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
	jsonOutput bool

	// appVersion stamps telemetry service identity. Set by Execute.
	appVersion = "dev"
)

// Execute builds the command tree and dispatches to the selected command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	appVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "halite",
		Short: "Halite - Declarative State Run Orchestration",
		Long: `Halite executes declarative state documents against the local system
and remote targets, idempotently converging resources to their described
state.

Features:
  - YAML, CUE and Starlark render pipes for state documents
  - Requisite-ordered execution with parallel waves
  - Enforced state tracking with pluggable backends
  - WASM state plugins
  - Encrypted credential profiles
  - Policy gating via Rego`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newESMCommand())
	rootCmd.AddCommand(newAcctCommand())
	rootCmd.AddCommand(newStatesCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}
