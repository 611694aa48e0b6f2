package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatesCommand() *cobra.Command {
	var modules bool

	cmd := &cobra.Command{
		Use:   "states",
		Short: "List available state functions",
		Long: `States lists every state function the engine can execute: the
builtins plus whatever the configured WASM plugins provide.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			reg, err := a.buildRegistry(cmd.Context())
			if err != nil {
				return err
			}

			entries := reg.Refs()
			if modules {
				entries = reg.Modules()
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				blob, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(blob))
				return nil
			}
			for _, entry := range entries {
				fmt.Fprintln(out, entry)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&modules, "modules", false, "list state modules instead of functions")

	return cmd
}
