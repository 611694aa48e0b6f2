package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newESMCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "esm",
		Short: "Inspect and repair enforced state",
		Long: `ESM commands operate on the enforced state backend directly: showing
the tracked resources, removing stale entries, breaking a stuck lock
and restoring state from a run cache snapshot.`,
	}

	cmd.AddCommand(newESMShowCommand())
	cmd.AddCommand(newESMRemoveCommand())
	cmd.AddCommand(newESMUnlockCommand())
	cmd.AddCommand(newESMRestoreCommand())

	return cmd
}

func newESMShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the enforced state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			mgr, err := a.stateManager(cmd.Context(), false)
			if err != nil {
				return err
			}
			state, err := mgr.Show(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				blob, err := json.MarshalIndent(state, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(blob))
				return nil
			}

			if len(state) == 0 {
				fmt.Fprintln(out, "no enforced state")
				return nil
			}
			tags := make([]string, 0, len(state))
			for tag := range state {
				tags = append(tags, tag)
			}
			sort.Strings(tags)
			for _, tag := range tags {
				blob, err := json.Marshal(state[tag])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s  %s\n", tag, blob)
			}
			return nil
		},
	}
}

func newESMRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <tag>",
		Short: "Remove one enforced state entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			mgr, err := a.stateManager(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := mgr.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}

func newESMUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Break the enforced state lock",
		Long: `Unlock force-releases the enforced state lock left behind by a run
that died without cleaning up. Never break the lock while a run is
still executing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			mgr, err := a.stateManager(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := mgr.Unlock(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Lock released")
			return nil
		},
	}
}

func newESMRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <cache-file>",
		Short: "Restore enforced state from a run cache snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			mgr, err := a.stateManager(cmd.Context(), false)
			if err != nil {
				return err
			}
			n, err := mgr.Restore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d entries\n", n)
			return nil
		},
	}
}
