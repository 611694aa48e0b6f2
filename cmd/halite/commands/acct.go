package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/halite-run/halite/pkg/acct"
)

func newAcctCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acct",
		Short: "Manage encrypted credential profiles",
	}

	cmd.AddCommand(newAcctEncryptCommand())
	cmd.AddCommand(newAcctShowCommand())

	return cmd
}

func newAcctEncryptCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "encrypt <file>",
		Short: "Seal a plaintext profiles file",
		Long: `Encrypt seals a plaintext YAML profiles document. The key is read
from the configured environment variable; when unset, a fresh key is
generated and printed once. Store it somewhere safe: the sealed file
is unreadable without it.`,
		Example: `  # Seal with the key from $HALITE_ACCT_KEY, or a generated one
  halite acct encrypt profiles.yaml

  # Pick the output location
  halite acct encrypt profiles.yaml --output ~/.halite/acct.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			keyEnv := a.cfg.Acct.KeyEnv
			if keyEnv == "" {
				keyEnv = acct.DefaultKeyEnv
			}
			key := os.Getenv(keyEnv)
			generated := key == ""

			usedKey, err := acct.EncryptFile(args[0], output, key)
			if err != nil {
				return err
			}

			sealed := output
			if sealed == "" {
				sealed = args[0] + ".sealed"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sealed %s to %s\n", args[0], sealed)
			if generated {
				fmt.Fprintf(out, "Generated a new key, export it before applying:\n")
				fmt.Fprintf(out, "  export %s=%s\n", keyEnv, usedKey)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "sealed output file (default <file>.sealed)")

	return cmd
}

func newAcctShowCommand() *cobra.Command {
	var (
		file    string
		profile string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Decrypt and print the profile tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			path := file
			if path == "" {
				path = a.cfg.Acct.File
			}
			src := acct.New(acct.Config{
				Log:    a.log,
				File:   path,
				KeyEnv: a.cfg.Acct.KeyEnv,
			})

			out := cmd.OutOrStdout()
			if profile != "" {
				data, err := src.Profile(cmd.Context(), profile)
				if err != nil {
					return err
				}
				return printTree(out, data)
			}

			profiles, err := src.Load(cmd.Context())
			if err != nil {
				return err
			}
			return printTree(out, profiles)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "sealed profiles file (default from configuration)")
	cmd.Flags().StringVar(&profile, "profile", "", "show a single profile")

	return cmd
}

func printTree(out io.Writer, v any) error {
	if jsonOutput {
		blob, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(blob))
		return nil
	}
	blob, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Fprint(out, string(blob))
	return nil
}
