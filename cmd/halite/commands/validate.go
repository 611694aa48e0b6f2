package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/halite-run/halite/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var (
		runName    string
		render     string
		graph      bool
		params     []string
		paramFiles []string
	)

	cmd := &cobra.Command{
		Use:   "validate <source>...",
		Short: "Gather and compile state documents without executing",
		Long: `Validate renders the named state documents, normalizes them and
compiles the result into execution chunks, reporting every gather and
compile error. Nothing is executed and no enforced state is touched.

With --graph the compiled requisite graph is written to stdout in
Graphviz DOT format.`,
		Example: `  # Check a document compiles
  halite validate site.sls

  # Render the requisite graph
  halite validate --graph site.sls | dot -Tsvg -o site.svg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}

			opts := a.cfg.RunDefaults()
			opts.Name = runName
			opts.SLSSources = args
			opts.ParamSources = paramFiles
			if render != "" {
				opts.Render = render
			}
			if len(params) > 0 {
				parsed, err := parseParams(params)
				if err != nil {
					a.shutdown()
					return err
				}
				opts.Params = parsed
			}

			code, err := runValidate(cmd, a, opts, graph)
			a.shutdown()
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runName, "name", "", "run name (generated when empty)")
	cmd.Flags().StringVar(&render, "render", "", "render pipe: yaml, cue or star")
	cmd.Flags().BoolVar(&graph, "graph", false, "print the requisite graph in DOT format")
	cmd.Flags().StringArrayVar(&params, "param", nil, "parameter override as key=value, repeatable")
	cmd.Flags().StringArrayVar(&paramFiles, "param-source", nil, "parameter document to gather, repeatable")

	return cmd
}

func runValidate(cmd *cobra.Command, a *app, opts engine.RunOptions, graph bool) (int, error) {
	eng, err := a.validateEngine(cmd.Context())
	if err != nil {
		return 0, err
	}
	res, err := eng.Validate(cmd.Context(), opts)
	if err != nil {
		return 0, err
	}

	out := cmd.OutOrStdout()
	if graph && len(res.Errors) == 0 {
		g, err := engine.BuildGraph(res.Low)
		if err != nil {
			return 0, err
		}
		fmt.Fprint(out, g.ToDOT())
		return 0, nil
	}

	if jsonOutput {
		blob, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return 0, err
		}
		fmt.Fprintln(out, string(blob))
		return len(res.Errors), nil
	}

	printValidateResult(out, res)
	return len(res.Errors), nil
}

func printValidateResult(out io.Writer, res *engine.ValidateResult) {
	fmt.Fprintf(out, "%s: %s\n", res.Name, res.Status)
	fmt.Fprintf(out, "%d declarations gathered, %d chunks compiled\n", len(res.High), len(res.Low))
	for _, e := range res.Errors {
		fmt.Fprintf(out, "error: %s\n", e)
	}
}
