package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/halite-run/halite/pkg/engine"
	"github.com/halite-run/halite/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		history    bool
		showEvents bool
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "status [run]",
		Short: "Show archived run status",
		Long: `Status reports on runs persisted in the archive: the run's final
status code, its chunk results and optionally its lifecycle events.
Unknown run names report UNDEFINED rather than failing.

With --history the most recent archived runs are listed instead.`,
		Example: `  # Inspect one run
  halite status run-5f3a

  # Include its lifecycle events
  halite status --events run-5f3a

  # List recent runs
  halite status --history`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !history && len(args) == 0 {
				return fmt.Errorf("a run name is required unless --history is given")
			}

			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if history {
				return printHistory(cmd, st, out, limit, offset)
			}
			return printRunStatus(cmd, a, st, out, args[0], showEvents, limit, offset)
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "list recent archived runs")
	cmd.Flags().BoolVar(&showEvents, "events", false, "include the run's lifecycle events")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip when listing")

	return cmd
}

func printHistory(cmd *cobra.Command, st stores.Store, out io.Writer, limit, offset int) error {
	runs, err := st.ListArchivedRuns(cmd.Context(), limit, offset)
	if err != nil {
		return err
	}

	if jsonOutput {
		blob, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(blob))
		return nil
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "no archived runs")
		return nil
	}
	for _, run := range runs {
		mode := "apply"
		if run.Test {
			mode = "test"
		}
		fmt.Fprintf(out, "%-28s %-18s %-6s %s\n", run.Name, run.StatusName, mode, run.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// runStatusView is the status document assembled from the archive.
type runStatusView struct {
	Name       string              `json:"name"`
	Status     int                 `json:"status"`
	StatusName string              `json:"status_name"`
	Test       *bool               `json:"test"`
	Errors     []string            `json:"errors"`
	Records    []*stores.RunRecord `json:"records,omitempty"`
	Events     []*stores.RunEvent  `json:"events,omitempty"`
}

func printRunStatus(cmd *cobra.Command, a *app, st stores.Store, out io.Writer, name string, showEvents bool, limit, offset int) error {
	view := &runStatusView{
		Name:       name,
		Status:     int(engine.StatusUndefined),
		StatusName: engine.StatusUndefined.String(),
		Errors:     []string{},
	}

	run, err := st.GetArchivedRun(cmd.Context(), name)
	switch {
	case err != nil && strings.Contains(err.Error(), "run not found"):
		a.log.Error().Str("run", name).Msg("Run is not in the archive")
	case err != nil:
		return err
	default:
		view.Status = run.Status
		view.StatusName = run.StatusName
		view.Test = &run.Test
		if err := json.Unmarshal([]byte(run.Errors), &view.Errors); err != nil {
			view.Errors = []string{run.Errors}
		}
		records, err := st.ListRunRecords(cmd.Context(), name)
		if err != nil {
			return err
		}
		view.Records = records
		if showEvents {
			events, err := st.ListRunEvents(cmd.Context(), name, limit, offset)
			if err != nil {
				return err
			}
			view.Events = events
		}
	}

	if jsonOutput {
		blob, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(blob))
		return nil
	}

	fmt.Fprintf(out, "%s: %s\n", view.Name, view.StatusName)
	if view.Test != nil && *view.Test {
		fmt.Fprintln(out, "mode: test")
	}
	for _, e := range view.Errors {
		fmt.Fprintf(out, "error: %s\n", e)
	}
	for _, rec := range view.Records {
		result := "pending"
		switch {
		case rec.Result != nil && *rec.Result:
			result = "ok"
		case rec.Result != nil:
			result = "failed"
		}
		fmt.Fprintf(out, "  %-8s %s (%.3fs)\n", result, rec.Tag, rec.TotalSeconds)
	}
	for _, ev := range view.Events {
		fmt.Fprintf(out, "  %s %s\n", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type)
	}
	return nil
}
