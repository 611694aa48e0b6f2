package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/halite-run/halite/pkg/engine"
	"github.com/halite-run/halite/pkg/stores"
)

func newApplyCommand() *cobra.Command {
	var (
		testMode    bool
		invert      bool
		refresh     bool
		esmUpgrade  bool
		hardFail    bool
		runName     string
		render      string
		runtime     string
		target      string
		acctProfile string
		schedule    string
		batch       int
		params      []string
		paramFiles  []string
	)

	cmd := &cobra.Command{
		Use:   "apply <source>...",
		Short: "Apply state documents",
		Long: `Apply gathers the named state documents, compiles them into ordered
chunks and executes them against the system, converging every resource
to its declared state. Chunks that already match report unchanged.

The process exit code is the number of errors, or in test mode the
number of resources that would change.`,
		Example: `  # Converge a state document
  halite apply site.sls

  # Plan without changing anything
  halite apply --test site.sls

  # Tear down what the document describes
  halite apply --invert site.sls

  # Re-apply every five minutes until interrupted
  halite apply --schedule "*/5 * * * *" site.sls`,
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
			opts.Test = testMode
			opts.InvertState = invert
			opts.Refresh = refresh
			opts.Target = target
			if render != "" {
				opts.Render = render
			}
			if runtime != "" {
				opts.Runtime = runtime
			}
			if acctProfile != "" {
				opts.AcctProfile = acctProfile
			}
			if cmd.Flags().Changed("batch") {
				opts.Batch = batch
			}
			if cmd.Flags().Changed("hard-fail") {
				opts.HardFail = hardFail
			}
			if len(params) > 0 {
				parsed, err := parseParams(params)
				if err != nil {
					a.shutdown()
					return err
				}
				opts.Params = parsed
			}

			code, err := runApply(cmd.Context(), a, opts, esmUpgrade, schedule, cmd.OutOrStdout())
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

	cmd.Flags().BoolVarP(&testMode, "test", "t", false, "plan changes without applying them")
	cmd.Flags().BoolVar(&invert, "invert", false, "swap present and absent semantics for teardown")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "write enforced state even in test mode")
	cmd.Flags().BoolVar(&esmUpgrade, "esm-upgrade", false, "accept enforced state written by an older layout")
	cmd.Flags().BoolVar(&hardFail, "hard-fail", false, "stop dispatching after the first failure")
	cmd.Flags().StringVar(&runName, "name", "", "run name (generated when empty)")
	cmd.Flags().StringVar(&render, "render", "", "render pipe: yaml, cue or star")
	cmd.Flags().StringVar(&runtime, "runtime", "", "dispatch mode: serial or parallel")
	cmd.Flags().StringVar(&target, "target", "", "restrict execution to tags matching this glob")
	cmd.Flags().StringVar(&acctProfile, "acct-profile", "", "credential profile handed to providers")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression; re-apply on every tick until interrupted")
	cmd.Flags().IntVar(&batch, "batch", 0, "cap concurrently executing chunks")
	cmd.Flags().StringArrayVar(&params, "param", nil, "parameter override as key=value, repeatable")
	cmd.Flags().StringArrayVar(&paramFiles, "param-source", nil, "parameter document to gather, repeatable")

	return cmd
}

// runApply executes one apply, or a scheduled loop of them, and returns
// the process exit code.
func runApply(ctx context.Context, a *app, opts engine.RunOptions, esmUpgrade bool, schedule string, out io.Writer) (int, error) {
	eng, err := a.applyEngine(ctx, esmUpgrade)
	if err != nil {
		return 0, err
	}
	if schedule != "" {
		return 0, runSchedule(ctx, a, eng, opts, schedule, out)
	}

	started := time.Now().UTC()
	res, err := eng.Apply(ctx, opts)
	if err != nil {
		return 0, err
	}
	a.archive(ctx, res, opts, started)

	if jsonOutput {
		blob, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return 0, err
		}
		fmt.Fprintln(out, string(blob))
	} else {
		printApplyResult(out, res, opts.Test)
	}
	return exitStatus(res), nil
}

// runSchedule re-applies on every cron tick under a stable run name
// until the context is cancelled. Overlapping ticks are skipped.
func runSchedule(ctx context.Context, a *app, eng *engine.Engine, opts engine.RunOptions, schedule string, out io.Writer) error {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	if opts.Name == "" {
		opts.Name = "schedule-" + uuid.NewString()
	}

	log := a.log.With().Str("run", opts.Name).Str("schedule", schedule).Logger()
	job := func() {
		eng.Runs().Drop(opts.Name)
		started := time.Now().UTC()
		res, err := eng.Apply(ctx, opts)
		if err != nil {
			log.Error().Err(err).Msg("Scheduled apply failed")
			return
		}
		a.archive(ctx, res, opts, started)
		log.Info().
			Str("status", res.Status.String()).
			Int("errors", len(res.Errors)).
			Int("chunks", len(res.Running)).
			Msg("Scheduled apply finished")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(job))
	c.Start()
	fmt.Fprintf(out, "Applying %s on schedule %q, interrupt to stop\n", strings.Join(opts.SLSSources, " "), schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// archive persists the finished run and prunes old snapshots. Failures
// are logged, never fatal: the run itself already happened.
func (a *app) archive(ctx context.Context, res *engine.ApplyResult, opts engine.RunOptions, started time.Time) {
	if !a.cfg.Archive.Enabled || a.store == nil {
		return
	}

	now := time.Now().UTC()
	completed := now
	run := &stores.ArchivedRun{
		Name:        res.Name,
		Status:      int(res.Status),
		StatusName:  res.Status.String(),
		Test:        opts.Test,
		AcctProfile: opts.AcctProfile,
		Errors:      marshalJSON(res.Errors, "[]"),
		StartedAt:   started,
		CompletedAt: &completed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	records := make([]*stores.RunRecord, 0, len(res.Running))
	for _, rec := range res.Running {
		row := &stores.RunRecord{
			RunName:      res.Name,
			Tag:          rec.Tag,
			Name:         rec.Name,
			DeclID:       rec.ID,
			Result:       rec.Result,
			Comment:      marshalJSON(rec.Comment, "[]"),
			Changes:      marshalJSON(rec.Changes, "{}"),
			ESMTag:       rec.ESMTag,
			RunNum:       rec.RunNum,
			StartTime:    rec.StartTime,
			TotalSeconds: rec.TotalSeconds,
		}
		if rec.NewState != nil {
			ns := marshalJSON(rec.NewState, "{}")
			row.NewState = &ns
		}
		if rec.RunNum > run.RunNum {
			run.RunNum = rec.RunNum
		}
		records = append(records, row)
	}

	if err := a.store.ArchiveRun(ctx, run, records); err != nil {
		a.log.Warn().Err(err).Str("run", res.Name).Msg("Failed to archive run")
		return
	}
	if keep := a.cfg.Archive.Keep; keep > 0 {
		if pruned, err := a.store.PruneArchive(ctx, keep); err != nil {
			a.log.Warn().Err(err).Msg("Failed to prune archive")
		} else if pruned > 0 {
			a.log.Debug().Int64("pruned", pruned).Msg("Pruned archived runs")
		}
	}
}

func marshalJSON(v any, fallback string) string {
	blob, err := json.Marshal(v)
	if err != nil || v == nil {
		return fallback
	}
	return string(blob)
}

// exitStatus maps a finished run onto the process exit code: run errors
// plus unsettled chunks. In test mode a nil result is a resource that
// would change, in run mode it is a failure; both count.
func exitStatus(res *engine.ApplyResult) int {
	code := len(res.Errors)
	for _, rec := range res.Running {
		if rec.Failed() {
			code++
		}
	}
	// Exit statuses above 125 collide with shell conventions.
	if code > 125 {
		code = 125
	}
	return code
}

func printApplyResult(out io.Writer, res *engine.ApplyResult, test bool) {
	tags := make([]string, 0, len(res.Running))
	for tag := range res.Running {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var ok, changed, pending, failed int
	for _, tag := range tags {
		rec := res.Running[tag]
		state := recordState(rec, test)
		switch state {
		case "ok":
			ok++
		case "changed":
			changed++
		case "would change":
			pending++
		default:
			failed++
		}
		fmt.Fprintf(out, "%-12s %s.%s (%.3fs)\n", state+":", displayTag(rec), rec.Name, rec.TotalSeconds)
		for _, c := range rec.Comment {
			fmt.Fprintf(out, "             %s\n", c)
		}
	}

	fmt.Fprintf(out, "\n%s: %s\n", res.Name, res.Status)
	if test {
		fmt.Fprintf(out, "%d chunks: %d in sync, %d would change, %d failed\n", len(tags), ok, pending, failed)
	} else {
		fmt.Fprintf(out, "%d chunks: %d unchanged, %d changed, %d failed\n", len(tags), ok, changed, failed)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(out, "error: %s\n", e)
	}
}

func recordState(rec *engine.ExecutionRecord, test bool) string {
	switch {
	case rec.Blocked:
		return "blocked"
	case rec.Result == nil && test:
		return "would change"
	case rec.Result == nil:
		return "pending"
	case !*rec.Result:
		return "failed"
	case len(rec.Changes) > 0:
		return "changed"
	default:
		return "ok"
	}
}

// displayTag renders the chunk identity as state/id, which reads better
// than the raw execution tag.
func displayTag(rec *engine.ExecutionRecord) string {
	if state, id, _, _, ok := engine.ParseTag(rec.Tag); ok {
		return state + "/" + id
	}
	return rec.Tag
}

// parseParams reads key=value pairs, parsing values as YAML scalars so
// numbers and booleans come through typed.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[key] = value
	}
	return params, nil
}
