package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/halite-run/halite/pkg/engine"
)

// revalidateDelay debounces bursts of file events into one validate.
const revalidateDelay = 300 * time.Millisecond

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Development helpers",
	}

	cmd.AddCommand(newDevWatchCommand())

	return cmd
}

func newDevWatchCommand() *cobra.Command {
	var render string

	cmd := &cobra.Command{
		Use:   "watch <source>...",
		Short: "Re-validate state documents whenever they change",
		Long: `Watch validates the named state documents, then watches their
directories and the configured source roots, re-validating after every
change. Runs until interrupted. Nothing is ever executed.`,
		Example: `  halite dev watch site.sls`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			eng, err := a.validateEngine(cmd.Context())
			if err != nil {
				return err
			}

			opts := a.cfg.RunDefaults()
			opts.SLSSources = args
			if render != "" {
				opts.Render = render
			}

			return watchSources(cmd.Context(), a, eng, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&render, "render", "", "render pipe: yaml, cue or star")

	return cmd
}

func watchSources(ctx context.Context, a *app, eng *engine.Engine, opts engine.RunOptions, out io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	for _, dir := range watchDirs(opts.SLSSources, a.cfg.SLS.Roots) {
		if err := watcher.Add(dir); err != nil {
			a.log.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory")
		}
	}

	validate := func() {
		round := opts
		round.Name = ""
		res, err := eng.Validate(ctx, round)
		if err != nil {
			a.log.Error().Err(err).Msg("Validation failed")
			return
		}
		printValidateResult(out, res)
		eng.Runs().Drop(res.Name)
	}

	validate()
	fmt.Fprintln(out, "watching for changes, interrupt to stop")

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			a.log.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Source changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(revalidateDelay, validate)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// watchDirs resolves the directories worth watching: each existing
// source's directory plus the configured roots, deduplicated.
func watchDirs(sources, roots []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(dir string) {
		if dir == "" || seen[dir] {
			return
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}

	for _, src := range sources {
		info, err := os.Stat(src)
		switch {
		case err != nil:
			continue
		case info.IsDir():
			add(src)
		default:
			add(filepath.Dir(src))
		}
	}
	for _, root := range roots {
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			add(root)
		}
	}
	if len(dirs) == 0 {
		add(".")
	}
	return dirs
}
