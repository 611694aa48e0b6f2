package engine

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Runtime names accepted by Run.Runtime.
const (
	RuntimeSerial   = "serial"
	RuntimeParallel = "parallel"
)

// Executor drives compiled low data to completion. One executor serves many
// runs; per-run state lives on the Run itself.
type Executor struct {
	log      zerolog.Logger
	resolver Resolver
	events   EventSink
	metrics  Metrics
	batch    int
	refresh  bool
	hardFail bool
	strict   bool
}

// ExecOptions tunes the runtime loop.
type ExecOptions struct {
	// Batch caps concurrently executing chunks in the parallel runtime.
	// Zero or less admits a full wave at once.
	Batch int

	// Refresh writes enforced state even for test runs.
	Refresh bool

	// HardFail stops admitting chunks after the first failure.
	HardFail bool

	// StrictArgs escalates unknown call arguments from warnings to chunk
	// failures.
	StrictArgs bool
}

// NewExecutor creates an executor over the given provider resolver. events
// and metrics may be nil.
func NewExecutor(log zerolog.Logger, resolver Resolver, events EventSink, metrics Metrics, opts ExecOptions) *Executor {
	return &Executor{
		log:      log.With().Str("component", "exec").Logger(),
		resolver: resolver,
		events:   events,
		metrics:  metrics,
		batch:    opts.Batch,
		refresh:  opts.Refresh,
		hardFail: opts.HardFail,
		strict:   opts.StrictArgs,
	}
}

// Start executes the run's low data until every chunk has a record or the
// sequence stalls. Chunk failures land in the running map and structural
// failures in run.Errors; the returned error reports cancellation only.
func (e *Executor) Start(ctx context.Context, run *Run) error {
	return e.execute(ctx, run, nil)
}

// StartPending re-executes the pending chunks plus the requisite targets
// they reach. The caller resets the running map first so the subset is
// admitted again; results for chunks outside the subset are merged back by
// the reconciliation loop.
func (e *Executor) StartPending(ctx context.Context, run *Run, pendingTags []string) error {
	return e.execute(ctx, run, pendingTags)
}

func (e *Executor) execute(ctx context.Context, run *Run, pendingTags []string) error {
	working := make([]*Chunk, len(run.Low))
	copy(working, run.Low)
	if len(pendingTags) > 0 {
		working = subsetLow(working, pendingTags)
	}
	e.log.Debug().
		Str("run", run.Name).
		Int("chunks", len(working)).
		Str("runtime", run.Runtime).
		Msg("Executing low data")

	working, err := e.drain(ctx, run, working)
	if err != nil {
		return err
	}
	e.listenPass(ctx, run, working)

	if post := run.takePostLow(); len(post) > 0 {
		if _, err := e.drain(ctx, run, post); err != nil {
			return err
		}
	}
	return nil
}

// drain runs admission waves over the working set until every chunk has a
// record, merging in chunks queued mid-run before each wave. It returns the
// final working set, which may have grown.
func (e *Executor) drain(ctx context.Context, run *Run, working []*Chunk) ([]*Chunk, error) {
	var oldSeq []*SeqEntry
	for {
		if err := ctx.Err(); err != nil {
			return working, err
		}
		working = e.extendWorking(run, working)
		seq := buildSeq(run, working, e.resolver, seqOptions{invert: run.InvertState})
		if len(seq) == 0 {
			break
		}
		if seqEqual(seq, oldSeq) {
			e.reportStall(run, seq)
			break
		}
		oldSeq = seq
		if stopped := e.dispatch(ctx, run, seq); stopped {
			break
		}
		if err := ctx.Err(); err != nil {
			return working, err
		}
		// Chunks queued by the wave that just ran must join before the
		// exit check, or a replacement appended by the final chunk would
		// never be admitted.
		working = e.extendWorking(run, working)
		if len(working) <= run.RunningCount() {
			break
		}
	}
	return working, nil
}

// extendWorking merges chunks queued through AppendLow into the working set
// and the run's low data, resolving their requisites against the grown set.
// Chunks whose tag is already present are dropped.
func (e *Executor) extendWorking(run *Run, working []*Chunk) []*Chunk {
	added := run.takeAddLow()
	if len(added) == 0 {
		return working
	}
	seen := make(map[string]struct{}, len(working))
	for _, c := range working {
		seen[Tag(c)] = struct{}{}
	}
	var fresh []*Chunk
	for _, c := range added {
		tag := Tag(c)
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return working
	}
	working = append(working, fresh...)
	e.resolveAddedEdges(fresh, working)
	run.extendLow(fresh)
	e.log.Debug().
		Str("run", run.Name).
		Int("added", len(fresh)).
		Msg("Extended low data with queued chunks")
	return working
}

// resolveAddedEdges resolves requisites declared on mid-run chunks against
// the working set only. Replacement chunks always point inside the run, so
// a miss is not an error; the chunk simply runs unordered.
func (e *Executor) resolveAddedEdges(added, working []*Chunk) {
	for _, chunk := range added {
		chunk.Edges = chunk.Edges[:0]
		for _, req := range chunk.Requisites {
			for _, target := range working {
				if target == chunk || target.State != req.State {
					continue
				}
				if target.ID != req.Ref && target.Name != req.Ref {
					continue
				}
				chunk.Edges = append(chunk.Edges, Edge{
					Kind:  req.Kind,
					State: req.State,
					Ref:   req.Ref,
					Tag:   Tag(target),
					Bind:  req.Bind,
				})
			}
		}
	}
}

// dispatch runs every admitted entry of the current wave. It reports whether
// admission should stop because a chunk failed under the hard fail option.
func (e *Executor) dispatch(ctx context.Context, run *Run, seq []*SeqEntry) bool {
	var runnable []*SeqEntry
	for _, entry := range seq {
		if len(entry.Unmet) == 0 {
			runnable = append(runnable, entry)
		}
	}
	if len(runnable) == 0 {
		return false
	}

	if run.Runtime == RuntimeSerial {
		for _, entry := range runnable {
			if ctx.Err() != nil {
				return true
			}
			e.runChunk(ctx, run, entry, seq)
			if e.hardFail && chunkFailed(run, entry.Tag) {
				return true
			}
		}
		return false
	}

	var failed atomic.Bool
	g := new(errgroup.Group)
	if e.batch > 0 {
		g.SetLimit(e.batch)
	}
	for _, entry := range runnable {
		if ctx.Err() != nil {
			break
		}
		if e.hardFail && failed.Load() {
			break
		}
		g.Go(func() error {
			e.runChunk(ctx, run, entry, seq)
			if chunkFailed(run, entry.Tag) {
				failed.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	return e.hardFail && failed.Load()
}

func chunkFailed(run *Run, tag string) bool {
	rec, ok := run.Lookup(tag)
	return ok && rec.Failed()
}

// reportStall records why repeated sequence builds made no progress.
func (e *Executor) reportStall(run *Run, seq []*SeqEntry) {
	if cyclicUnmet(seq) {
		run.AddError("No progress made on '%s', Recursive Requisite!", run.Name)
		return
	}
	unmet := make(map[string]struct{})
	for _, entry := range seq {
		for dep := range entry.Unmet {
			unmet[dep] = struct{}{}
		}
	}
	if len(unmet) > 0 {
		deps := make([]string, 0, len(unmet))
		for dep := range unmet {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		run.AddError("No sequence changed for '%s'. Check for possible circular dependencies: %s",
			run.Name, strings.Join(deps, ", "))
		return
	}
	run.AddError("Invalid syntax for '%s'. Sequence hasn't changed for: %s.",
		run.Name, strings.Join(seqTags(seq), ", "))
}

// cyclicUnmet reports whether the outstanding requisites form a cycle among
// the admitted entries.
func cyclicUnmet(seq []*SeqEntry) bool {
	index := make(map[string]*SeqEntry, len(seq))
	for _, entry := range seq {
		index[entry.Tag] = entry
	}
	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[string]int, len(seq))
	var visit func(tag string) bool
	visit = func(tag string) bool {
		entry, ok := index[tag]
		if !ok {
			return false
		}
		switch color[tag] {
		case visiting:
			return true
		case done:
			return false
		}
		color[tag] = visiting
		for dep := range entry.Unmet {
			if visit(dep) {
				return true
			}
		}
		color[tag] = done
		return false
	}
	for _, entry := range seq {
		if visit(entry.Tag) {
			return true
		}
	}
	return false
}

// subsetLow narrows the low data to the pending chunks plus every requisite
// target they reach, so reruns re-resolve bound arguments from fresh
// results. Pending tags with no matching chunk are skipped.
func subsetLow(low []*Chunk, pendingTags []string) []*Chunk {
	byTag := make(map[string]*Chunk, len(low))
	for _, c := range low {
		byTag[Tag(c)] = c
	}
	keep := make(map[string]struct{})
	queue := append([]string(nil), pendingTags...)
	for len(queue) > 0 {
		tag := queue[0]
		queue = queue[1:]
		if _, have := keep[tag]; have {
			continue
		}
		chunk, ok := byTag[tag]
		if !ok {
			continue
		}
		keep[tag] = struct{}{}
		for _, edge := range chunk.Edges {
			if edge.ESM {
				continue
			}
			queue = append(queue, edge.Tag)
		}
	}
	out := make([]*Chunk, 0, len(keep))
	for _, c := range low {
		if _, ok := keep[Tag(c)]; ok {
			out = append(out, c)
		}
	}
	return out
}

// listenPass fires the secondary call for every chunk listening to a target
// that recorded changes. The listener's requisites are re-derived so its
// gates apply on the second call as well.
func (e *Executor) listenPass(ctx context.Context, run *Run, working []*Chunk) {
	byTag := make(map[string]*Chunk, len(working))
	for _, c := range working {
		byTag[Tag(c)] = c
	}
	for _, c := range working {
		changed := false
		for _, edge := range c.Edges {
			if edge.Kind != RequisiteListen {
				continue
			}
			if rec, ok := run.Lookup(edge.Tag); ok && len(rec.Changes) > 0 {
				changed = true
				break
			}
		}
		if !changed {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		entry := &SeqEntry{Chunk: c, Tag: Tag(c), Unmet: make(map[string]struct{})}
		admitForward(run, e.resolver, entry, byTag)
		if len(entry.Unmet) > 0 {
			continue
		}
		e.log.Debug().Str("run", run.Name).Str("tag", entry.Tag).Msg("Re-invoking listener after changes")
		e.runChunk(ctx, run, entry, nil)
	}
}
