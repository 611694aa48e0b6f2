package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"reflect"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxPendingReruns caps reconciliation rounds for a single apply.
const DefaultMaxPendingReruns = 600

// DefaultMaxRerunsWithoutChange stops retrying a failing chunk once repeated
// runs reproduce the same result and changes this many times in a row.
const DefaultMaxRerunsWithoutChange = 3

// Wait strategy names accepted in WaitSpec.Kind.
const (
	WaitStatic      = "static"
	WaitExponential = "exponential"
	WaitRandom      = "random"
)

// defaultWait is the delay between reruns for operations that declare no
// wait strategy.
const defaultWait = 3 * time.Second

// ReconcileResult summarizes one reconciliation loop.
type ReconcileResult struct {
	// Reruns counts the passes that were executed.
	Reruns int `json:"re_runs_count"`

	// RequireRerun is true when the ceiling was reached with chunks still
	// pending.
	RequireRerun bool `json:"require_re_run"`
}

// Reconciler re-runs pending chunks until they settle or the rerun ceiling
// is reached, then folds the rerun records back into the first run's map so
// the final report spans the whole apply.
type Reconciler struct {
	log       zerolog.Logger
	resolver  Resolver
	exec      *Executor
	events    EventSink
	metrics   Metrics
	maxReruns int
	noChange  int

	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconciler creates a reconciler driving exec for reruns. maxReruns of
// zero or less selects the default ceiling; events and metrics may be nil.
func NewReconciler(log zerolog.Logger, resolver Resolver, exec *Executor, events EventSink, metrics Metrics, maxReruns int) *Reconciler {
	if maxReruns <= 0 {
		maxReruns = DefaultMaxPendingReruns
	}
	return &Reconciler{
		log:       log.With().Str("component", "reconcile").Logger(),
		resolver:  resolver,
		exec:      exec,
		events:    events,
		metrics:   metrics,
		maxReruns: maxReruns,
		noChange:  DefaultMaxRerunsWithoutChange,
		sleep:     sleepContext,
	}
}

// Loop reconciles the run until nothing is pending or the ceiling is hit.
// Test runs are never reconciled. The returned error reports cancellation
// only; rerun outcomes live in the run's records.
func (r *Reconciler) Loop(ctx context.Context, run *Run) (*ReconcileResult, error) {
	if run.Test {
		return &ReconcileResult{}, nil
	}
	firstRun := run.Snapshot()
	pending := r.pendingTags(run, firstRun, 0, nil)
	if len(pending) == 0 {
		return &ReconcileResult{}, nil
	}

	count := 0
	withoutChange := make(map[string]int)
	rerunTags := make(map[string]struct{})
	lastRun := firstRun
	for len(pending) > 0 && count < r.maxReruns {
		wait := r.maxWait(pending, count)
		r.publish(ctx, Event{
			Type: EventReconcileWait,
			Run:  run.Name,
			At:   time.Now().UTC(),
			Data: map[string]any{
				"pending":      pending,
				"wait_seconds": wait.Seconds(),
				"reruns":       count,
			},
		})
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
		count++
		r.log.Debug().
			Str("run", run.Name).
			Int("rerun", count).
			Int("pending", len(pending)).
			Msg("Re-running pending chunks")

		r.prepareRerun(run, pending, lastRun)
		if r.metrics != nil {
			r.metrics.RerunScheduled(run.Name)
		}
		if err := r.exec.StartPending(ctx, run, pending); err != nil {
			return nil, err
		}
		thisRun := run.Snapshot()

		for _, tag := range pending {
			rerunTags[tag] = struct{}{}
			last, okLast := lastRun[tag]
			this, okThis := thisRun[tag]
			if !okLast || !okThis {
				continue
			}
			if sameResult(last, this) && reflect.DeepEqual(last.Changes, this.Changes) {
				withoutChange[tag]++
			} else {
				withoutChange[tag] = 0
			}
		}

		lastRun = thisRun
		pending = r.pendingTags(run, thisRun, count, withoutChange)
		mergeRunning(firstRun, thisRun)
	}

	run.replaceRunning(firstRun)
	for _, tag := range sortedRecordTags(firstRun) {
		if _, rerun := rerunTags[tag]; rerun {
			publishChunkResult(ctx, r.events, run.Name, firstRun[tag])
		}
	}
	return &ReconcileResult{Reruns: count, RequireRerun: len(pending) > 0}, nil
}

// prepareRerun carries rerun data from the previous records onto the chunks
// and clears the running map so the pending subset is admitted again.
func (r *Reconciler) prepareRerun(run *Run, pending []string, lastRun map[string]*ExecutionRecord) {
	byTag := make(map[string]*Chunk, len(run.Low))
	for _, c := range run.Low {
		byTag[Tag(c)] = c
	}
	for _, tag := range pending {
		rec, ok := lastRun[tag]
		if !ok || rec.RerunData == nil {
			continue
		}
		if chunk, found := byTag[tag]; found {
			chunk.RerunData = rec.RerunData
		}
	}
	run.resetRunning()
}

// pendingTags returns the tags still requiring reconciliation, in stable
// order. Operations may supply their own predicate; everything else uses the
// default.
func (r *Reconciler) pendingTags(run *Run, running map[string]*ExecutionRecord, reruns int, withoutChange map[string]int) []string {
	var tags []string
	for _, tag := range sortedRecordTags(running) {
		rec := running[tag]
		state := TagToState(tag)
		opts := PendingOpts{
			RerunsWithoutChange:    withoutChange[tag],
			MaxRerunsWithoutChange: r.noChange,
			Reruns:                 reruns,
			MaxReruns:              r.maxReruns,
		}
		pending := false
		if def := r.defFor(tag); def != nil && def.Pending != nil {
			pending = def.Pending(rec, state, opts)
		} else {
			pending = defaultPending(rec, opts)
		}
		if pending {
			tags = append(tags, tag)
		}
	}
	return tags
}

// defaultPending keeps a record pending while it carries rerun data under
// the rerun ceiling, or while it keeps failing with changing outcomes.
func defaultPending(rec *ExecutionRecord, opts PendingOpts) bool {
	if rec == nil {
		return false
	}
	if rec.RerunData != nil && opts.Reruns < opts.MaxReruns {
		return true
	}
	ceiling := opts.MaxRerunsWithoutChange
	if ceiling <= 0 {
		ceiling = DefaultMaxRerunsWithoutChange
	}
	return rec.Failed() && opts.RerunsWithoutChange < ceiling
}

// maxWait returns the longest wait among the pending tags for this round.
func (r *Reconciler) maxWait(pending []string, reruns int) time.Duration {
	var max time.Duration
	for _, tag := range pending {
		var spec *WaitSpec
		if def := r.defFor(tag); def != nil {
			spec = def.ReconcileWait
		}
		d, err := waitDuration(spec, reruns)
		if err != nil {
			r.log.Debug().Msgf("Failed to retrieve sleep time for state %s: %v", TagToState(tag), err)
			d = defaultWait
		}
		if d > max {
			max = d
		}
	}
	return max
}

// defFor resolves the operation definition behind an execution tag.
func (r *Reconciler) defFor(tag string) *Definition {
	if r.resolver == nil {
		return nil
	}
	state, _, _, fun, ok := ParseTag(tag)
	if !ok {
		return nil
	}
	def, err := r.resolver.Lookup(state + "." + fun)
	if err != nil {
		return nil
	}
	return def
}

// waitDuration computes the wait for one strategy. reruns counts completed
// passes and drives exponential growth.
func waitDuration(spec *WaitSpec, reruns int) (time.Duration, error) {
	if spec == nil {
		return defaultWait, nil
	}
	switch spec.Kind {
	case WaitStatic, "":
		return secondsToDuration(spec.Seconds), nil
	case WaitExponential:
		return secondsToDuration(spec.Seconds * math.Pow(spec.Multiplier, float64(reruns))), nil
	case WaitRandom:
		if spec.Max <= spec.Min {
			return secondsToDuration(spec.Min), nil
		}
		return secondsToDuration(spec.Min + rand.Float64()*(spec.Max-spec.Min)), nil
	default:
		return 0, fmt.Errorf("unknown wait strategy %q", spec.Kind)
	}
}

func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}

// mergeRunning folds one rerun's records into the accumulated map. The first
// run keeps its start time and old state; everything else comes from the
// rerun, with comments concatenated and changes recomputed across the span.
func mergeRunning(first, this map[string]*ExecutionRecord) {
	for tag, rec := range this {
		base, ok := first[tag]
		if !ok {
			dup := *rec
			first[tag] = &dup
			continue
		}
		merged := *rec
		merged.StartTime = base.StartTime
		merged.OldState = base.OldState
		merged.Comment = mergeComments(base.Comment, rec.Comment)
		before := merged.OldState
		if before == nil {
			before = map[string]any{}
		}
		after := merged.NewState
		if after == nil {
			after = map[string]any{}
		}
		merged.Changes = DeepDiff(before, after)
		if start, err := time.Parse(time.RFC3339Nano, base.StartTime); err == nil {
			merged.TotalSeconds = time.Since(start).Seconds()
		}
		first[tag] = &merged
	}
}

// mergeComments appends the rerun's comments unless its leading message was
// already recorded, so repeated identical outcomes do not pile up.
func mergeComments(first, last []string) []string {
	if len(last) == 0 {
		return first
	}
	if len(first) == 0 {
		return last
	}
	for _, c := range first {
		if c == last[0] {
			return first
		}
	}
	out := make([]string, 0, len(first)+len(last))
	out = append(out, first...)
	out = append(out, last...)
	return out
}

func sameResult(a, b *ExecutionRecord) bool {
	if a.Result == nil || b.Result == nil {
		return a.Result == b.Result
	}
	return *a.Result == *b.Result
}

func sortedRecordTags(recs map[string]*ExecutionRecord) []string {
	tags := make([]string, 0, len(recs))
	for tag := range recs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// sleepContext waits for the duration or the context, whichever ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Reconciler) publish(ctx context.Context, ev Event) {
	if r.events == nil {
		return
	}
	r.events.Publish(ctx, ev)
}
