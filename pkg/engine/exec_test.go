package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stateResolver is a map backed Resolver for tests.
type stateResolver struct {
	defs map[string]*Definition
}

func newStateResolver() *stateResolver {
	return &stateResolver{defs: map[string]*Definition{}}
}

func (r *stateResolver) add(ref string, def *Definition) {
	def.Ref = ref
	r.defs[ref] = def
}

func (r *stateResolver) Lookup(ref string) (*Definition, error) {
	def, ok := r.defs[ref]
	if !ok {
		return nil, fmt.Errorf("unknown state reference %q", ref)
	}
	return def, nil
}

func (r *stateResolver) Refs() []string {
	return sortedKeys(r.defs)
}

// recordSink collects published events for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordSink) Publish(_ context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordSink) byType(kind string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

type stubMetrics struct {
	mu        sync.Mutex
	statuses  []Status
	chunks    int
	failures  int
	scheduled int
}

func (m *stubMetrics) RunStatus(_ string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func (m *stubMetrics) ChunkDone(_, _ string, success bool, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks++
	if !success {
		m.failures++
	}
}

func (m *stubMetrics) RerunScheduled(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled++
}

// callLog records provider invocations in order.
type callLog struct {
	mu   sync.Mutex
	tags []string
}

func (l *callLog) note(tag string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tags = append(l.tags, tag)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.tags...)
}

func (l *callLog) count(tag string) int {
	n := 0
	for _, t := range l.list() {
		if t == tag {
			n++
		}
	}
	return n
}

func testChunk(state, id, fun string) *Chunk {
	return &Chunk{State: state, ID: id, Fun: fun, Name: id, Args: map[string]any{}, IOrder: IOrderBase}
}

func requireEdge(target *Chunk) Edge {
	return Edge{Kind: RequisiteRequire, State: target.State, Ref: target.ID, Tag: Tag(target)}
}

func testRun(name string, low ...*Chunk) *Run {
	return &Run{
		Name:         name,
		Runtime:      RuntimeSerial,
		Status:       StatusRunning,
		RunNum:       1,
		IOrder:       IOrderBase,
		Low:          low,
		Running:      map[string]*ExecutionRecord{},
		ManagedState: map[string]map[string]any{},
	}
}

func newTestExecutor(resolver Resolver, opts ExecOptions) *Executor {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	return NewExecutor(logger, resolver, nil, nil, opts)
}

// okDefinition succeeds and reports a resource identifier derived from the
// name, so managed state writes are observable.
func okDefinition(log *callLog) *Definition {
	return &Definition{
		Spec: &CallSpec{Params: []Param{RequiredParam("name")}},
		Func: func(_ context.Context, call *Call) (*StateReturn, error) {
			if log != nil {
				log.note(call.Tag)
			}
			name, _ := call.Kwargs["name"].(string)
			return &StateReturn{
				Result:   TrueResult(),
				Comment:  []string{"ok"},
				OldState: map[string]any{},
				NewState: map[string]any{"name": name, "resource_id": "rid-" + name},
			}, nil
		},
	}
}

func failDefinition(comment string) *Definition {
	return &Definition{
		Spec: &CallSpec{Params: []Param{RequiredParam("name")}},
		Func: func(_ context.Context, _ *Call) (*StateReturn, error) {
			return &StateReturn{
				Result:   FalseResult(),
				Comment:  []string{comment},
				OldState: map[string]any{},
				NewState: map[string]any{},
			}, nil
		},
	}
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExecutor_SerialOrdersByRequisite(t *testing.T) {
	log := &callLog{}
	resolver := newStateResolver()
	resolver.add("test.present", okDefinition(log))

	a := testChunk("test", "a", "present")
	b := testChunk("test", "b", "present")
	b.Edges = []Edge{requireEdge(a)}
	// b listed first: edge ordering must win over list position.
	run := testRun("serial", b, a)

	exec := newTestExecutor(resolver, ExecOptions{})
	if err := exec.Start(context.Background(), run); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got, want := log.list(), []string{Tag(a), Tag(b)}; !sameStrings(got, want) {
		t.Errorf("Expected call order %v, got %v", want, got)
	}
	for _, c := range []*Chunk{a, b} {
		rec, ok := run.Lookup(Tag(c))
		if !ok || rec.Failed() {
			t.Errorf("Expected %s to succeed, got %+v", Tag(c), rec)
		}
	}
	if run.ErrorCount() != 0 {
		t.Errorf("Unexpected run errors: %v", run.Errors)
	}
	managed, ok := run.Managed(ESMTag(a))
	if !ok || managed["resource_id"] != "rid-a" {
		t.Errorf("Expected managed state written for a, got %v", managed)
	}
}

func TestExecutor_HardFailStopsAdmission(t *testing.T) {
	resolver := newStateResolver()
	resolver.add("bad.present", failDefinition("boom"))
	resolver.add("test.present", okDefinition(nil))

	a := testChunk("bad", "a", "present")
	b := testChunk("test", "b", "present")
	run := testRun("hardfail", a, b)

	exec := newTestExecutor(resolver, ExecOptions{HardFail: true})
	if err := exec.Start(context.Background(), run); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if run.RunningCount() != 1 {
		t.Fatalf("Expected admission to stop after the failure, got %d records", run.RunningCount())
	}
	if _, ran := run.Lookup(Tag(b)); ran {
		t.Error("Expected b to stay unexecuted")
	}
	if got := run.FailedTags(); !sameStrings(got, []string{Tag(a)}) {
		t.Errorf("Expected failed tags [%s], got %v", Tag(a), got)
	}
}

func TestExecutor_RecursiveRequisiteStalls(t *testing.T) {
	resolver := newStateResolver()
	resolver.add("test.present", okDefinition(nil))

	a := testChunk("test", "a", "present")
	b := testChunk("test", "b", "present")
	a.Edges = []Edge{requireEdge(b)}
	b.Edges = []Edge{requireEdge(a)}
	run := testRun("cycle", a, b)

	exec := newTestExecutor(resolver, ExecOptions{})
	if err := exec.Start(context.Background(), run); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := "No progress made on 'cycle', Recursive Requisite!"
	if run.ErrorCount() != 1 || run.Errors[0] != want {
		t.Errorf("Expected %q, got %v", want, run.Errors)
	}
	if run.RunningCount() != 0 {
		t.Errorf("Expected no chunk executed, got %d records", run.RunningCount())
	}
}

func TestExecutor_AppendLowMidRun(t *testing.T) {
	log := &callLog{}
	a := testChunk("spawn", "a", "present")
	extra := testChunk("spawn", "extra", "present")
	extra.Requisites = []Requisite{{Kind: RequisiteRequire, State: "spawn", Ref: "a"}}
	run := testRun("grow", a)

	var once sync.Once
	resolver := newStateResolver()
	resolver.add("spawn.present", &Definition{
		Spec: &CallSpec{Params: []Param{RequiredParam("name")}},
		Func: func(_ context.Context, call *Call) (*StateReturn, error) {
			log.note(call.Tag)
			once.Do(func() { run.AppendLow(extra) })
			return &StateReturn{Result: TrueResult(), NewState: map[string]any{"name": call.Kwargs["name"]}}, nil
		},
	})

	exec := newTestExecutor(resolver, ExecOptions{})
	if err := exec.Start(context.Background(), run); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got, want := log.list(), []string{Tag(a), Tag(extra)}; !sameStrings(got, want) {
		t.Errorf("Expected call order %v, got %v", want, got)
	}
	if len(run.Low) != 2 {
		t.Errorf("Expected the queued chunk merged into low data, got %d chunks", len(run.Low))
	}
	if len(extra.Edges) != 1 || extra.Edges[0].Tag != Tag(a) {
		t.Errorf("Expected the queued chunk's requisite resolved in-run, got %v", extra.Edges)
	}
	rec, ok := run.Lookup(Tag(extra))
	if !ok || rec.Failed() {
		t.Errorf("Expected the queued chunk to succeed, got %+v", rec)
	}
}

func TestExecutor_ParallelBatchLimit(t *testing.T) {
	var active, peak atomic.Int32
	resolver := newStateResolver()
	resolver.add("test.present", &Definition{
		Spec: &CallSpec{Params: []Param{RequiredParam("name")}},
		Func: func(_ context.Context, _ *Call) (*StateReturn, error) {
			cur := active.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return &StateReturn{Result: TrueResult(), NewState: map[string]any{}}, nil
		},
	})

	var low []*Chunk
	for i := 0; i < 5; i++ {
		low = append(low, testChunk("test", fmt.Sprintf("node-%d", i), "present"))
	}
	run := testRun("parallel", low...)
	run.Runtime = RuntimeParallel

	exec := newTestExecutor(resolver, ExecOptions{Batch: 2})
	if err := exec.Start(context.Background(), run); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if run.RunningCount() != 5 {
		t.Errorf("Expected 5 records, got %d", run.RunningCount())
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("Expected at most 2 concurrent chunks, observed %d", p)
	}
	for _, tag := range run.FailedTags() {
		t.Errorf("Unexpected failure for %s", tag)
	}
}

func TestExecutor_ListenReinvokesAfterChanges(t *testing.T) {
	log := &callLog{}
	resolver := newStateResolver()
	resolver.add("test.present", okDefinition(log))

	src := testChunk("test", "src", "present")
	listener := testChunk("test", "listener", "present")
	listener.Edges = []Edge{{Kind: RequisiteListen, State: "test", Ref: "src", Tag: Tag(src)}}
	run := testRun("listen", src, listener)

	exec := newTestExecutor(resolver, ExecOptions{})
	if err := exec.Start(context.Background(), run); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := log.count(Tag(src)); got != 1 {
		t.Errorf("Expected the source executed once, got %d", got)
	}
	if got := log.count(Tag(listener)); got != 2 {
		t.Errorf("Expected the listener re-invoked after changes, got %d calls", got)
	}
	rec, ok := run.Lookup(Tag(listener))
	if !ok || rec.Failed() {
		t.Errorf("Expected the listener to succeed, got %+v", rec)
	}
}

func TestExecutor_ListenSkipsUnchangedTarget(t *testing.T) {
	log := &callLog{}
	resolver := newStateResolver()
	resolver.add("still.present", &Definition{
		Spec: &CallSpec{Params: []Param{RequiredParam("name")}},
		Func: func(_ context.Context, call *Call) (*StateReturn, error) {
			log.note(call.Tag)
			same := map[string]any{"resource_id": "rid"}
			return &StateReturn{Result: TrueResult(), OldState: same, NewState: same}, nil
		},
	})

	src := testChunk("still", "src", "present")
	listener := testChunk("still", "listener", "present")
	listener.Edges = []Edge{{Kind: RequisiteListen, State: "still", Ref: "src", Tag: Tag(src)}}
	run := testRun("listen-still", src, listener)

	exec := newTestExecutor(resolver, ExecOptions{})
	if err := exec.Start(context.Background(), run); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := log.count(Tag(listener)); got != 1 {
		t.Errorf("Expected no second call without changes, got %d calls", got)
	}
}

func TestExecutor_StartPendingNarrowsExecution(t *testing.T) {
	log := &callLog{}
	resolver := newStateResolver()
	resolver.add("test.present", okDefinition(log))

	a := testChunk("test", "a", "present")
	b := testChunk("test", "b", "present")
	b.Edges = []Edge{requireEdge(a)}
	c := testChunk("test", "c", "present")
	run := testRun("narrow", a, b, c)

	exec := newTestExecutor(resolver, ExecOptions{})
	if err := exec.StartPending(context.Background(), run, []string{Tag(b)}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if run.RunningCount() != 2 {
		t.Fatalf("Expected only the pending subset executed, got %d records", run.RunningCount())
	}
	if _, ran := run.Lookup(Tag(c)); ran {
		t.Error("Expected c outside the subset to stay unexecuted")
	}
	if got, want := log.list(), []string{Tag(a), Tag(b)}; !sameStrings(got, want) {
		t.Errorf("Expected call order %v, got %v", want, got)
	}
}

func TestSubsetLow_FollowsRequisiteEdges(t *testing.T) {
	a := testChunk("test", "a", "present")
	b := testChunk("test", "b", "present")
	b.Edges = []Edge{requireEdge(a)}
	c := testChunk("test", "c", "present")
	c.Edges = []Edge{
		requireEdge(b),
		{Kind: RequisiteRequire, State: "test", Ref: "x", Tag: GenESMTag("test", "x", "x"), ESM: true},
	}
	d := testChunk("test", "d", "present")
	low := []*Chunk{a, b, c, d}

	out := subsetLow(low, []string{Tag(c), "bogus_|-tag_|-x_|-present"})
	var ids []string
	for _, chunk := range out {
		ids = append(ids, chunk.ID)
	}
	if !sameStrings(ids, []string{"a", "b", "c"}) {
		t.Errorf("Expected the requisite closure [a b c] in low order, got %v", ids)
	}
}

func TestExecutor_ContextCancelled(t *testing.T) {
	resolver := newStateResolver()
	resolver.add("test.present", okDefinition(nil))
	run := testRun("cancelled", testChunk("test", "a", "present"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := newTestExecutor(resolver, ExecOptions{})
	if err := exec.Start(ctx, run); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if run.RunningCount() != 0 {
		t.Errorf("Expected no chunk executed after cancellation, got %d", run.RunningCount())
	}
}

func TestExecutor_TestModeSkipsManagedWrites(t *testing.T) {
	resolver := newStateResolver()
	resolver.add("test.present", okDefinition(nil))

	run := testRun("dry", testChunk("test", "a", "present"))
	run.Test = true
	exec := newTestExecutor(resolver, ExecOptions{})
	if err := exec.Start(context.Background(), run); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(run.ManagedState) != 0 {
		t.Errorf("Expected no managed writes in test mode, got %v", run.ManagedState)
	}

	refreshed := testRun("dry-refresh", testChunk("test", "a", "present"))
	refreshed.Test = true
	exec = newTestExecutor(resolver, ExecOptions{Refresh: true})
	if err := exec.Start(context.Background(), refreshed); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(refreshed.ManagedState) != 1 {
		t.Errorf("Expected the refresh option to write managed state, got %v", refreshed.ManagedState)
	}
}
