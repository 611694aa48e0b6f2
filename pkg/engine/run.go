package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RunManager owns the registry of named runs. All registry access goes
// through the manager; the zero value is not usable, construct with
// NewRunManager.
type RunManager struct {
	mu   sync.RWMutex
	runs map[string]*Run

	log     zerolog.Logger
	events  EventSink
	metrics Metrics
}

// NewRunManager creates an empty registry. events and metrics may be nil.
func NewRunManager(log zerolog.Logger, events EventSink, metrics Metrics) *RunManager {
	return &RunManager{
		runs:    make(map[string]*Run),
		log:     log.With().Str("component", "runs").Logger(),
		events:  events,
		metrics: metrics,
	}
}

// Create registers a new run under name in CREATED status. Creating a name
// that already exists is an error; callers that want re-use must Drop the
// old run first.
func (m *RunManager) Create(ctx context.Context, name string) (*Run, error) {
	run := &Run{
		Name:     name,
		Status:   StatusCreated,
		IOrder:   IOrderBase,
		Running:  make(map[string]*ExecutionRecord),
		Errors:   []string{},
		Resolved: make(map[string]struct{}),
		Files:    make(map[string]struct{}),
		Blocks:   make(map[string]any),
		SLSRefs:  make(map[string]string),
	}

	m.mu.Lock()
	if _, exists := m.runs[name]; exists {
		m.mu.Unlock()
		return nil, NewValidationError("run " + name + " already exists").WithRun(name)
	}
	m.runs[name] = run
	m.mu.Unlock()

	m.log.Debug().Str("run", name).Msg("Run created")
	if m.metrics != nil {
		m.metrics.RunStatus(name, StatusCreated)
	}
	m.publish(ctx, Event{Type: EventRunCreated, Run: name, At: time.Now().UTC()})
	return run, nil
}

// Get returns the run registered under name.
func (m *RunManager) Get(name string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[name]
	return run, ok
}

// Drop removes a run from the registry. Dropping an unknown name is a
// no-op.
func (m *RunManager) Drop(name string) {
	m.mu.Lock()
	delete(m.runs, name)
	m.mu.Unlock()
}

// Names lists registered run names, sorted.
func (m *RunManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.runs))
	for name := range m.runs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetStatus advances the named run to next, enforcing the monotonic
// transition contract when the run is registered. The status event is
// published before SetStatus returns, and it is published even when no run
// is registered under name, so subscribers tracking an already dropped run
// still observe terminal transitions.
func (m *RunManager) SetStatus(ctx context.Context, name string, next Status) error {
	cur := StatusUndefined
	if run, ok := m.Get(name); ok {
		run.mu.Lock()
		cur = run.Status
		if err := cur.CanTransition(next); err != nil {
			run.mu.Unlock()
			return NewValidationError(err.Error()).WithRun(name)
		}
		run.Status = next
		run.mu.Unlock()
	}

	m.log.Debug().
		Str("run", name).
		Str("from", cur.String()).
		Str("to", next.String()).
		Msg("Run status changed")
	if m.metrics != nil {
		m.metrics.RunStatus(name, next)
	}
	m.publish(ctx, Event{
		Type: EventRunStatus,
		Run:  name,
		At:   time.Now().UTC(),
		Data: map[string]any{
			"status":      int(next),
			"status_name": next.String(),
			"previous":    cur.String(),
		},
	})
	return nil
}

// Report builds the status report for name and publishes a status event for
// the query. Unknown names yield the UNDEFINED shape rather than an error.
func (m *RunManager) Report(ctx context.Context, name string) *StatusReport {
	var report *StatusReport
	if run, ok := m.Get(name); ok {
		report = run.Report()
	} else {
		m.log.Error().Str("run", name).Msg("No run registered with this name")
		report = undefinedReport()
	}
	m.publish(ctx, Event{
		Type: EventRunStatus,
		Run:  name,
		At:   time.Now().UTC(),
		Data: map[string]any{
			"status":      int(report.Status),
			"status_name": report.StatusName,
		},
	})
	return report
}

func (m *RunManager) publish(ctx context.Context, ev Event) {
	if m.events == nil {
		return
	}
	m.events.Publish(ctx, ev)
}

// Report snapshots the run into the status query shape.
func (r *Run) Report() *StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	test := r.Test
	errs := make([]string, len(r.Errors))
	copy(errs, r.Errors)
	running := make(map[string]*ExecutionRecord, len(r.Running))
	for tag, rec := range r.Running {
		dup := *rec
		running[tag] = &dup
	}
	return &StatusReport{
		Test:        &test,
		Errors:      errs,
		Running:     running,
		AcctProfile: r.AcctProfile,
		Status:      r.Status,
		StatusName:  r.Status.String(),
	}
}

// CurrentStatus returns the run's status under the run lock.
func (r *Run) CurrentStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}
