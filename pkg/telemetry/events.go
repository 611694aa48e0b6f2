package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halite-run/halite/pkg/engine"
)

// EventSubscriber is a function that handles engine events.
type EventSubscriber func(ev engine.Event)

// EventFilter reports whether an event passes. Filters run before
// buffering, so rejected events cost nothing downstream.
type EventFilter func(ev engine.Event) bool

// EventPublisher fans engine events out to subscribers. It implements
// engine.EventSink: publishing never blocks the run pipeline, so when the
// buffer is full events are counted as dropped rather than delivered late.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	dropped     atomic.Uint64
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

var _ engine.EventSink = (*EventPublisher)(nil)

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher builds the publisher. Disabled configurations get an
// inert instance whose Publish is a no-op.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan engine.Event, cfg.BufferSize),
	}
	ep.ctx, ep.cancel = context.WithCancel(context.Background())

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.pump()
	}

	return ep, nil
}

// Publish publishes an engine event to all subscribers. In async mode the
// event is buffered; when the buffer is full or the publisher has been shut
// down the event is dropped.
func (ep *EventPublisher) Publish(ctx context.Context, ev engine.Event) {
	if !ep.config.Enabled {
		return
	}

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(ev) {
			ep.mu.RUnlock()
			return
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		ep.fanOut(ev)
		return
	}

	select {
	case <-ep.ctx.Done():
		ep.dropped.Add(1)
		return
	default:
	}
	select {
	case ep.buffer <- ev:
	default:
		ep.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was
// full or the publisher had stopped.
func (ep *EventPublisher) Dropped() uint64 {
	return ep.dropped.Load()
}

// Subscribe adds a new event subscriber. A nil filter receives all events.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddFilter installs a filter every event must pass before buffering.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

// pump drains the buffer in batches. A batch goes out when it reaches
// MaxBatchSize or when FlushInterval elapses, whichever comes first.
func (ep *EventPublisher) pump() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batchSize := ep.config.MaxBatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	batch := make([]engine.Event, 0, batchSize)

	for {
		select {
		case ev := <-ep.buffer:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				ep.flush(batch)
				batch = batch[:0]
			}

		case <-tick:
			if len(batch) > 0 {
				ep.flush(batch)
				batch = batch[:0]
			}

		case <-ep.ctx.Done():
			// Drain whatever is still buffered before shutting down
			for {
				select {
				case ev := <-ep.buffer:
					batch = append(batch, ev)
				default:
					if len(batch) > 0 {
						ep.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flush(events []engine.Event) {
	for _, ev := range events {
		ep.fanOut(ev)
	}
}

// fanOut hands one event to every subscriber whose filter passes. Each
// subscriber runs on its own goroutine so a slow one cannot stall the rest.
func (ep *EventPublisher) fanOut(ev engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(ev) {
			continue
		}
		go entry.subscriber(ev)
	}
}

// Shutdown stops the pump after it has drained the buffer, honoring the
// deadline on ctx.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled || ep.cancel == nil {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher did not drain before deadline")
	}
}

// FilterByType passes only events whose Type is one of types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(ev engine.Event) bool {
		return typeSet[ev.Type]
	}
}

// FilterByRun passes only events belonging to one run.
func FilterByRun(run string) EventFilter {
	return func(ev engine.Event) bool {
		return ev.Run == run
	}
}

// FilterByTag passes only events carrying one chunk execution tag.
func FilterByTag(tag string) EventFilter {
	return func(ev engine.Event) bool {
		return ev.Tag == tag
	}
}
