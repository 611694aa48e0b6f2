package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/halite-run/halite/pkg/engine"
)

// Telemetry is the assembled observability stack: one logger, tracer,
// metrics registry and event publisher built from a single Config.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and brings up every component. Construction
// is all-or-nothing; a failing component aborts the whole stack.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return t, nil
}

// WithContext stores the stack and its logger in ctx so instrumentation
// helpers deeper in the call chain can find them.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext returns the stack stored by WithContext, or nil.
// Helpers treat nil as "run uninstrumented" rather than failing.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains the event publisher, then the tracer, the reverse of
// construction order.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	// The metrics server keeps serving until the process exits so
	// terminal run metrics stay scrapeable.

	return nil
}

// Flush pushes buffered spans out without shutting anything down.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer exposes the scrape endpoint when metrics are on.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext ties together the span, correlated logger and timer
// of one operation so call sites handle a single value.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens a span and a logger correlated to it. Without a
// stack in ctx the operation still gets a logger and timer, just no span.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := tel.Logger.WithField("operation", operation)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End closes the operation span, recording err as its outcome.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

type runSpanKey struct{}

// WithRunSpan opens a run span and attaches a run-scoped logger to the
// context. Run events and metrics are published by the engine through its
// sinks, so this only wires the trace and log side.
func WithRunSpan(ctx context.Context, run string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, run)
	spanCtx = tel.Logger.WithRun(run).WithContext(spanCtx)
	return context.WithValue(spanCtx, runSpanKey{}, span)
}

// EndRunSpan completes the run span opened by WithRunSpan, recording the
// terminal status.
func EndRunSpan(ctx context.Context, status engine.Status, err error) {
	span, ok := ctx.Value(runSpanKey{}).(trace.Span)
	if !ok {
		return
	}

	span.SetAttributes(AttrRunStatus.String(status.String()))
	switch {
	case err != nil:
		RecordError(span, err)
	case status.IsError():
		AddRunEvent(span, "run.failed", status.String())
	default:
		RecordSuccess(span)
	}
	span.End()
}

// RecordPluginOperation wraps a plugin call with a span and plugin metrics.
func RecordPluginOperation(ctx context.Context, plugin, fun string, fn func() error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn()
	}

	_, span := tel.Tracer.StartPluginSpan(ctx, plugin, fun)
	defer span.End()

	timer := NewTimer()
	err := fn()

	tel.Metrics.RecordPluginCall(plugin, fun, timer.Duration())
	if err != nil {
		tel.Metrics.RecordPluginError(plugin, fun)
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}

	return err
}
