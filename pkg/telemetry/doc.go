// Package telemetry assembles the observability stack for Halite: zerolog
// logging, OpenTelemetry tracing, Prometheus metrics and engine event
// fan-out, all built from one Config and shut down together.
//
// A process constructs the stack once at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "halite"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// and hands the pieces to the engine:
//
//	eng := engine.NewEngine(engine.EngineDeps{
//	    Log:     tel.Logger.Zerolog(),
//	    Events:  tel.Events,
//	    Metrics: tel.Metrics,
//	})
//
// The EventPublisher implements engine.EventSink and Metrics implements
// engine.Metrics, so the engine reports run status transitions, chunk
// results, and reconciliation reruns without knowing about Prometheus or
// subscribers.
//
// # Logging
//
// Loggers carry correlation fields for the identifiers that recur across
// the engine:
//
//	logger := tel.Logger.NewComponentLogger("esm")
//	logger = logger.WithRun("run-123").WithTag(chunk.Tag())
//	logger.Info("Acquired enforced state lock")
//	logger.WithError(err).Error("Failed to persist managed state")
//
// # Tracing
//
// A run apply is one trace. WithRunSpan and EndRunSpan bracket the whole
// apply; phase and chunk spans nest inside it:
//
//	ctx = telemetry.WithRunSpan(ctx, runName)
//	res, err := eng.Apply(ctx, opts)
//	telemetry.EndRunSpan(ctx, res.Status, err)
//
//	ctx, span := tel.Tracer.StartPhaseSpan(ctx, runName, "compile")
//	defer span.End()
//
//	ctx, span := tel.Tracer.StartChunkSpan(ctx, chunk.Tag(), ref)
//	defer span.End()
//
// Spans export over OTLP/gRPC, to stdout, or nowhere ("none"), per
// TracingConfig.Exporter.
//
// # Metrics
//
// Key metrics exposed:
//
//   - halite_runs_started_total
//   - halite_runs_completed_total{status}
//   - halite_run_duration_seconds{status}
//   - halite_active_runs
//   - halite_chunks_executed_total{state,fun,result}
//   - halite_chunk_duration_seconds{state,fun}
//   - halite_reruns_scheduled_total
//   - halite_plugin_calls_total{plugin,fun}
//   - halite_plugin_call_duration_seconds{plugin,fun}
//   - halite_store_operations_total{backend,op}
//   - halite_errors_by_class_total{class}
//
// StartMetricsServer serves them at MetricsConfig.Path on ListenAddress,
// :9113/metrics by default.
//
// # Events
//
// The event system fans engine events out to subscribers with buffering
// and filtering:
//
//	tel.Events.Subscribe(func(ev engine.Event) {
//	    fmt.Printf("%s %s %s\n", ev.At.Format(time.RFC3339), ev.Type, ev.Run)
//	}, telemetry.FilterByType(engine.EventChunkResult))
//
// Event filters: FilterByType, FilterByRun, FilterByTag. Publishing is
// fire-and-forget: when the buffer is full the event is counted as dropped
// (see Dropped) instead of stalling the run pipeline.
//
// # Presets
//
// DevelopmentConfig favors a human at a terminal: debug console logs with
// caller info and fully sampled stdout traces. ProductionConfig favors a
// fleet: sampled JSON logs, OTLP traces at a tenth of root spans, and the
// metrics server on. The CLI starts from DefaultConfig, which keeps
// tracing and metrics off; long-running modes such as watch and scheduled
// enforcement enable the metrics server.
//
// Shut the stack down before exit so buffered events and spans get out:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("telemetry shutdown: %v", err)
//	}
package telemetry
