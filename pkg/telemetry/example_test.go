package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/halite-run/halite/pkg/engine"
	"github.com/halite-run/halite/pkg/telemetry"
)

// Example_basicSetup builds the stack from defaults and logs through it.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "halite"
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("Application started")

	// Log output goes to stdout with timestamps, so no Output block here.
}

// Example_engineWiring hands the telemetry components to the run engine.
func Example_engineWiring() {
	cfg := telemetry.DefaultConfig()
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	eng := engine.NewEngine(engine.EngineDeps{
		Log:     tel.Logger.Zerolog(),
		Events:  tel.Events,
		Metrics: tel.Metrics,
	})
	_ = eng

	fmt.Println("Engine wired")
	// Output: Engine wired
}

// Example_structuredLogging shows the correlation field helpers.
func Example_structuredLogging() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("esm")
	logger = logger.WithRun("run-123").WithTag("cloud.instance_|-web_|-web_|-present")

	logger.Debug("Acquiring enforced state lock")
	logger.Info("Enforced state loaded")
	logger.Warn("Managed state entry missing resource_id")

	err := fmt.Errorf("lock held by run-045")
	logger.WithError(err).Error("Failed to acquire enforced state")

	// Timestamped log output, so no Output block here.
}

// Example_eventSubscription listens for engine events with filters.
func Example_eventSubscription() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(ev engine.Event) {
		fmt.Printf("chunk done: %s\n", ev.Tag)
	}, telemetry.FilterByType(engine.EventChunkResult))

	tel.Events.Subscribe(func(ev engine.Event) {
		fmt.Printf("run event: %s\n", ev.Type)
	}, telemetry.FilterByRun("run-123"))

	tel.Events.Publish(context.Background(), engine.Event{
		Type: engine.EventRunStatus,
		Run:  "run-123",
	})

	// Subscribers run on their own goroutines, so no Output block here.
}

// Example_metricsCollection records run, chunk and plugin measurements.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Metrics.RunStatus("run-123", engine.StatusCreated)
	tel.Metrics.RunStatus("run-123", engine.StatusRunning)
	tel.Metrics.RunStatus("run-123", engine.StatusFinished)

	tel.Metrics.ChunkDone("cloud.instance", "present", true, 0.042)

	tel.Metrics.RecordPluginCall("kv", "present", 15*time.Millisecond)

	fmt.Println("metrics recorded")
	// Output: metrics recorded
}

// Example_distributedTracing nests a phase span inside a run span.
func Example_distributedTracing() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	ctx = telemetry.WithRunSpan(ctx, "run-123")

	_, span := tel.Tracer.StartPhaseSpan(ctx, "run-123", "compile")
	span.SetAttributes(attribute.Int("low.chunks", 5))
	span.End()

	telemetry.EndRunSpan(ctx, engine.StatusFinished, nil)

	fmt.Println("run traced")
	// Output: run traced
}

// Example_instrumentedOperation bundles span, logger and timer in one call.
func Example_instrumentedOperation() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	ic := telemetry.StartOperation(ctx, "sls.gather",
		attribute.String("sls.source", "file://states/web.sls"),
	)
	defer ic.End(nil)

	ic.Logger.Info("Rendering SLS sources")

	fmt.Println("operation instrumented")
	// Output: operation instrumented
}

// Example_productionConfiguration tunes the production preset for a
// cluster deployment.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()

	cfg.ServiceName = "halite"
	cfg.ServiceVersion = "1.2.3"
	cfg.Environment = "production"

	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "otel-gateway.infra.internal:4317"
	cfg.Tracing.SamplingRate = 0.25
	cfg.Tracing.Insecure = false

	cfg.Metrics.ListenAddress = ":9113"
	cfg.Metrics.Namespace = "halite"

	cfg.Events.BufferSize = 10000
	cfg.Events.FlushInterval = 5 * time.Second

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("production config valid")
	// Output: production config valid
}
