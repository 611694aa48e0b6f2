package telemetry

import (
	"fmt"
	"time"
)

// Config carries every observability knob in one place: service identity,
// logging, tracing, metrics and engine event publishing. The zero value is
// not usable; start from DefaultConfig or one of the presets.
type Config struct {
	// ServiceName and ServiceVersion identify the process in every signal.
	ServiceName    string
	ServiceVersion string

	// Environment tags telemetry with the deployment stage.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are extra key/value pairs attached to the otel
	// resource.
	ResourceAttributes map[string]string
}

// LoggingConfig shapes the zerolog root logger.
type LoggingConfig struct {
	// Level is the minimum level emitted: trace, debug, info, warn,
	// error or fatal.
	Level string

	// Format is "console" for human output or "json" for machines.
	Format string

	// Output names the sink: stdout, stderr or a file path.
	Output string

	// EnableCaller stamps file:line on every entry.
	EnableCaller bool

	// EnableSampling thins repeated entries: SamplingInitial messages
	// pass per second, then every SamplingThereafter-th one.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat selects the timestamp encoding, "unix" or "rfc3339".
	TimeFormat string
}

// TracingConfig shapes the otel tracer provider.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint addresses the otlp collector, host:port without a scheme.
	Endpoint string

	// SamplingRate keeps this fraction of root spans, 0 through 1.
	SamplingRate float64

	// MaxExportBatchSize and ExportTimeout tune the batch span processor.
	MaxExportBatchSize int
	ExportTimeout      time.Duration

	// Headers ride along on every otlp export request.
	Headers map[string]string

	// Insecure turns TLS off towards the collector.
	Insecure bool
}

// MetricsConfig shapes the prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress and Path locate the scrape endpoint.
	ListenAddress string
	Path          string

	// Namespace prefixes every metric name.
	Namespace string

	// DefaultHistogramBuckets are the duration buckets, in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig shapes the engine event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds the async queue; a full queue drops instead of
	// blocking the run pipeline.
	BufferSize int

	// FlushInterval forces partial batches out after this long.
	FlushInterval time.Duration

	// MaxBatchSize caps how many events one delivery carries.
	MaxBatchSize int

	// EnableAsync decouples publishers from subscriber latency.
	EnableAsync bool
}

// DefaultConfig suits a short-lived CLI process: console logs, events on,
// tracing and metrics off until asked for.
func DefaultConfig() *Config {
	cfg := &Config{
		ServiceName:        "halite",
		ServiceVersion:     "dev",
		Environment:        "development",
		ResourceAttributes: map[string]string{},
	}
	cfg.Logging = LoggingConfig{
		Level:              "info",
		Format:             "console",
		Output:             "stdout",
		SamplingInitial:    100,
		SamplingThereafter: 100,
		TimeFormat:         "rfc3339",
	}
	cfg.Tracing = TracingConfig{
		Exporter:           "stdout",
		SamplingRate:       1.0,
		MaxExportBatchSize: 512,
		ExportTimeout:      30 * time.Second,
		Headers:            map[string]string{},
		Insecure:           true,
	}
	cfg.Metrics = MetricsConfig{
		ListenAddress: ":9113",
		Path:          "/metrics",
		Namespace:     "halite",
		DefaultHistogramBuckets: []float64{
			0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
		},
	}
	cfg.Events = EventsConfig{
		Enabled:       true,
		BufferSize:    1000,
		FlushInterval: 2 * time.Second,
		MaxBatchSize:  100,
		EnableAsync:   true,
	}
	return cfg
}

// ProductionConfig turns the full pipeline on: json logs with sampling,
// otlp tracing at a tenth of root spans, metrics served.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	cfg.Metrics.Enabled = true
	return cfg
}

// DevelopmentConfig keeps everything local and loud: debug console logs
// with caller info, stdout traces sampled completely.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Exporter = "stdout"
	cfg.Tracing.SamplingRate = 1.0
	return cfg
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// Validate rejects configurations that would fail later during setup,
// naming the first offending field.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	}

	if !oneOf(c.Logging.Level, "trace", "debug", "info", "warn", "error", "fatal") {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if !oneOf(c.Logging.Format, "console", "json") {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Tracing.Enabled && !oneOf(c.Tracing.Exporter, "otlp", "stdout", "none") {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
