package telemetry

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halite-run/halite/pkg/engine"
)

// Metrics provides Prometheus metrics for Halite. It implements
// engine.Metrics so it can be wired straight into the engine; the extra
// Record* methods cover plugin and state store instrumentation outside the
// engine interface.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Chunk metrics
	chunksExecuted  *prometheus.CounterVec
	chunkDuration   *prometheus.HistogramVec
	rerunsScheduled prometheus.Counter

	// Plugin metrics
	pluginCalls    *prometheus.CounterVec
	pluginDuration *prometheus.HistogramVec
	pluginErrors   *prometheus.CounterVec

	// State store metrics
	storeOps    *prometheus.CounterVec
	storeErrors *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry

	// startTimes tracks run creation times so terminal transitions can
	// observe a duration without the engine passing one.
	mu         sync.Mutex
	startTimes map[string]time.Time
}

var _ engine.Metrics = (*Metrics)(nil)

// NewMetrics builds the collectors on a private registry. When disabled,
// every method is a no-op.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:     cfg,
		registry:   registry,
		startTimes: make(map[string]time.Time),

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs created",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs reaching a terminal status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall clock duration from run creation to terminal status",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of runs that have not reached a terminal status",
			},
		),

		chunksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_executed_total",
				Help:      "Total number of chunk executions",
			},
			[]string{"state", "fun", "result"},
		),
		chunkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chunk_duration_seconds",
				Help:      "Duration of chunk execution in seconds",
				Buckets:   buckets,
			},
			[]string{"state", "fun"},
		),
		rerunsScheduled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reruns_scheduled_total",
				Help:      "Total number of reconciliation reruns scheduled",
			},
		),

		pluginCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Total number of plugin state function calls",
			},
			[]string{"plugin", "fun"},
		),
		pluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_call_duration_seconds",
				Help:      "Duration of plugin state function calls in seconds",
				Buckets:   buckets,
			},
			[]string{"plugin", "fun"},
		),
		pluginErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_errors_total",
				Help:      "Total number of plugin call failures",
			},
			[]string{"plugin", "fun"},
		),

		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Total number of enforced state store operations",
			},
			[]string{"backend", "op"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of enforced state store failures",
			},
			[]string{"backend", "op"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of run errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.chunksExecuted,
		m.chunkDuration,
		m.rerunsScheduled,
		m.pluginCalls,
		m.pluginDuration,
		m.pluginErrors,
		m.storeOps,
		m.storeErrors,
		m.errorsByClass,
	)

	return m, nil
}

// Run Metrics

// RunStatus records a run status transition. Creation starts the run
// clock; terminal statuses stop it and observe the duration.
func (m *Metrics) RunStatus(run string, s engine.Status) {
	if m.registry == nil {
		return
	}

	switch {
	case s == engine.StatusCreated:
		m.runsStarted.Inc()
		m.activeRuns.Inc()
		m.mu.Lock()
		m.startTimes[run] = time.Now()
		m.mu.Unlock()

	case s.IsTerminal():
		m.runsCompleted.WithLabelValues(s.String()).Inc()
		m.mu.Lock()
		start, ok := m.startTimes[run]
		delete(m.startTimes, run)
		m.mu.Unlock()
		if ok {
			m.activeRuns.Dec()
			m.runDuration.WithLabelValues(s.String()).Observe(time.Since(start).Seconds())
		}
	}
}

// Chunk Metrics

// ChunkDone records a completed chunk execution.
func (m *Metrics) ChunkDone(state, fun string, success bool, seconds float64) {
	if m.registry == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.chunksExecuted.WithLabelValues(state, fun, result).Inc()
	m.chunkDuration.WithLabelValues(state, fun).Observe(seconds)
}

// RerunScheduled records a reconciliation rerun being scheduled.
func (m *Metrics) RerunScheduled(run string) {
	if m.registry == nil {
		return
	}
	m.rerunsScheduled.Inc()
}

// Plugin Metrics

// RecordPluginCall records a plugin state function call with its duration.
func (m *Metrics) RecordPluginCall(plugin, fun string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.pluginCalls.WithLabelValues(plugin, fun).Inc()
	m.pluginDuration.WithLabelValues(plugin, fun).Observe(duration.Seconds())
}

// RecordPluginError records a plugin call failure.
func (m *Metrics) RecordPluginError(plugin, fun string) {
	if m.registry == nil {
		return
	}
	m.pluginErrors.WithLabelValues(plugin, fun).Inc()
}

// State Store Metrics

// RecordStoreOp records an enforced state store operation.
func (m *Metrics) RecordStoreOp(backend, op string, err error) {
	if m.registry == nil {
		return
	}
	m.storeOps.WithLabelValues(backend, op).Inc()
	if err != nil {
		m.storeErrors.WithLabelValues(backend, op).Inc()
	}
}

// Error Metrics

// RecordError records a run error by its class.
func (m *Metrics) RecordError(class string) {
	if m.registry == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Timer measures one operation from construction.
type Timer struct {
	start time.Time
}

// NewTimer starts the clock.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration reports how long the timer has been running.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration times an operation and records it on the observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the scrape endpoint in the background. The
// server lives for the rest of the process.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
