package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/halite-run/halite/pkg/engine"
	"github.com/halite-run/halite/pkg/telemetry"
)

// Config is the root halite configuration, usually loaded from halite.yaml.
// Every field has a working default; a missing file yields a fully usable
// configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	SLS       SLSConfig       `yaml:"sls"`
	ESM       ESMConfig       `yaml:"esm"`
	Store     StoreConfig     `yaml:"store"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Acct      AcctConfig      `yaml:"acct"`
	Policy    PolicyConfig    `yaml:"policy"`
	Plugins   PluginConfig    `yaml:"plugins"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig carries the run execution defaults. Command line flags
// override them per invocation.
type EngineConfig struct {
	// CacheDir roots run caches and the default locations of the local
	// enforced state and the store. A leading ~ resolves to the home
	// directory.
	CacheDir string `yaml:"cache_dir" validate:"required"`

	// Runtime selects the default dispatch mode.
	Runtime string `yaml:"runtime" validate:"required,oneof=serial parallel"`

	// Render selects the default render pipe for state documents.
	Render string `yaml:"render" validate:"required,oneof=yaml cue star"`

	// Batch caps concurrently executing chunks. Zero admits full waves.
	Batch int `yaml:"batch" validate:"min=0"`

	// HardFail stops dispatching after the first chunk failure.
	HardFail bool `yaml:"hard_fail"`

	// StrictCallArgs fails chunks carrying undeclared call arguments
	// instead of dropping them with a warning.
	StrictCallArgs bool `yaml:"strict_call_args"`

	// MaxPendingReruns bounds the reconciliation loop of one apply.
	MaxPendingReruns int `yaml:"max_pending_reruns" validate:"min=0"`

	// MaxRerunsNoChange settles a failing chunk once its outcome stopped
	// changing this many reruns in a row.
	MaxRerunsNoChange int `yaml:"max_reruns_wo_change" validate:"min=0"`
}

// SLSConfig locates and renders state documents.
type SLSConfig struct {
	// Roots are the directories searched for relative file sources, in
	// order. The working directory is always tried first.
	Roots []string `yaml:"roots"`

	// StarlarkTimeout bounds star pipe script execution.
	StarlarkTimeout Duration `yaml:"starlark_timeout" validate:"min=0"`
}

// ESMConfig selects and tunes the enforced state backend.
type ESMConfig struct {
	// Backend names the managed state store: local keeps JSON files under
	// the cache directory, store uses the SQLite store, postgres and s3
	// reach out to the respective services.
	Backend string `yaml:"backend" validate:"required,oneof=local store postgres s3"`

	// Scope names the state domain runs share. Runs in different scopes
	// never see each other's enforced state.
	Scope string `yaml:"scope"`

	Local    LocalESMConfig    `yaml:"local"`
	Postgres PostgresESMConfig `yaml:"postgres"`
	S3       S3ESMConfig       `yaml:"s3"`
}

// LocalESMConfig backs enforced state with JSON files on disk.
type LocalESMConfig struct {
	// Path is the state directory. Defaults under the engine cache dir.
	Path string `yaml:"path"`
}

// PostgresESMConfig backs enforced state with a PostgreSQL table guarded
// by advisory locks.
type PostgresESMConfig struct {
	// DSN is the connection string. Required for the postgres backend.
	DSN string `yaml:"dsn"`

	// Table holds the state rows.
	Table string `yaml:"table"`
}

// S3ESMConfig backs enforced state with an S3 compatible object store.
type S3ESMConfig struct {
	// Endpoint is the S3 API host, without a scheme.
	Endpoint string `yaml:"endpoint"`

	// Bucket holds the state objects. Required for the s3 backend.
	Bucket string `yaml:"bucket"`

	// Prefix namespaces the state objects within the bucket.
	Prefix string `yaml:"prefix"`

	// Region pins the bucket region when the endpoint needs one.
	Region string `yaml:"region"`

	// AccessKeyID and SecretAccessKey authenticate directly. When empty,
	// the standard AWS environment variables are consulted.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// UseSSL toggles TLS towards the endpoint.
	UseSSL bool `yaml:"use_ssl"`
}

// StoreConfig locates the SQLite store backing the run archive and the
// store ESM backend.
type StoreConfig struct {
	// Path is the database file. Defaults under the engine cache dir.
	Path string `yaml:"path"`
}

// ArchiveConfig controls persistence of finished runs.
type ArchiveConfig struct {
	// Enabled writes finished runs and their status history to the store.
	Enabled bool `yaml:"enabled"`

	// Keep bounds the archived runs kept per run name. Zero keeps all.
	Keep int `yaml:"keep" validate:"min=0"`
}

// AcctConfig locates encrypted credential profiles.
type AcctConfig struct {
	// File is the encrypted profiles document. Credentials stay disabled
	// until it exists.
	File string `yaml:"file"`

	// KeyEnv names the environment variable carrying the encryption key.
	KeyEnv string `yaml:"key_env"`

	// DefaultProfile is handed to runs that name no profile themselves.
	// Empty leaves runs without credentials.
	DefaultProfile string `yaml:"default_profile"`
}

// PolicyConfig controls the policy gate over compiled low data.
type PolicyConfig struct {
	// Enabled turns the gate on. The builtin rules always load; Paths adds
	// rego modules from disk.
	Enabled bool `yaml:"enabled"`

	// Paths lists rego files or directories to load.
	Paths []string `yaml:"paths"`

	// Mode selects how denials are treated: enforcing fails the run,
	// advisory degrades denials to warnings.
	Mode string `yaml:"mode" validate:"omitempty,oneof=advisory enforcing"`

	// Watch reloads the policies when the files change.
	Watch bool `yaml:"watch"`
}

// PluginConfig locates WASM state plugins.
type PluginConfig struct {
	// Dirs are scanned for plugin manifests at startup. Missing
	// directories are skipped.
	Dirs []string `yaml:"dirs"`
}

// TelemetryConfig carries the observability settings a configuration file
// may set. ToTelemetry overlays them onto the telemetry package defaults.
type TelemetryConfig struct {
	Logging LogConfig         `yaml:"logging"`
	Metrics MetricsConfig     `yaml:"metrics"`
	Tracing TraceExportConfig `yaml:"tracing"`
}

// LogConfig shapes the zerolog output.
type LogConfig struct {
	// Level is trace, debug, info, warn, error, fatal or panic.
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic"`

	// Format is console or json.
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TraceExportConfig exports OpenTelemetry spans.
type TraceExportConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"min=0,max=1"`
	Insecure     bool    `yaml:"insecure"`
}

// DefaultConfig returns the built in configuration. Home relative paths
// resolve at load time.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			CacheDir:          "~/.halite/cache",
			Runtime:           engine.RuntimeParallel,
			Render:            "yaml",
			MaxPendingReruns:  engine.DefaultMaxPendingReruns,
			MaxRerunsNoChange: engine.DefaultMaxRerunsWithoutChange,
		},
		SLS: SLSConfig{
			StarlarkTimeout: Duration(30 * time.Second),
		},
		ESM: ESMConfig{
			Backend:  "local",
			Scope:    "cli",
			Postgres: PostgresESMConfig{Table: "halite_esm"},
			S3: S3ESMConfig{
				Endpoint: "s3.amazonaws.com",
				Prefix:   "esm/",
				UseSSL:   true,
			},
		},
		Archive: ArchiveConfig{Enabled: true},
		Acct: AcctConfig{
			File:   "~/.halite/acct.yaml",
			KeyEnv: "HALITE_ACCT_KEY",
		},
		Policy:  PolicyConfig{Mode: "enforcing"},
		Plugins: PluginConfig{Dirs: []string{"~/.halite/plugins"}},
		Telemetry: TelemetryConfig{
			Logging: LogConfig{Level: "info", Format: "console", Output: "stderr"},
			Metrics: MetricsConfig{Listen: ":9113"},
			Tracing: TraceExportConfig{Exporter: "stdout", SamplingRate: 1},
		},
	}
}

// RunDefaults seeds engine run options from the configured defaults.
// Callers overlay the per invocation flags on the result.
func (c *Config) RunDefaults() engine.RunOptions {
	return engine.RunOptions{
		Render:            c.Engine.Render,
		Runtime:           c.Engine.Runtime,
		CacheDir:          c.Engine.CacheDir,
		Batch:             c.Engine.Batch,
		HardFail:          c.Engine.HardFail,
		StrictArgs:        c.Engine.StrictCallArgs,
		MaxReruns:         c.Engine.MaxPendingReruns,
		MaxRerunsNoChange: c.Engine.MaxRerunsNoChange,
		AcctProfile:       c.Acct.DefaultProfile,
	}
}

// ToTelemetry overlays the file settings onto the telemetry defaults and
// stamps the service identity.
func (t TelemetryConfig) ToTelemetry(service, version string) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = service
	tc.ServiceVersion = version
	if t.Logging.Level != "" {
		tc.Logging.Level = t.Logging.Level
	}
	if t.Logging.Format != "" {
		tc.Logging.Format = t.Logging.Format
	}
	if t.Logging.Output != "" {
		tc.Logging.Output = t.Logging.Output
	}
	tc.Metrics.Enabled = t.Metrics.Enabled
	if t.Metrics.Listen != "" {
		tc.Metrics.ListenAddress = t.Metrics.Listen
	}
	tc.Tracing.Enabled = t.Tracing.Enabled
	if t.Tracing.Exporter != "" {
		tc.Tracing.Exporter = t.Tracing.Exporter
	}
	if t.Tracing.Endpoint != "" {
		tc.Tracing.Endpoint = t.Tracing.Endpoint
	}
	if t.Tracing.SamplingRate > 0 {
		tc.Tracing.SamplingRate = t.Tracing.SamplingRate
	}
	tc.Tracing.Insecure = t.Tracing.Insecure
	return *tc
}

// Duration wraps time.Duration so documents can use forms like "30s".
// Bare integers are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
