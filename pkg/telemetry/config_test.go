package telemetry

import (
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServiceName != "halite" {
		t.Errorf("Expected service name halite, got %s", cfg.ServiceName)
	}
	if cfg.Metrics.Namespace != "halite" {
		t.Errorf("Expected metrics namespace halite, got %s", cfg.Metrics.Namespace)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Expected console log format, got %s", cfg.Logging.Format)
	}
	if cfg.Tracing.Enabled {
		t.Error("Expected tracing disabled by default")
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics disabled by default")
	}
	if !cfg.Events.Enabled {
		t.Error("Expected events enabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default config to validate, got %v", err)
	}
}

func TestProductionConfig(t *testing.T) {
	cfg := ProductionConfig()

	if cfg.Logging.Format != "json" {
		t.Errorf("Expected json log format, got %s", cfg.Logging.Format)
	}
	if !cfg.Logging.EnableSampling {
		t.Error("Expected log sampling enabled")
	}
	if cfg.Tracing.Exporter != "otlp" {
		t.Errorf("Expected otlp exporter, got %s", cfg.Tracing.Exporter)
	}
	if cfg.Tracing.SamplingRate != 0.1 {
		t.Errorf("Expected 0.1 sampling rate, got %f", cfg.Tracing.SamplingRate)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Expected metrics enabled")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected production config to validate, got %v", err)
	}
}

func TestDevelopmentConfig(t *testing.T) {
	cfg := DevelopmentConfig()

	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Logging.Level)
	}
	if !cfg.Logging.EnableCaller {
		t.Error("Expected caller info enabled")
	}
	if cfg.Tracing.Exporter != "stdout" {
		t.Errorf("Expected stdout exporter, got %s", cfg.Tracing.Exporter)
	}
	if cfg.Tracing.SamplingRate != 1.0 {
		t.Errorf("Expected full sampling, got %f", cfg.Tracing.SamplingRate)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected development config to validate, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing service name",
			mutate:  func(c *Config) { c.ServiceName = "" },
			wantErr: "service name is required",
		},
		{
			name:    "missing service version",
			mutate:  func(c *Config) { c.ServiceVersion = "" },
			wantErr: "service version is required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "invalid log level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "logfmt" },
			wantErr: "invalid log format",
		},
		{
			name: "bad trace exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "zipkin"
			},
			wantErr: "invalid trace exporter",
		},
		{
			name:    "sampling rate out of range",
			mutate:  func(c *Config) { c.Tracing.SamplingRate = 1.5 },
			wantErr: "sampling rate must be between",
		},
		{
			name: "metrics enabled without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ListenAddress = ""
			},
			wantErr: "metrics listen address is required",
		},
		{
			name: "events enabled with zero buffer",
			mutate: func(c *Config) {
				c.Events.Enabled = true
				c.Events.BufferSize = 0
			},
			wantErr: "event buffer size must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}
