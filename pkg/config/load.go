package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the working directory and under
// ~/.halite when no explicit configuration path is given.
const DefaultFileName = "halite.yaml"

// EnvPrefix namespaces the environment overrides.
const EnvPrefix = "HALITE_"

// Load reads the configuration at path, overlays HALITE_* environment
// variables, fills derived defaults and validates the result. An empty
// path consults $HALITE_CONFIG and the default locations; when no file
// exists anywhere the built in defaults are returned.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		if env := os.Getenv(EnvPrefix + "CONFIG"); env != "" {
			path = env
			explicit = true
		} else {
			path = locateDefault()
		}
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeStrict(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case explicit || !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	return finish(cfg)
}

// LoadBytes parses an in-memory document over the defaults, then applies
// the same environment overlay and validation as Load.
func LoadBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := decodeStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// locateDefault returns the first default configuration file that exists,
// or the empty string.
func locateDefault() string {
	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".halite", DefaultFileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// decodeStrict decodes YAML over cfg, rejecting unknown fields so typos
// surface instead of silently keeping defaults.
func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays HALITE_* variables onto the configuration. Unset and
// empty variables leave their field alone.
func (c *Config) applyEnv(getenv func(string) string) error {
	strVars := []struct {
		suffix string
		dst    *string
	}{
		{"CACHE_DIR", &c.Engine.CacheDir},
		{"RUNTIME", &c.Engine.Runtime},
		{"RENDER", &c.Engine.Render},
		{"ESM_BACKEND", &c.ESM.Backend},
		{"ESM_SCOPE", &c.ESM.Scope},
		{"POSTGRES_DSN", &c.ESM.Postgres.DSN},
		{"S3_ENDPOINT", &c.ESM.S3.Endpoint},
		{"S3_BUCKET", &c.ESM.S3.Bucket},
		{"S3_ACCESS_KEY", &c.ESM.S3.AccessKeyID},
		{"S3_SECRET_KEY", &c.ESM.S3.SecretAccessKey},
		{"STORE_PATH", &c.Store.Path},
		{"ACCT_FILE", &c.Acct.File},
		{"ACCT_PROFILE", &c.Acct.DefaultProfile},
		{"LOG_LEVEL", &c.Telemetry.Logging.Level},
		{"LOG_FORMAT", &c.Telemetry.Logging.Format},
		{"METRICS_LISTEN", &c.Telemetry.Metrics.Listen},
	}
	for _, s := range strVars {
		if v := getenv(EnvPrefix + s.suffix); v != "" {
			*s.dst = v
		}
	}

	boolVars := []struct {
		suffix string
		dst    *bool
	}{
		{"HARD_FAIL", &c.Engine.HardFail},
		{"STRICT_CALL_ARGS", &c.Engine.StrictCallArgs},
		{"POLICY_ENABLED", &c.Policy.Enabled},
		{"METRICS_ENABLED", &c.Telemetry.Metrics.Enabled},
		{"TRACING_ENABLED", &c.Telemetry.Tracing.Enabled},
	}
	for _, b := range boolVars {
		key := EnvPrefix + b.suffix
		v := getenv(key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q", key, v)
		}
		*b.dst = parsed
	}

	intVars := []struct {
		suffix string
		dst    *int
	}{
		{"BATCH", &c.Engine.Batch},
		{"MAX_PENDING_RERUNS", &c.Engine.MaxPendingReruns},
		{"MAX_RERUNS_WO_CHANGE", &c.Engine.MaxRerunsNoChange},
	}
	for _, i := range intVars {
		key := EnvPrefix + i.suffix
		v := getenv(key)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q", key, v)
		}
		*i.dst = parsed
	}
	return nil
}

// normalize expands home relative paths and fills the defaults derived
// from other settings.
func (c *Config) normalize() error {
	paths := []*string{
		&c.Engine.CacheDir,
		&c.ESM.Local.Path,
		&c.Store.Path,
		&c.Acct.File,
		&c.Telemetry.Logging.Output,
	}
	for _, p := range paths {
		expanded, err := expandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	for _, list := range [][]string{c.SLS.Roots, c.Policy.Paths, c.Plugins.Dirs} {
		for i := range list {
			expanded, err := expandHome(list[i])
			if err != nil {
				return err
			}
			list[i] = expanded
		}
	}

	if c.ESM.Local.Path == "" && c.Engine.CacheDir != "" {
		c.ESM.Local.Path = filepath.Join(c.Engine.CacheDir, "esm")
	}
	if c.Store.Path == "" && c.Engine.CacheDir != "" {
		c.Store.Path = filepath.Join(c.Engine.CacheDir, "halite.db")
	}
	return nil
}

// expandHome resolves a leading ~ against the user's home directory.
// Other forms, including ~user, pass through untouched.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	if len(path) > 1 && path[1] != '/' && path[1] != filepath.Separator {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}
