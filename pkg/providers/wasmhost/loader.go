package wasmhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Loader discovers plugins on disk. Each plugin is a subdirectory with
// a manifest.yaml next to its module.
type Loader struct {
	log  zerolog.Logger
	host *HostConfig
}

// NewLoader creates a loader sharing one host configuration across
// plugins.
func NewLoader(log zerolog.Logger, host *HostConfig) *Loader {
	if host == nil {
		host = &HostConfig{Log: log}
	}
	return &Loader{
		log:  log.With().Str("component", "wasmhost").Logger(),
		host: host,
	}
}

// Load scans the directories and instantiates every plugin found. A
// plugin that fails to load is skipped with a warning so one broken
// module cannot take the whole registry down; a missing directory is
// skipped silently.
func (l *Loader) Load(ctx context.Context, dirs []string) ([]*Plugin, error) {
	var plugins []*Plugin
	seen := make(map[string]string)

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return plugins, fmt.Errorf("read plugin directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			manifestPath := filepath.Join(dir, entry.Name(), "manifest.yaml")
			if _, err := os.Stat(manifestPath); err != nil {
				continue
			}

			plugin, err := l.loadOne(ctx, manifestPath, seen)
			if err != nil {
				l.log.Warn().Err(err).Str("manifest", manifestPath).Msg("Skipping plugin")
				continue
			}
			plugins = append(plugins, plugin)
		}
	}
	return plugins, nil
}

func (l *Loader) loadOne(ctx context.Context, manifestPath string, seen map[string]string) (*Plugin, error) {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	if prev, dup := seen[manifest.Key()]; dup {
		return nil, fmt.Errorf("plugin %s already loaded from %s", manifest.Key(), prev)
	}

	plugin, err := LoadPlugin(ctx, manifest, l.host)
	if err != nil {
		return nil, err
	}
	seen[manifest.Key()] = manifestPath

	l.log.Info().
		Str("plugin", manifest.Key()).
		Strs("states", manifest.Refs()).
		Bool("verified", manifest.Verified).
		Msg("Loaded WASM state plugin")
	return plugin, nil
}

// CloseAll closes every plugin, keeping the first error.
func CloseAll(ctx context.Context, plugins []*Plugin) error {
	var firstErr error
	for _, p := range plugins {
		if err := p.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
