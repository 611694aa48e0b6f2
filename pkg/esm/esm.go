package esm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MetadataKey indexes the layout version entry kept alongside resource
// state. Tags always contain the tag delimiter, so the key can never
// collide with one.
const MetadataKey = "__esm_metadata__"

// currentVersion is the newest state layout this build reads and writes.
var currentVersion = [3]int{1, 0, 0}

// Backend persists one scope of enforced state and serializes access to
// it with an exclusive lock.
type Backend interface {
	// Scope identifies the state domain the backend serves.
	Scope() string

	// Lock takes the scope's exclusive lock for a holder. Taking a lock
	// already held by the same holder succeeds.
	Lock(ctx context.Context, holder string) error

	// Unlock releases the lock when held by the given holder. Releasing
	// an absent lock is not an error.
	Unlock(ctx context.Context, holder string) error

	// Break force-releases the lock regardless of holder.
	Break(ctx context.Context) error

	// Pull reads the scope's state. A scope never written reads empty.
	Pull(ctx context.Context) (map[string]map[string]any, error)

	// Push replaces the scope's state.
	Push(ctx context.Context, state map[string]map[string]any) error

	// Close releases backend resources.
	Close() error
}

// Config assembles a Manager.
type Config struct {
	Log     zerolog.Logger
	Backend Backend

	// Upgrade rewrites state carrying an older layout version instead of
	// refusing it.
	Upgrade bool
}

// Manager brokers access to enforced state for the engine and the
// administrative commands. Enter and Exit bracket a run under the
// backend's exclusive lock.
type Manager struct {
	log     zerolog.Logger
	backend Backend
	upgrade bool
}

// NewManager wires a manager over the given backend.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("esm backend is required")
	}
	log := cfg.Log.With().
		Str("component", "esm").
		Str("scope", cfg.Backend.Scope()).
		Logger()
	return &Manager{
		log:     log,
		backend: cfg.Backend,
		upgrade: cfg.Upgrade,
	}, nil
}

// Enter takes the scope's lock for the named run and returns the
// current state. Fresh scopes are stamped with the current layout
// version; state written by a newer build is refused.
func (m *Manager) Enter(ctx context.Context, run string) (map[string]map[string]any, error) {
	if err := m.backend.Lock(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to enter enforced state management: %w", err)
	}

	state, err := m.backend.Pull(ctx)
	if err != nil {
		m.release(ctx, run)
		return nil, fmt.Errorf("failed to read enforced state: %w", err)
	}
	if state == nil {
		state = map[string]map[string]any{}
	}
	if len(state) == 0 {
		state[MetadataKey] = metadataEntry()
	}

	version := stateVersion(state)
	switch {
	case compareVersions(version, currentVersion) > 0:
		m.release(ctx, run)
		return nil, fmt.Errorf(
			"enforced state version %s is newer than the supported %s, update halite",
			versionString(version), versionString(currentVersion))
	case compareVersions(version, currentVersion) < 0:
		if !m.upgrade {
			m.release(ctx, run)
			return nil, fmt.Errorf(
				"enforced state version %s predates %s, rerun with --esm-upgrade to migrate",
				versionString(version), versionString(currentVersion))
		}
		m.log.Info().
			Str("from", versionString(version)).
			Str("to", versionString(currentVersion)).
			Msg("Upgrading enforced state layout")
		state[MetadataKey] = metadataEntry()
	}

	m.log.Debug().Str("run", run).Int("entries", len(state)).Msg("Entered enforced state management")
	return state, nil
}

// Exit writes the state back when commit is true and releases the lock
// either way.
func (m *Manager) Exit(ctx context.Context, run string, state map[string]map[string]any, commit bool) error {
	var pushErr error
	if commit && state != nil {
		if err := m.backend.Push(ctx, state); err != nil {
			pushErr = fmt.Errorf("failed to write enforced state: %w", err)
		}
	}

	if err := m.backend.Unlock(ctx, run); err != nil {
		if pushErr != nil {
			m.log.Error().Err(err).Str("run", run).Msg("Failed to release enforced state lock")
			return pushErr
		}
		return fmt.Errorf("failed to exit enforced state management: %w", err)
	}
	if commit && pushErr == nil {
		m.log.Debug().Str("run", run).Msg("Enforced state flushed")
	}
	return pushErr
}

// Show returns the scope's state without taking the run lock.
func (m *Manager) Show(ctx context.Context) (map[string]map[string]any, error) {
	state, err := m.backend.Pull(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read enforced state: %w", err)
	}
	if state == nil {
		state = map[string]map[string]any{}
	}
	return state, nil
}

// Remove deletes one entry by tag under the scope's lock.
func (m *Manager) Remove(ctx context.Context, tag string) error {
	holder := adminHolder()
	if err := m.backend.Lock(ctx, holder); err != nil {
		return fmt.Errorf("failed to lock enforced state: %w", err)
	}
	defer m.release(ctx, holder)

	state, err := m.backend.Pull(ctx)
	if err != nil {
		return fmt.Errorf("failed to read enforced state: %w", err)
	}
	if _, ok := state[tag]; !ok {
		return fmt.Errorf("no enforced state entry for tag %q", tag)
	}
	delete(state, tag)

	if err := m.backend.Push(ctx, state); err != nil {
		return fmt.Errorf("failed to write enforced state: %w", err)
	}
	m.log.Info().Str("tag", tag).Msg("Enforced state entry removed")
	return nil
}

// Unlock force-releases the scope's lock. Meant for recovery after a
// run died without exiting.
func (m *Manager) Unlock(ctx context.Context) error {
	if err := m.backend.Break(ctx); err != nil {
		return fmt.Errorf("failed to break enforced state lock: %w", err)
	}
	m.log.Info().Msg("Enforced state lock broken")
	return nil
}

// Restore merges the esm-tagged results of a run cache file into the
// scope's state and reports how many entries were seeded. The cache
// file is the per-run JSON snapshot an apply leaves behind.
func (m *Manager) Restore(ctx context.Context, cacheFile string) (int, error) {
	raw, err := os.ReadFile(cacheFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache file: %w", err)
	}
	var records map[string]cacheRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return 0, fmt.Errorf("failed to decode cache file %s: %w", cacheFile, err)
	}

	holder := adminHolder()
	if err := m.backend.Lock(ctx, holder); err != nil {
		return 0, fmt.Errorf("failed to lock enforced state: %w", err)
	}
	defer m.release(ctx, holder)

	state, err := m.backend.Pull(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read enforced state: %w", err)
	}
	if state == nil {
		state = map[string]map[string]any{}
	}

	restored := 0
	for _, rec := range records {
		if rec.ESMTag == "" || rec.NewState == nil {
			continue
		}
		state[rec.ESMTag] = rec.NewState
		restored++
	}
	if state[MetadataKey] == nil {
		state[MetadataKey] = metadataEntry()
	}

	if err := m.backend.Push(ctx, state); err != nil {
		return 0, fmt.Errorf("failed to write enforced state: %w", err)
	}
	m.log.Info().Int("entries", restored).Str("source", cacheFile).Msg("Enforced state restored")
	return restored, nil
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}

func (m *Manager) release(ctx context.Context, holder string) {
	if err := m.backend.Unlock(ctx, holder); err != nil {
		m.log.Error().Err(err).Msg("Failed to release enforced state lock")
	}
}

// cacheRecord is the slice of a run cache record restore consumes.
type cacheRecord struct {
	ESMTag   string         `json:"esm_tag"`
	NewState map[string]any `json:"new_state"`
}

func adminHolder() string {
	return "admin-" + uuid.NewString()
}

func metadataEntry() map[string]any {
	return map[string]any{"version": versionSlice(currentVersion)}
}

func versionSlice(v [3]int) []any {
	return []any{v[0], v[1], v[2]}
}

func versionString(v [3]int) string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// stateVersion reads the layout version from the metadata entry. State
// without one predates versioning and counts as 1.0.0.
func stateVersion(state map[string]map[string]any) [3]int {
	v := [3]int{1, 0, 0}
	meta := state[MetadataKey]
	if meta == nil {
		return v
	}
	raw, ok := meta["version"].([]any)
	if !ok {
		return v
	}
	for i := 0; i < len(raw) && i < 3; i++ {
		switch n := raw[i].(type) {
		case int:
			v[i] = n
		case int64:
			v[i] = int(n)
		case float64:
			v[i] = int(n)
		}
	}
	return v
}

func compareVersions(a, b [3]int) int {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
