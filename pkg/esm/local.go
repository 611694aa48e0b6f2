package esm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
)

// LocalConfig locates the file based backend.
type LocalConfig struct {
	Log zerolog.Logger

	// Dir is the state directory. Created when missing.
	Dir string

	// Scope names the state file within the directory.
	Scope string
}

// LocalBackend keeps enforced state in a JSON file guarded by a pid
// style lock file in the same directory. A lock whose process is gone
// is reclaimed on the next acquire.
type LocalBackend struct {
	log   zerolog.Logger
	dir   string
	scope string
}

// NewLocalBackend prepares the state directory and returns the backend.
func NewLocalBackend(cfg LocalConfig) (*LocalBackend, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("local esm directory is required")
	}
	scope := cfg.Scope
	if scope == "" {
		scope = "cli"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create esm directory: %w", err)
	}
	return &LocalBackend{
		log:   cfg.Log.With().Str("component", "esm.local").Logger(),
		dir:   cfg.Dir,
		scope: scope,
	}, nil
}

// Scope identifies the state domain the backend serves.
func (b *LocalBackend) Scope() string { return b.scope }

func (b *LocalBackend) statePath() string { return filepath.Join(b.dir, b.scope+".json") }
func (b *LocalBackend) lockPath() string  { return filepath.Join(b.dir, b.scope+".lock") }

// lockRecord is the contents of a lock artifact: who holds the lock and
// from which process.
type lockRecord struct {
	Holder string `json:"holder"`
	PID    int    `json:"pid"`
}

// Lock takes the scope's lock by creating the lock file exclusively.
// Stale locks, left by processes that no longer exist, are reclaimed.
func (b *LocalBackend) Lock(ctx context.Context, holder string) error {
	for attempt := 0; attempt < 2; attempt++ {
		fh, err := os.OpenFile(b.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			rec := lockRecord{Holder: holder, PID: os.Getpid()}
			data, werr := json.Marshal(rec)
			if werr == nil {
				_, werr = fh.Write(data)
			}
			if cerr := fh.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(b.lockPath())
				return fmt.Errorf("failed to write lock file: %w", werr)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		rec, rerr := b.readLock()
		if rerr != nil {
			return rerr
		}
		if rec == nil {
			// The lock vanished between the create attempt and the read.
			continue
		}
		if rec.Holder == holder {
			return nil
		}
		if !pidAlive(rec.PID) {
			b.log.Warn().Str("holder", rec.Holder).Int("pid", rec.PID).Msg("Reclaiming stale enforced state lock")
			if err := os.Remove(b.lockPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to reclaim stale lock: %w", err)
			}
			continue
		}
		return fmt.Errorf("enforced state scope %s is locked by %s in process %d", b.scope, rec.Holder, rec.PID)
	}
	return fmt.Errorf("enforced state scope %s is locked", b.scope)
}

// Unlock releases the lock when held by the given holder.
func (b *LocalBackend) Unlock(ctx context.Context, holder string) error {
	rec, err := b.readLock()
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if rec.Holder != "" && rec.Holder != holder {
		return fmt.Errorf("enforced state scope %s is locked by %s, not %s", b.scope, rec.Holder, holder)
	}
	if err := os.Remove(b.lockPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Break removes the lock file regardless of holder.
func (b *LocalBackend) Break(ctx context.Context) error {
	if err := os.Remove(b.lockPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Pull reads the scope's state file. A missing or empty file reads as
// empty state.
func (b *LocalBackend) Pull(ctx context.Context) (map[string]map[string]any, error) {
	data, err := os.ReadFile(b.statePath())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(data) == 0 {
		return map[string]map[string]any{}, nil
	}
	state := map[string]map[string]any{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state file %s: %w", b.statePath(), err)
	}
	return state, nil
}

// Push replaces the scope's state file through a rename so readers
// never observe a partial write.
func (b *LocalBackend) Push(ctx context.Context, state map[string]map[string]any) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	tmp := b.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, b.statePath()); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Close releases nothing; the backend holds no handles between calls.
func (b *LocalBackend) Close() error { return nil }

// readLock parses the lock file. Missing file means no lock; unreadable
// contents cannot name a live holder and come back as a dead record.
func (b *LocalBackend) readLock() (*lockRecord, error) {
	data, err := os.ReadFile(b.lockPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	rec := &lockRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		b.log.Error().Str("path", b.lockPath()).Msg("Invalid lock file contents")
		return &lockRecord{}, nil
	}
	return rec, nil
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
