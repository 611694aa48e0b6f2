package esm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newLocalTestBackend(t *testing.T) (*LocalBackend, string) {
	t.Helper()
	dir := t.TempDir()
	backend, err := NewLocalBackend(LocalConfig{Log: zerolog.Nop(), Dir: dir, Scope: "cli"})
	if err != nil {
		t.Fatalf("failed to create local backend: %v", err)
	}
	return backend, dir
}

func TestLocalBackend_LockCycle(t *testing.T) {
	backend, _ := newLocalTestBackend(t)
	ctx := context.Background()

	if err := backend.Lock(ctx, "run-1"); err != nil {
		t.Fatalf("failed to lock: %v", err)
	}

	// Same holder re-acquires
	if err := backend.Lock(ctx, "run-1"); err != nil {
		t.Fatalf("failed to re-acquire: %v", err)
	}

	// Different holder is rejected while the process lives
	err := backend.Lock(ctx, "run-2")
	if err == nil {
		t.Fatal("expected an error locking a held scope")
	}
	if !strings.Contains(err.Error(), "locked by run-1") {
		t.Errorf("expected the holder in the error, got %v", err)
	}

	// Wrong holder cannot release
	if err := backend.Unlock(ctx, "run-2"); err == nil {
		t.Error("expected an error releasing with the wrong holder")
	}

	if err := backend.Unlock(ctx, "run-1"); err != nil {
		t.Fatalf("failed to unlock: %v", err)
	}

	// Releasing an absent lock is not an error
	if err := backend.Unlock(ctx, "run-1"); err != nil {
		t.Errorf("expected releasing an absent lock to succeed, got %v", err)
	}

	if err := backend.Lock(ctx, "run-2"); err != nil {
		t.Fatalf("failed to lock after release: %v", err)
	}
}

func TestLocalBackend_StaleLockReclaimed(t *testing.T) {
	backend, dir := newLocalTestBackend(t)
	ctx := context.Background()

	lockFile := filepath.Join(dir, "cli.lock")
	if err := os.WriteFile(lockFile, []byte(`{"holder":"dead-run","pid":999999999}`), 0o644); err != nil {
		t.Fatalf("failed to write stale lock: %v", err)
	}

	if err := backend.Lock(ctx, "run-1"); err != nil {
		t.Fatalf("expected the stale lock reclaimed, got %v", err)
	}
}

func TestLocalBackend_InvalidLockReclaimed(t *testing.T) {
	backend, dir := newLocalTestBackend(t)
	ctx := context.Background()

	lockFile := filepath.Join(dir, "cli.lock")
	if err := os.WriteFile(lockFile, []byte("not json"), 0o644); err != nil {
		t.Fatalf("failed to write invalid lock: %v", err)
	}

	if err := backend.Lock(ctx, "run-1"); err != nil {
		t.Fatalf("expected the invalid lock reclaimed, got %v", err)
	}
}

func TestLocalBackend_Break(t *testing.T) {
	backend, _ := newLocalTestBackend(t)
	ctx := context.Background()

	if err := backend.Lock(ctx, "run-1"); err != nil {
		t.Fatalf("failed to lock: %v", err)
	}
	if err := backend.Break(ctx); err != nil {
		t.Fatalf("failed to break: %v", err)
	}
	if err := backend.Lock(ctx, "run-2"); err != nil {
		t.Fatalf("failed to lock after break: %v", err)
	}
	if err := backend.Break(ctx); err != nil {
		t.Fatalf("failed to break again: %v", err)
	}

	// Breaking an absent lock is not an error
	if err := backend.Break(ctx); err != nil {
		t.Errorf("expected breaking an absent lock to succeed, got %v", err)
	}
}

func TestLocalBackend_PushPull(t *testing.T) {
	backend, dir := newLocalTestBackend(t)
	ctx := context.Background()

	state, err := backend.Pull(ctx)
	if err != nil {
		t.Fatalf("failed to pull fresh state: %v", err)
	}
	if state == nil || len(state) != 0 {
		t.Fatalf("expected empty fresh state, got %v", state)
	}

	state[MetadataKey] = map[string]any{"version": []any{1, 0, 0}}
	state["test_|-web_|-web_|-"] = map[string]any{"name": "web", "size": "large"}
	if err := backend.Push(ctx, state); err != nil {
		t.Fatalf("failed to push: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "cli.json")); err != nil {
		t.Errorf("expected the state file written: %v", err)
	}

	pulled, err := backend.Pull(ctx)
	if err != nil {
		t.Fatalf("failed to pull: %v", err)
	}
	if pulled["test_|-web_|-web_|-"]["name"] != "web" {
		t.Errorf("expected the entry round-tripped, got %v", pulled)
	}
	if pulled[MetadataKey] == nil {
		t.Error("expected the metadata round-tripped")
	}

	// Replacement drops entries absent from the new state
	delete(state, "test_|-web_|-web_|-")
	if err := backend.Push(ctx, state); err != nil {
		t.Fatalf("failed to push replacement: %v", err)
	}
	pulled, err = backend.Pull(ctx)
	if err != nil {
		t.Fatalf("failed to pull replacement: %v", err)
	}
	if _, ok := pulled["test_|-web_|-web_|-"]; ok {
		t.Error("expected the entry dropped by the replacement")
	}
}
