package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writePolicy(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "a.rego"), "package a\n")
	writePolicy(t, filepath.Join(dir, "sub", "b.rego"), "package b\n")
	writePolicy(t, filepath.Join(dir, "notes.txt"), "not a policy")

	l := NewLoader(zerolog.Nop())
	policies, err := l.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
		if p.Builtin {
			t.Errorf("Policy %s loaded from disk marked builtin", p.Name)
		}
		if p.Source == "builtin" {
			t.Errorf("Policy %s has builtin source", p.Name)
		}
	}
	if !names["a"] || !names["b"] {
		t.Errorf("Expected policies a and b, got %v", names)
	}
}

func TestLoadFromPaths_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "solo.rego")
	writePolicy(t, path, "package solo\n")

	l := NewLoader(zerolog.Nop())
	policies, err := l.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}
	if policies[0].Name != "solo" {
		t.Errorf("Expected name solo, got %s", policies[0].Name)
	}
	if policies[0].Source != path {
		t.Errorf("Expected source %s, got %s", path, policies[0].Source)
	}
}

func TestLoadFromPaths_MissingPath(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	_, err := l.LoadFromPaths(context.Background(), []string{"/does/not/exist"})
	if err == nil {
		t.Fatal("Expected error for missing path, got nil")
	}
}

func TestWatch_FiresReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.rego")
	writePolicy(t, path, "package watched\n")

	l := NewLoader(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan struct{}, 4)
	err := l.Watch(ctx, []string{dir}, func() {
		reloads <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer func() { _ = l.StopWatching() }()

	// Give the watcher a moment to install before mutating the tree.
	time.Sleep(100 * time.Millisecond)
	writePolicy(t, path, "package watched\n\n# changed\n")

	select {
	case <-reloads:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected reload after policy change")
	}
}

func TestStopWatching_WithoutWatcher(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	if err := l.StopWatching(); err != nil {
		t.Errorf("Expected StopWatching without watcher to succeed, got %v", err)
	}
}
