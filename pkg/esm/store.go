package esm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/halite-run/halite/pkg/stores"
)

// StoreConfig adapts the SQLite store to the backend contract.
type StoreConfig struct {
	Log zerolog.Logger

	// Store is the opened run archive store. It is shared with the
	// archive and closed by its owner.
	Store stores.Store

	// Scope names the state namespace within the store.
	Scope string
}

// StoreBackend keeps enforced state in the SQLite store, one row per
// tag, so history and managed state share a single database file.
type StoreBackend struct {
	log   zerolog.Logger
	store stores.Store
	scope string
}

// NewStoreBackend wires the backend over an initialized store.
func NewStoreBackend(cfg StoreConfig) (*StoreBackend, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	scope := cfg.Scope
	if scope == "" {
		scope = "cli"
	}
	return &StoreBackend{
		log:   cfg.Log.With().Str("component", "esm.store").Logger(),
		store: cfg.Store,
		scope: scope,
	}, nil
}

// Scope identifies the state domain the backend serves.
func (b *StoreBackend) Scope() string { return b.scope }

// Lock takes the scope's lock row.
func (b *StoreBackend) Lock(ctx context.Context, holder string) error {
	return b.store.AcquireLock(ctx, b.scope, holder)
}

// Unlock releases the scope's lock row.
func (b *StoreBackend) Unlock(ctx context.Context, holder string) error {
	return b.store.ReleaseLock(ctx, b.scope, holder)
}

// Break force-releases the scope's lock row.
func (b *StoreBackend) Break(ctx context.Context) error {
	return b.store.BreakLock(ctx, b.scope)
}

// Pull reads every state row in the scope.
func (b *StoreBackend) Pull(ctx context.Context) (map[string]map[string]any, error) {
	entries, err := b.store.ListStateEntries(ctx, b.scope)
	if err != nil {
		return nil, err
	}
	state := make(map[string]map[string]any, len(entries))
	for _, entry := range entries {
		value := map[string]any{}
		if err := json.Unmarshal([]byte(entry.Data), &value); err != nil {
			return nil, fmt.Errorf("failed to decode state entry %s: %w", entry.Tag, err)
		}
		state[entry.Tag] = value
	}
	return state, nil
}

// Push replaces the scope's rows with the given state.
func (b *StoreBackend) Push(ctx context.Context, state map[string]map[string]any) error {
	entries := make(map[string]string, len(state))
	for tag, value := range state {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode state entry %s: %w", tag, err)
		}
		entries[tag] = string(data)
	}
	return b.store.ReplaceNamespace(ctx, b.scope, entries)
}

// Close releases nothing; the store belongs to its opener.
func (b *StoreBackend) Close() error { return nil }
