package esm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/rs/zerolog"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig locates the PostgreSQL backend.
type PostgresConfig struct {
	Log zerolog.Logger

	// DSN is the connection string.
	DSN string

	// Table holds the state rows. Created when missing.
	Table string

	// Scope names the state domain within the table.
	Scope string
}

// PostgresBackend keeps enforced state in a PostgreSQL table and
// serializes runs with a session scoped advisory lock. The lock dies
// with its session, so a crashed run cannot leave the scope locked.
type PostgresBackend struct {
	log   zerolog.Logger
	db    *sql.DB
	table string
	scope string

	mu     sync.Mutex
	conn   *sql.Conn // session holding the advisory lock
	holder string
}

// NewPostgresBackend connects, ensures the state table and returns the
// backend.
func NewPostgresBackend(ctx context.Context, cfg PostgresConfig) (*PostgresBackend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "halite_esm"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %s", table)
	}
	scope := cfg.Scope
	if scope == "" {
		scope = "cli"
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			scope TEXT NOT NULL,
			tag TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (scope, tag)
		)
	`, table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure state table: %w", err)
	}

	return &PostgresBackend{
		log:   cfg.Log.With().Str("component", "esm.postgres").Logger(),
		db:    db,
		table: table,
		scope: scope,
	}, nil
}

// Scope identifies the state domain the backend serves.
func (b *PostgresBackend) Scope() string { return b.scope }

// Lock takes the scope's advisory lock on a dedicated session.
func (b *PostgresBackend) Lock(ctx context.Context, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		if b.holder == holder {
			return nil
		}
		return fmt.Errorf("enforced state scope %s is locked by %s", b.scope, b.holder)
	}

	conn, err := b.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to open lock session: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, b.lockKey()).Scan(&acquired); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return fmt.Errorf("enforced state scope %s is locked by another session", b.scope)
	}

	b.conn = conn
	b.holder = holder
	return nil
}

// Unlock releases the advisory lock and its session.
func (b *PostgresBackend) Unlock(ctx context.Context, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}
	if b.holder != holder {
		return fmt.Errorf("enforced state scope %s is locked by %s, not %s", b.scope, b.holder, holder)
	}

	var released bool
	err := b.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, b.lockKey()).Scan(&released)
	cerr := b.conn.Close()
	b.conn = nil
	b.holder = ""
	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if !released {
		b.log.Warn().Msg("Advisory lock was not held at release")
	}
	if cerr != nil {
		return fmt.Errorf("failed to close lock session: %w", cerr)
	}
	return nil
}

// Break closes this process's lock session when one exists. Sessions of
// other processes release their locks on disconnect and cannot be
// broken from here.
func (b *PostgresBackend) Break(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	b.holder = ""
	if err != nil {
		return fmt.Errorf("failed to close lock session: %w", err)
	}
	return nil
}

// Pull reads every state row in the scope.
func (b *PostgresBackend) Pull(ctx context.Context) (map[string]map[string]any, error) {
	query := fmt.Sprintf(`SELECT tag, data FROM %s WHERE scope = $1`, b.table)
	rows, err := b.db.QueryContext(ctx, query, b.scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list state rows: %w", err)
	}
	defer rows.Close()

	state := map[string]map[string]any{}
	for rows.Next() {
		var tag string
		var data []byte
		if err := rows.Scan(&tag, &data); err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		value := map[string]any{}
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("failed to decode state entry %s: %w", tag, err)
		}
		state[tag] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state rows: %w", err)
	}
	return state, nil
}

// Push replaces the scope's rows with the given state.
func (b *PostgresBackend) Push(ctx context.Context, state map[string]map[string]any) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE scope = $1`, b.table), b.scope); err != nil {
		return fmt.Errorf("failed to clear scope: %w", err)
	}

	tags := make([]string, 0, len(state))
	for tag := range state {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	insert := fmt.Sprintf(`INSERT INTO %s (scope, tag, data, updated_at) VALUES ($1, $2, $3, $4)`, b.table)
	now := time.Now().UTC()
	for _, tag := range tags {
		data, err := json.Marshal(state[tag])
		if err != nil {
			return fmt.Errorf("failed to encode state entry %s: %w", tag, err)
		}
		if _, err := tx.ExecContext(ctx, insert, b.scope, tag, data, now); err != nil {
			return fmt.Errorf("failed to insert state entry %s: %w", tag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

// Close releases the lock session, when held, and the pool.
func (b *PostgresBackend) Close() error {
	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
		b.holder = ""
	}
	b.mu.Unlock()
	return b.db.Close()
}

// lockKey derives the advisory lock key for the scope.
func (b *PostgresBackend) lockKey() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("halite/esm/" + b.scope))
	return int64(h.Sum64())
}
