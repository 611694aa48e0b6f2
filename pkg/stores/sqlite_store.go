package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore backs the Store interface with a single SQLite file, the
// default for CLI use where runs, events and state live on one machine.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config locates the database file and sizes its connection pool.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore validates cfg and fills pool defaults. The file is not
// touched until Init.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database. WAL mode lets the CLI and a watcher read the
// archive while a run is writing it.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// The DSN flag covers new connections; this covers the one Ping used.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close releases the connection pool.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate brings the schema up to date from the embedded migration files.
// A schema already at head is not an error.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// ArchiveRun writes one run snapshot and its chunk records. Re-archiving
// the same run name replaces the previous snapshot and records; the
// run's events are left untouched.
func (s *SQLiteStore) ArchiveRun(ctx context.Context, run *ArchivedRun, records []*RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO runs (name, status, status_name, test, acct_profile, run_num, errors, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status = excluded.status,
			status_name = excluded.status_name,
			test = excluded.test,
			acct_profile = excluded.acct_profile,
			run_num = excluded.run_num,
			errors = excluded.errors,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		run.Name,
		run.Status,
		run.StatusName,
		run.Test,
		run.AcctProfile,
		run.RunNum,
		run.Errors,
		run.StartedAt,
		run.CompletedAt,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_records WHERE run_name = ?`, run.Name); err != nil {
		return fmt.Errorf("failed to clear run records: %w", err)
	}

	recQuery := `
		INSERT INTO run_records (
			run_name, tag, name, decl_id, result, comment, changes,
			new_state, esm_tag, run_num, start_time, total_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, rec := range records {
		_, err := tx.ExecContext(ctx, recQuery,
			run.Name,
			rec.Tag,
			rec.Name,
			rec.DeclID,
			rec.Result,
			rec.Comment,
			rec.Changes,
			rec.NewState,
			rec.ESMTag,
			rec.RunNum,
			rec.StartTime,
			rec.TotalSeconds,
		)
		if err != nil {
			return fmt.Errorf("failed to archive run record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}

	return nil
}

// GetArchivedRun retrieves an archived run by name
func (s *SQLiteStore) GetArchivedRun(ctx context.Context, name string) (*ArchivedRun, error) {
	query := `
		SELECT name, status, status_name, test, acct_profile, run_num, errors, started_at, completed_at, created_at, updated_at
		FROM runs
		WHERE name = ?
	`

	run := &ArchivedRun{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&run.Name,
		&run.Status,
		&run.StatusName,
		&run.Test,
		&run.AcctProfile,
		&run.RunNum,
		&run.Errors,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListArchivedRuns lists archived runs newest first with pagination
func (s *SQLiteStore) ListArchivedRuns(ctx context.Context, limit, offset int) ([]*ArchivedRun, error) {
	query := `
		SELECT name, status, status_name, test, acct_profile, run_num, errors, started_at, completed_at, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC, name ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*ArchivedRun{}
	for rows.Next() {
		run := &ArchivedRun{}
		err := rows.Scan(
			&run.Name,
			&run.Status,
			&run.StatusName,
			&run.Test,
			&run.AcctProfile,
			&run.RunNum,
			&run.Errors,
			&run.StartedAt,
			&run.CompletedAt,
			&run.CreatedAt,
			&run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListRunRecords lists the chunk records of an archived run
func (s *SQLiteStore) ListRunRecords(ctx context.Context, runName string) ([]*RunRecord, error) {
	query := `
		SELECT run_name, tag, name, decl_id, result, comment, changes,
			   new_state, esm_tag, run_num, start_time, total_seconds
		FROM run_records
		WHERE run_name = ?
		ORDER BY start_time ASC, tag ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runName)
	if err != nil {
		return nil, fmt.Errorf("failed to list run records: %w", err)
	}
	defer rows.Close()

	records := []*RunRecord{}
	for rows.Next() {
		rec := &RunRecord{}
		err := rows.Scan(
			&rec.RunName,
			&rec.Tag,
			&rec.Name,
			&rec.DeclID,
			&rec.Result,
			&rec.Comment,
			&rec.Changes,
			&rec.NewState,
			&rec.ESMTag,
			&rec.RunNum,
			&rec.StartTime,
			&rec.TotalSeconds,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run records: %w", err)
	}

	return records, nil
}

// DeleteArchivedRun deletes an archived run, its records and its events
func (s *SQLiteStore) DeleteArchivedRun(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run not found: %s", name)
	}

	// Events carry no foreign key: they may arrive before the run row.
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE run_name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete run events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	return nil
}

// PruneArchive deletes all but the newest keep runs, along with their
// records and events. A keep of zero or less prunes nothing.
func (s *SQLiteStore) PruneArchive(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM runs WHERE name NOT IN (
			SELECT name FROM runs ORDER BY started_at DESC, name ASC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_events WHERE run_name NOT IN (SELECT name FROM runs)`); err != nil {
		return 0, fmt.Errorf("failed to prune run events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	return pruned, nil
}

// AppendRunEvent appends a new lifecycle event
func (s *SQLiteStore) AppendRunEvent(ctx context.Context, event *RunEvent) error {
	query := `
		INSERT INTO run_events (run_name, type, tag, data, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunName,
		event.Type,
		event.Tag,
		event.Data,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append run event: %w", err)
	}

	// Hand the assigned row ID back on the event
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListRunEvents lists the events of a run newest first with pagination
func (s *SQLiteStore) ListRunEvents(ctx context.Context, runName string, limit, offset int) ([]*RunEvent, error) {
	query := `
		SELECT id, run_name, type, tag, data, timestamp
		FROM run_events
		WHERE run_name = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runName, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	events := []*RunEvent{}
	for rows.Next() {
		event := &RunEvent{}
		err := rows.Scan(
			&event.ID,
			&event.RunName,
			&event.Type,
			&event.Tag,
			&event.Data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run events: %w", err)
	}

	return events, nil
}

// UpsertStateEntry inserts or updates one enforced state entry
func (s *SQLiteStore) UpsertStateEntry(ctx context.Context, entry *StateEntry) error {
	query := `
		INSERT INTO enforced_state (namespace, tag, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, tag) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.Namespace,
		entry.Tag,
		entry.Data,
		entry.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert state entry: %w", err)
	}

	return nil
}

// GetStateEntry retrieves one enforced state entry
func (s *SQLiteStore) GetStateEntry(ctx context.Context, namespace, tag string) (*StateEntry, error) {
	query := `
		SELECT namespace, tag, data, updated_at
		FROM enforced_state
		WHERE namespace = ? AND tag = ?
	`

	entry := &StateEntry{}
	err := s.db.QueryRowContext(ctx, query, namespace, tag).Scan(
		&entry.Namespace,
		&entry.Tag,
		&entry.Data,
		&entry.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("state entry not found: %s/%s", namespace, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state entry: %w", err)
	}

	return entry, nil
}

// ListStateEntries lists the enforced state entries of one namespace
func (s *SQLiteStore) ListStateEntries(ctx context.Context, namespace string) ([]*StateEntry, error) {
	query := `
		SELECT namespace, tag, data, updated_at
		FROM enforced_state
		WHERE namespace = ?
		ORDER BY tag ASC
	`

	rows, err := s.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list state entries: %w", err)
	}
	defer rows.Close()

	entries := []*StateEntry{}
	for rows.Next() {
		entry := &StateEntry{}
		err := rows.Scan(
			&entry.Namespace,
			&entry.Tag,
			&entry.Data,
			&entry.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state entries: %w", err)
	}

	return entries, nil
}

// DeleteStateEntry deletes one enforced state entry
func (s *SQLiteStore) DeleteStateEntry(ctx context.Context, namespace, tag string) error {
	query := `DELETE FROM enforced_state WHERE namespace = ? AND tag = ?`

	result, err := s.db.ExecContext(ctx, query, namespace, tag)
	if err != nil {
		return fmt.Errorf("failed to delete state entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("state entry not found: %s/%s", namespace, tag)
	}

	return nil
}

// ReplaceNamespace swaps the full contents of one state namespace. The
// entries map tags to their JSON documents.
func (s *SQLiteStore) ReplaceNamespace(ctx context.Context, namespace string, entries map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM enforced_state WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("failed to clear namespace: %w", err)
	}

	tags := make([]string, 0, len(entries))
	for tag := range entries {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	now := time.Now().UTC()
	query := `INSERT INTO enforced_state (namespace, tag, data, updated_at) VALUES (?, ?, ?, ?)`
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, query, namespace, tag, entries[tag], now); err != nil {
			return fmt.Errorf("failed to write state entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit namespace replace: %w", err)
	}

	return nil
}

// AcquireLock takes the named lock for a holder. Taking a lock already
// held by the same holder succeeds; any other holder is reported.
func (s *SQLiteStore) AcquireLock(ctx context.Context, name, holder string) error {
	query := `
		INSERT INTO locks (name, holder, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query, name, holder, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	lock, err := s.GetLock(ctx, name)
	if err != nil {
		return err
	}
	if lock == nil {
		return fmt.Errorf("lock %s is busy", name)
	}
	if lock.Holder == holder {
		return nil
	}

	return fmt.Errorf("lock %s is held by %s since %s", name, lock.Holder, lock.AcquiredAt.UTC().Format(time.RFC3339))
}

// ReleaseLock releases the named lock when held by the given holder
func (s *SQLiteStore) ReleaseLock(ctx context.Context, name, holder string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	lock, err := s.GetLock(ctx, name)
	if err != nil {
		return err
	}
	if lock == nil {
		return nil
	}

	return fmt.Errorf("lock %s is held by %s, not %s", name, lock.Holder, holder)
}

// BreakLock force-releases the named lock regardless of holder
func (s *SQLiteStore) BreakLock(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to break lock: %w", err)
	}
	return nil
}

// GetLock retrieves the named lock, or nil when it is not held
func (s *SQLiteStore) GetLock(ctx context.Context, name string) (*Lock, error) {
	query := `SELECT name, holder, acquired_at FROM locks WHERE name = ?`

	lock := &Lock{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&lock.Name,
		&lock.Holder,
		&lock.AcquiredAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	return lock, nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
