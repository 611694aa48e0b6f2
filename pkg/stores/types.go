package stores

import (
	"context"
	"time"
)

// ArchivedRun is one persisted run snapshot. The archive keeps the
// latest snapshot per run name so status queries work across processes.
type ArchivedRun struct {
	Name        string     `json:"name"`
	Status      int        `json:"status"`
	StatusName  string     `json:"status_name"`
	Test        bool       `json:"test"`
	AcctProfile string     `json:"acct_profile,omitempty"`
	RunNum      int        `json:"run_num"`
	Errors      string     `json:"errors"` // JSON array
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RunRecord is one chunk result inside an archived run.
type RunRecord struct {
	RunName      string  `json:"run_name"`
	Tag          string  `json:"tag"`
	Name         string  `json:"name"`
	DeclID       string  `json:"decl_id"`
	Result       *bool   `json:"result"`
	Comment      string  `json:"comment"`             // JSON array
	Changes      string  `json:"changes"`             // JSON object
	NewState     *string `json:"new_state,omitempty"` // JSON object
	ESMTag       string  `json:"esm_tag"`
	RunNum       int     `json:"run_num"`
	StartTime    string  `json:"start_time"`
	TotalSeconds float64 `json:"total_seconds"`
}

// RunEvent is one lifecycle event attached to a run. Events are
// append-only and survive run re-archives.
type RunEvent struct {
	ID        int64     `json:"id"`
	RunName   string    `json:"run_name"`
	Type      string    `json:"type"`
	Tag       *string   `json:"tag,omitempty"`
	Data      *string   `json:"data,omitempty"` // JSON object
	Timestamp time.Time `json:"timestamp"`
}

// StateEntry is one enforced state row. The namespace separates state
// domains (the run scope); the tag is the chunk's esm_tag.
type StateEntry struct {
	Namespace string    `json:"namespace"`
	Tag       string    `json:"tag"`
	Data      string    `json:"data"` // JSON object
	UpdatedAt time.Time `json:"updated_at"`
}

// Lock is an exclusive advisory lock row guarding a state namespace.
type Lock struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Store defines the persistence surface backing the run archive and the
// sqlite enforced state backend.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run archive operations
	ArchiveRun(ctx context.Context, run *ArchivedRun, records []*RunRecord) error
	GetArchivedRun(ctx context.Context, name string) (*ArchivedRun, error)
	ListArchivedRuns(ctx context.Context, limit, offset int) ([]*ArchivedRun, error)
	ListRunRecords(ctx context.Context, runName string) ([]*RunRecord, error)
	DeleteArchivedRun(ctx context.Context, name string) error
	PruneArchive(ctx context.Context, keep int) (int64, error)

	// Run event operations
	AppendRunEvent(ctx context.Context, event *RunEvent) error
	ListRunEvents(ctx context.Context, runName string, limit, offset int) ([]*RunEvent, error)

	// Enforced state operations
	UpsertStateEntry(ctx context.Context, entry *StateEntry) error
	GetStateEntry(ctx context.Context, namespace, tag string) (*StateEntry, error)
	ListStateEntries(ctx context.Context, namespace string) ([]*StateEntry, error)
	DeleteStateEntry(ctx context.Context, namespace, tag string) error
	ReplaceNamespace(ctx context.Context, namespace string, entries map[string]string) error

	// Lock operations
	AcquireLock(ctx context.Context, name, holder string) error
	ReleaseLock(ctx context.Context, name, holder string) error
	BreakLock(ctx context.Context, name string) error
	GetLock(ctx context.Context, name string) (*Lock, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
