package stores

import (
	"context"
	"strings"
	"testing"
	"time"
)

// setupTestStore opens a migrated in-memory store
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// archivedRun builds a minimal finished run for tests
func archivedRun(name string, startedAt time.Time) *ArchivedRun {
	return &ArchivedRun{
		Name:       name,
		Status:     0,
		StatusName: "FINISHED",
		RunNum:     1,
		Errors:     `[]`,
		StartedAt:  startedAt,
		CreatedAt:  startedAt,
		UpdatedAt:  startedAt,
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Every table the migrations should have created
	tables := []string{"runs", "run_records", "run_events", "enforced_state", "locks"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestArchiveRun tests archiving and re-archiving a run
func TestArchiveRun(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	run := archivedRun("deploy", now)
	run.Status = 4
	run.StatusName = "RUNNING"
	run.AcctProfile = "prod"

	ok := true
	records := []*RunRecord{
		{
			Tag:          "test_|-web_|-web_|-present",
			Name:         "web",
			DeclID:       "web",
			Result:       &ok,
			Comment:      `["created"]`,
			Changes:      `{"size":"large"}`,
			ESMTag:       "test_|-web_|-web_|-",
			RunNum:       1,
			StartTime:    "2026-08-25T10:00:00",
			TotalSeconds: 0.42,
		},
		{
			Tag:     "test_|-db_|-db_|-present",
			Name:    "db",
			DeclID:  "db",
			Comment: `[]`,
			Changes: `{}`,
			ESMTag:  "test_|-db_|-db_|-",
			RunNum:  1,
		},
	}

	if err := store.ArchiveRun(ctx, run, records); err != nil {
		t.Fatalf("failed to archive run: %v", err)
	}

	retrieved, err := store.GetArchivedRun(ctx, "deploy")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.StatusName != "RUNNING" {
		t.Errorf("expected status RUNNING, got %s", retrieved.StatusName)
	}
	if retrieved.AcctProfile != "prod" {
		t.Errorf("expected acct profile prod, got %s", retrieved.AcctProfile)
	}
	if retrieved.CompletedAt != nil {
		t.Errorf("expected no completion time, got %v", retrieved.CompletedAt)
	}

	// Re-archive the finished snapshot with fewer records
	completed := now.Add(time.Second)
	run.Status = 0
	run.StatusName = "FINISHED"
	run.CompletedAt = &completed
	run.UpdatedAt = completed

	if err := store.ArchiveRun(ctx, run, records[:1]); err != nil {
		t.Fatalf("failed to re-archive run: %v", err)
	}

	retrieved, err = store.GetArchivedRun(ctx, "deploy")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.StatusName != "FINISHED" {
		t.Errorf("expected status FINISHED, got %s", retrieved.StatusName)
	}
	if retrieved.CompletedAt == nil {
		t.Error("expected a completion time after re-archive")
	}

	recs, err := store.ListRunRecords(ctx, "deploy")
	if err != nil {
		t.Fatalf("failed to list run records: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record after re-archive, got %d", len(recs))
	}
	if recs[0].Tag != "test_|-web_|-web_|-present" {
		t.Errorf("expected web record, got %s", recs[0].Tag)
	}
	if recs[0].Result == nil || !*recs[0].Result {
		t.Errorf("expected true result, got %v", recs[0].Result)
	}
	if recs[0].NewState != nil {
		t.Errorf("expected nil new state, got %v", recs[0].NewState)
	}
	if recs[0].TotalSeconds != 0.42 {
		t.Errorf("expected duration 0.42, got %v", recs[0].TotalSeconds)
	}
}

// TestGetArchivedRunNotFound tests the unknown run error
func TestGetArchivedRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	_, err := store.GetArchivedRun(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected an error for an unknown run")
	}
	if !strings.Contains(err.Error(), "run not found: ghost") {
		t.Errorf("expected not found error, got %v", err)
	}
}

// TestListArchivedRuns tests listing with ordering and pagination
func TestListArchivedRuns(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, name := range []string{"first", "second", "third"} {
		run := archivedRun(name, base.Add(time.Duration(i)*time.Minute))
		if err := store.ArchiveRun(ctx, run, nil); err != nil {
			t.Fatalf("failed to archive %s: %v", name, err)
		}
	}

	runs, err := store.ListArchivedRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].Name != "third" || runs[2].Name != "first" {
		t.Errorf("expected newest first ordering, got %s..%s", runs[0].Name, runs[2].Name)
	}

	page, err := store.ListArchivedRuns(ctx, 1, 1)
	if err != nil {
		t.Fatalf("failed to list page: %v", err)
	}
	if len(page) != 1 || page[0].Name != "second" {
		t.Errorf("expected second on page 2, got %v", page)
	}
}

// TestDeleteArchivedRun tests deleting a run with its records and events
func TestDeleteArchivedRun(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	run := archivedRun("doomed", now)
	records := []*RunRecord{{Tag: "t", Name: "n", DeclID: "n", Comment: `[]`, Changes: `{}`, RunNum: 1}}
	if err := store.ArchiveRun(ctx, run, records); err != nil {
		t.Fatalf("failed to archive run: %v", err)
	}
	event := &RunEvent{RunName: "doomed", Type: "run.finished", Timestamp: now}
	if err := store.AppendRunEvent(ctx, event); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	if err := store.DeleteArchivedRun(ctx, "doomed"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	if _, err := store.GetArchivedRun(ctx, "doomed"); err == nil {
		t.Error("expected run gone after delete")
	}
	recs, err := store.ListRunRecords(ctx, "doomed")
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected records cascade deleted, got %d", len(recs))
	}
	events, err := store.ListRunEvents(ctx, "doomed", 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected events deleted, got %d", len(events))
	}

	if err := store.DeleteArchivedRun(ctx, "doomed"); err == nil {
		t.Error("expected an error deleting an unknown run")
	}
}

// TestPruneArchive tests pruning old runs
func TestPruneArchive(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	names := []string{"a", "b", "c", "d", "e"}
	for i, name := range names {
		run := archivedRun(name, base.Add(time.Duration(i)*time.Minute))
		if err := store.ArchiveRun(ctx, run, nil); err != nil {
			t.Fatalf("failed to archive %s: %v", name, err)
		}
		event := &RunEvent{RunName: name, Type: "run.finished", Timestamp: run.StartedAt}
		if err := store.AppendRunEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	pruned, err := store.PruneArchive(ctx, 2)
	if err != nil {
		t.Fatalf("failed to prune archive: %v", err)
	}
	if pruned != 3 {
		t.Errorf("expected 3 pruned runs, got %d", pruned)
	}

	runs, err := store.ListArchivedRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].Name != "e" || runs[1].Name != "d" {
		t.Errorf("expected newest two kept, got %v", runs)
	}

	events, err := store.ListRunEvents(ctx, "a", 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected pruned run events deleted, got %d", len(events))
	}

	// Keep of zero prunes nothing
	pruned, err = store.PruneArchive(ctx, 0)
	if err != nil {
		t.Fatalf("failed to prune with zero keep: %v", err)
	}
	if pruned != 0 {
		t.Errorf("expected no pruning with zero keep, got %d", pruned)
	}
}

// TestRunEvents tests appending and listing run events
func TestRunEvents(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	tag := "test_|-web_|-web_|-present"
	data := `{"result":true}`
	events := []*RunEvent{
		{RunName: "deploy", Type: "run.created", Timestamp: base},
		{RunName: "deploy", Type: "chunk.result", Tag: &tag, Data: &data, Timestamp: base.Add(time.Second)},
		{RunName: "deploy", Type: "run.finished", Timestamp: base.Add(2 * time.Second)},
		{RunName: "other", Type: "run.created", Timestamp: base},
	}
	for _, event := range events {
		if err := store.AppendRunEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 {
			t.Error("expected an auto-generated event ID")
		}
	}

	listed, err := store.ListRunEvents(ctx, "deploy", 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 events, got %d", len(listed))
	}
	if listed[0].Type != "run.finished" {
		t.Errorf("expected newest event first, got %s", listed[0].Type)
	}
	if listed[1].Tag == nil || *listed[1].Tag != tag {
		t.Errorf("expected chunk tag preserved, got %v", listed[1].Tag)
	}
	if listed[1].Data == nil || *listed[1].Data != data {
		t.Errorf("expected event data preserved, got %v", listed[1].Data)
	}

	page, err := store.ListRunEvents(ctx, "deploy", 1, 2)
	if err != nil {
		t.Fatalf("failed to list page: %v", err)
	}
	if len(page) != 1 || page[0].Type != "run.created" {
		t.Errorf("expected oldest event on last page, got %v", page)
	}
}

// TestStateEntries tests enforced state CRUD
func TestStateEntries(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	entry := &StateEntry{
		Namespace: "default/cli",
		Tag:       "test_|-web_|-web_|-",
		Data:      `{"size":"small"}`,
		UpdatedAt: now,
	}
	if err := store.UpsertStateEntry(ctx, entry); err != nil {
		t.Fatalf("failed to upsert state entry: %v", err)
	}

	// Update via upsert
	entry.Data = `{"size":"large"}`
	entry.UpdatedAt = now.Add(time.Second)
	if err := store.UpsertStateEntry(ctx, entry); err != nil {
		t.Fatalf("failed to update state entry: %v", err)
	}

	retrieved, err := store.GetStateEntry(ctx, "default/cli", "test_|-web_|-web_|-")
	if err != nil {
		t.Fatalf("failed to get state entry: %v", err)
	}
	if retrieved.Data != `{"size":"large"}` {
		t.Errorf("expected updated data, got %s", retrieved.Data)
	}

	if _, err := store.GetStateEntry(ctx, "default/cli", "missing"); err == nil {
		t.Error("expected an error for a missing entry")
	}

	second := &StateEntry{
		Namespace: "default/cli",
		Tag:       "test_|-app_|-app_|-",
		Data:      `{}`,
		UpdatedAt: now,
	}
	if err := store.UpsertStateEntry(ctx, second); err != nil {
		t.Fatalf("failed to upsert second entry: %v", err)
	}

	entries, err := store.ListStateEntries(ctx, "default/cli")
	if err != nil {
		t.Fatalf("failed to list state entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Tag != "test_|-app_|-app_|-" {
		t.Errorf("expected tag ordering, got %s first", entries[0].Tag)
	}

	if err := store.DeleteStateEntry(ctx, "default/cli", "test_|-app_|-app_|-"); err != nil {
		t.Fatalf("failed to delete state entry: %v", err)
	}
	if err := store.DeleteStateEntry(ctx, "default/cli", "test_|-app_|-app_|-"); err == nil {
		t.Error("expected an error deleting a missing entry")
	}
}

// TestReplaceNamespace tests swapping a namespace's contents
func TestReplaceNamespace(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	seed := []*StateEntry{
		{Namespace: "default/cli", Tag: "old_a", Data: `{}`, UpdatedAt: now},
		{Namespace: "default/cli", Tag: "old_b", Data: `{}`, UpdatedAt: now},
		{Namespace: "prod/cli", Tag: "keep", Data: `{"kept":true}`, UpdatedAt: now},
	}
	for _, entry := range seed {
		if err := store.UpsertStateEntry(ctx, entry); err != nil {
			t.Fatalf("failed to seed entry: %v", err)
		}
	}

	replacement := map[string]string{
		"new_a": `{"v":1}`,
		"new_b": `{"v":2}`,
	}
	if err := store.ReplaceNamespace(ctx, "default/cli", replacement); err != nil {
		t.Fatalf("failed to replace namespace: %v", err)
	}

	entries, err := store.ListStateEntries(ctx, "default/cli")
	if err != nil {
		t.Fatalf("failed to list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 replaced entries, got %d", len(entries))
	}
	if entries[0].Tag != "new_a" || entries[1].Tag != "new_b" {
		t.Errorf("expected replacement entries, got %s, %s", entries[0].Tag, entries[1].Tag)
	}

	other, err := store.ListStateEntries(ctx, "prod/cli")
	if err != nil {
		t.Fatalf("failed to list other namespace: %v", err)
	}
	if len(other) != 1 || other[0].Tag != "keep" {
		t.Errorf("expected other namespace untouched, got %v", other)
	}
}

// TestLocks tests exclusive lock acquire, release and break
func TestLocks(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if err := store.AcquireLock(ctx, "default/cli", "run-1"); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	// Same holder re-acquires
	if err := store.AcquireLock(ctx, "default/cli", "run-1"); err != nil {
		t.Fatalf("failed to re-acquire lock: %v", err)
	}

	// Different holder is rejected
	err := store.AcquireLock(ctx, "default/cli", "run-2")
	if err == nil {
		t.Fatal("expected an error acquiring a held lock")
	}
	if !strings.Contains(err.Error(), "held by run-1") {
		t.Errorf("expected holder in error, got %v", err)
	}

	// Wrong holder cannot release
	if err := store.ReleaseLock(ctx, "default/cli", "run-2"); err == nil {
		t.Error("expected an error releasing with the wrong holder")
	}

	if err := store.ReleaseLock(ctx, "default/cli", "run-1"); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}

	// Releasing an absent lock is not an error
	if err := store.ReleaseLock(ctx, "default/cli", "run-1"); err != nil {
		t.Errorf("expected releasing an absent lock to succeed, got %v", err)
	}

	lock, err := store.GetLock(ctx, "default/cli")
	if err != nil {
		t.Fatalf("failed to get lock: %v", err)
	}
	if lock != nil {
		t.Errorf("expected no lock after release, got %v", lock)
	}

	// Break clears any holder
	if err := store.AcquireLock(ctx, "default/cli", "run-3"); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	if err := store.BreakLock(ctx, "default/cli"); err != nil {
		t.Fatalf("failed to break lock: %v", err)
	}
	lock, err = store.GetLock(ctx, "default/cli")
	if err != nil {
		t.Fatalf("failed to get lock: %v", err)
	}
	if lock != nil {
		t.Errorf("expected no lock after break, got %v", lock)
	}
}
