package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v6"
)

// setupTestStore creates an in-memory SQLite store for testing
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

func newTestRecord(id, workspace, name string) *FunctionRecord {
	return &FunctionRecord{
		ID:          id,
		WorkspaceID: workspace,
		Name:        name,
		Runtime:     "Python 3.12",
		Memory:      256,
		Timeout:     30,
		HTTPMethods: []string{"GET", "POST"},
		EnvironmentVariables: map[string]string{
			"LOG_LEVEL": "info",
		},
		SourceCode: "def handler(event, context):\n    return {'ok': True}\n",
	}
}

// TestStoreLifecycle tests database initialization and closure
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

// TestNewSQLiteStoreRequiresPath tests configuration validation
func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tables := []string{"functions", "deploy_runs", "deploy_events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

// TestFunctionCRUD tests function record CRUD operations
func TestFunctionCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	rec := newTestRecord("fn-1", "ws-1", "hello")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}

	got, err := store.Get(ctx, "fn-1")
	if err != nil {
		t.Fatalf("failed to get function: %v", err)
	}

	if got.Name != "hello" {
		t.Errorf("expected name hello, got %s", got.Name)
	}
	if got.Status != StatusActive {
		t.Errorf("expected default status active, got %s", got.Status)
	}
	if len(got.HTTPMethods) != 2 || got.HTTPMethods[1] != "POST" {
		t.Errorf("unexpected http methods: %v", got.HTTPMethods)
	}
	if got.EnvironmentVariables["LOG_LEVEL"] != "info" {
		t.Errorf("unexpected environment variables: %v", got.EnvironmentVariables)
	}
	if got.InvocationURL.Valid {
		t.Errorf("expected null invocation url, got %s", got.InvocationURL.String)
	}
	if got.LastDeployed.Valid {
		t.Error("expected null last deployed")
	}

	if err := store.Create(ctx, newTestRecord("fn-2", "ws-1", "alpha")); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}
	if err := store.Create(ctx, newTestRecord("fn-3", "ws-2", "other")); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}

	list, err := store.ListByWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatalf("failed to list functions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 functions, got %d", len(list))
	}
	if list[0].Name != "alpha" || list[1].Name != "hello" {
		t.Errorf("expected functions ordered by name, got %s, %s", list[0].Name, list[1].Name)
	}

	if err := store.Delete(ctx, "fn-1"); err != nil {
		t.Fatalf("failed to delete function: %v", err)
	}

	if _, err := store.Get(ctx, "fn-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	if err := store.Delete(ctx, "fn-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

// TestApplyPatchMergesFields tests that a patch only touches the columns it carries
func TestApplyPatchMergesFields(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.Create(ctx, newTestRecord("fn-1", "ws-1", "hello")); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}

	// A user rename
	if _, err := store.ApplyPatch(ctx, "fn-1", Patch{Name: Ptr("renamed")}); err != nil {
		t.Fatalf("failed to rename: %v", err)
	}

	// A deployment status write
	deployedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	got, err := store.ApplyPatch(ctx, "fn-1", Patch{
		Status:        Ptr(StatusActive),
		InvocationURL: Ptr(null.StringFrom("https://hello.fn.example.com")),
		LastDeployed:  Ptr(null.TimeFrom(deployedAt)),
	})
	if err != nil {
		t.Fatalf("failed to apply status patch: %v", err)
	}

	if got.Name != "renamed" {
		t.Errorf("status patch dropped rename: name=%s", got.Name)
	}
	if got.InvocationURL.String != "https://hello.fn.example.com" {
		t.Errorf("unexpected invocation url: %v", got.InvocationURL)
	}
	if !got.LastDeployed.Valid || !got.LastDeployed.Time.Equal(deployedAt) {
		t.Errorf("unexpected last deployed: %v", got.LastDeployed)
	}
	if got.Memory != 256 {
		t.Errorf("untouched memory changed: %d", got.Memory)
	}

	// Clearing the endpoint on failure
	got, err = store.ApplyPatch(ctx, "fn-1", Patch{
		Status:        Ptr(StatusFailed),
		InvocationURL: Ptr(null.String{}),
	})
	if err != nil {
		t.Fatalf("failed to apply failure patch: %v", err)
	}
	if got.InvocationURL.Valid {
		t.Errorf("expected invocation url to be cleared, got %s", got.InvocationURL.String)
	}
	if !got.LastDeployed.Valid {
		t.Error("failure patch must not clear last deployed")
	}
}

// TestApplyPatchErrors tests patch validation and missing records
func TestApplyPatchErrors(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if _, err := store.ApplyPatch(ctx, "missing", Patch{Name: Ptr("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.Create(ctx, newTestRecord("fn-1", "ws-1", "hello")); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}

	bad := Status("exploded")
	if _, err := store.ApplyPatch(ctx, "fn-1", Patch{Status: &bad}); err == nil {
		t.Error("expected error for invalid status")
	}
	if _, err := store.ApplyPatch(ctx, "fn-1", Patch{Memory: Ptr(4096)}); err == nil {
		t.Error("expected error for memory out of range")
	}
}

// TestApplyPatchConcurrent tests that concurrent patches on different fields all survive
func TestApplyPatchConcurrent(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.Create(ctx, newTestRecord("fn-1", "ws-1", "hello")); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := store.ApplyPatch(ctx, "fn-1", Patch{Description: Ptr("edited by user")})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := store.ApplyPatch(ctx, "fn-1", Patch{Status: Ptr(StatusBuilding)})
		errs <- err
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent patch failed: %v", err)
		}
	}

	got, err := store.Get(ctx, "fn-1")
	if err != nil {
		t.Fatalf("failed to get function: %v", err)
	}
	if got.Description != "edited by user" || got.Status != StatusBuilding {
		t.Errorf("lost a concurrent write: description=%q status=%s", got.Description, got.Status)
	}
}

// TestDeployHistory tests deploy run and event persistence
func TestDeployHistory(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)

	run := &DeployRun{
		ID:          "run-1",
		FunctionID:  "fn-1",
		WorkspaceID: "ws-1",
		Kind:        "deploy",
		Outcome:     RunOutcomeRunning,
		StartedAt:   started,
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	for i, stage := range []string{"preparing", "building", "polling"} {
		ev := &DeployEvent{RunID: "run-1", Stage: stage, Message: stage, Attempt: i, CreatedAt: time.Now().UTC()}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if ev.ID == 0 {
			t.Error("expected event ID to be assigned")
		}
	}

	run.Outcome = RunOutcomeSucceeded
	run.TaskID = null.StringFrom("task-1")
	run.Endpoint = null.StringFrom("https://hello.fn.example.com")
	run.Attempts = 4
	run.CompletedAt = null.TimeFrom(time.Now().UTC())
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Outcome != RunOutcomeSucceeded || got.Attempts != 4 || got.TaskID.String != "task-1" {
		t.Errorf("unexpected run: %+v", got)
	}
	if !got.CompletedAt.Valid {
		t.Error("expected completed_at to be set")
	}

	runs, err := store.ListRuns(ctx, "fn-1", 10)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	events, err := store.ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Stage != "preparing" || events[2].Stage != "polling" {
		t.Errorf("events out of order: %s .. %s", events[0].Stage, events[2].Stage)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
