package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/guregu/null/v6"
)

// TestMemoryStoreCRUD tests basic cache operations without a backing store
func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("fn-1", "ws-1", "zeta")); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}
	if err := store.Create(ctx, newTestRecord("fn-2", "ws-1", "alpha")); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}
	if err := store.Create(ctx, newTestRecord("fn-1", "ws-1", "dup")); err == nil {
		t.Error("expected error creating duplicate id")
	}

	got, err := store.Get(ctx, "fn-1")
	if err != nil {
		t.Fatalf("failed to get function: %v", err)
	}

	// Returned records are copies
	got.Name = "mutated"
	got.HTTPMethods[0] = "DELETE"
	again, _ := store.Get(ctx, "fn-1")
	if again.Name != "zeta" || again.HTTPMethods[0] != "GET" {
		t.Error("mutating a returned record changed the cache")
	}

	list, err := store.ListByWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "alpha" {
		t.Errorf("unexpected listing: %v", list)
	}

	if err := store.Delete(ctx, "fn-1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := store.Get(ctx, "fn-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestMemoryStoreConcurrentPatches tests that interleaved patches never drop fields
func TestMemoryStoreConcurrentPatches(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("fn-1", "ws-1", "hello")); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var p Patch
			if i%2 == 0 {
				p.EnvironmentVariables = Ptr(map[string]string{"N": fmt.Sprint(i)})
			} else {
				p.Status = Ptr(StatusBuilding)
			}
			if _, err := store.ApplyPatch(ctx, "fn-1", p); err != nil {
				t.Errorf("patch %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if _, err := store.ApplyPatch(ctx, "fn-1", Patch{Description: Ptr("final")}); err != nil {
		t.Fatalf("failed to patch: %v", err)
	}

	got, _ := store.Get(ctx, "fn-1")
	if got.Status != StatusBuilding {
		t.Errorf("expected status building, got %s", got.Status)
	}
	if got.EnvironmentVariables["N"] == "" {
		t.Error("environment patch was lost")
	}
	if got.Description != "final" || got.Name != "hello" {
		t.Errorf("unexpected record: %+v", got)
	}
	if len(store.locks.locks) != 0 {
		t.Errorf("expected per-id locks to be released, %d remain", len(store.locks.locks))
	}
}

// TestMemoryStoreWriteThrough tests that writes reach the backing store
func TestMemoryStoreWriteThrough(t *testing.T) {
	backing := setupTestStore(t)
	defer backing.Close()

	store := NewMemoryStore(backing)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("fn-1", "ws-1", "hello")); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}

	if _, err := store.ApplyPatch(ctx, "fn-1", Patch{
		Status:        Ptr(StatusActive),
		InvocationURL: Ptr(null.StringFrom("https://hello.fn.example.com")),
	}); err != nil {
		t.Fatalf("failed to patch: %v", err)
	}

	persisted, err := backing.Get(ctx, "fn-1")
	if err != nil {
		t.Fatalf("failed to read backing store: %v", err)
	}
	if persisted.InvocationURL.String != "https://hello.fn.example.com" {
		t.Errorf("patch did not reach backing store: %v", persisted.InvocationURL)
	}

	// A cold cache loads from the backing store
	store.Invalidate("fn-1")
	got, err := store.Get(ctx, "fn-1")
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.Name != "hello" {
		t.Errorf("unexpected reloaded record: %+v", got)
	}
}

// TestMemoryStoreHistory tests in-memory run history
func TestMemoryStoreHistory(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	if err := store.AppendEvent(ctx, &DeployEvent{RunID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown run, got %v", err)
	}

	if err := store.SaveRun(ctx, &DeployRun{ID: "run-1", FunctionID: "fn-1", Outcome: RunOutcomeRunning}); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}
	for _, stage := range []string{"preparing", "building"} {
		if err := store.AppendEvent(ctx, &DeployEvent{RunID: "run-1", Stage: stage}); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	runs, _ := store.ListRuns(ctx, "fn-1", 0)
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	events, _ := store.ListEvents(ctx, "run-1")
	if len(events) != 2 || events[0].Stage != "preparing" {
		t.Errorf("unexpected events: %v", events)
	}
}

// gatedStore pauses the first Get after it has read its snapshot.
type gatedStore struct {
	Store
	once  sync.Once
	taken chan struct{}
	gate  chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, id string) (*FunctionRecord, error) {
	rec, err := g.Store.Get(ctx, id)
	g.once.Do(func() {
		close(g.taken)
		<-g.gate
	})
	return rec, err
}

// TestMemoryStoreColdGetDoesNotOverwritePatch tests that a cache-miss load
// overlapping a status write never leaves the older snapshot cached
func TestMemoryStoreColdGetDoesNotOverwritePatch(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore(nil)
	rec := newTestRecord("fn-1", "ws-1", "hello")
	rec.Status = StatusBuilding
	if err := inner.Create(ctx, rec); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}

	backing := &gatedStore{Store: inner, taken: make(chan struct{}), gate: make(chan struct{})}
	store := NewMemoryStore(backing)

	getDone := make(chan error, 1)
	go func() {
		_, err := store.Get(ctx, "fn-1")
		getDone <- err
	}()
	<-backing.taken

	patchDone := make(chan error, 1)
	go func() {
		_, err := store.ApplyPatch(ctx, "fn-1", Patch{Status: Ptr(StatusActive)})
		patchDone <- err
	}()

	close(backing.gate)
	if err := <-getDone; err != nil {
		t.Fatalf("failed to get function: %v", err)
	}
	if err := <-patchDone; err != nil {
		t.Fatalf("failed to patch: %v", err)
	}

	persisted, _ := inner.Get(ctx, "fn-1")
	cached, err := store.Get(ctx, "fn-1")
	if err != nil {
		t.Fatalf("failed to get function: %v", err)
	}
	if persisted.Status != StatusActive || cached.Status != StatusActive {
		t.Errorf("backing status=%s cached status=%s, want active", persisted.Status, cached.Status)
	}
}

// staleListStore serves a fixed, older listing.
type staleListStore struct {
	Store
	listing []*FunctionRecord
}

func (s *staleListStore) ListByWorkspace(context.Context, string) ([]*FunctionRecord, error) {
	return s.listing, nil
}

// TestMemoryStoreListKeepsNewerCache tests that a stale listing neither
// replaces a fresher cached record nor populates the cache
func TestMemoryStoreListKeepsNewerCache(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore(nil)
	rec := newTestRecord("fn-1", "ws-1", "hello")
	rec.Status = StatusBuilding
	if err := inner.Create(ctx, rec); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}
	stale, _ := inner.Get(ctx, "fn-1")
	other := newTestRecord("fn-2", "ws-1", "other")
	other.LastModified = stale.LastModified

	backing := &staleListStore{Store: inner, listing: []*FunctionRecord{stale, other}}
	store := NewMemoryStore(backing)
	if _, err := store.Get(ctx, "fn-1"); err != nil {
		t.Fatalf("failed to warm cache: %v", err)
	}
	if _, err := store.ApplyPatch(ctx, "fn-1", Patch{Status: Ptr(StatusActive)}); err != nil {
		t.Fatalf("failed to patch: %v", err)
	}

	list, err := store.ListByWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(list) != 2 || list[0].Status != StatusActive {
		t.Errorf("expected cached active record first, got %+v", list)
	}

	store.mu.RLock()
	_, cachedOther := store.records["fn-2"]
	got := store.records["fn-1"].Status
	store.mu.RUnlock()
	if cachedOther {
		t.Error("listing should not populate the cache")
	}
	if got != StatusActive {
		t.Errorf("cached status = %s, want active", got)
	}
}
