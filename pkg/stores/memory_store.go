package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory cache of function records.
//
// Writes to the same record id are serialized by a per-id mutex so that a user
// edit and a deployment status write never drop each other's fields. When a
// backing store is configured every write goes through it first and the cache
// is refreshed from the merged result.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*FunctionRecord
	locks   *keyedMutex
	backing Store
	now     func() time.Time

	historyMu sync.Mutex
	runs      map[string]*DeployRun
	events    map[string][]*DeployEvent
	nextEvent int64
}

// NewMemoryStore creates a memory store. backing may be nil.
func NewMemoryStore(backing Store) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*FunctionRecord),
		locks:   newKeyedMutex(),
		backing: backing,
		now:     time.Now,
		runs:    make(map[string]*DeployRun),
		events:  make(map[string][]*DeployEvent),
	}
}

// Get returns a copy of the record, loading it from the backing store on a miss.
func (m *MemoryStore) Get(ctx context.Context, id string) (*FunctionRecord, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if ok {
		return rec.Clone(), nil
	}

	if m.backing == nil {
		return nil, fmt.Errorf("function %s: %w", id, ErrNotFound)
	}

	// Loading under the id lock keeps a concurrent ApplyPatch from being
	// overwritten by this older snapshot.
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	rec, ok = m.records[id]
	m.mu.RUnlock()
	if ok {
		return rec.Clone(), nil
	}

	loaded, err := m.backing.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.put(loaded)
	return loaded.Clone(), nil
}

// ListByWorkspace returns the records of a workspace ordered by name.
func (m *MemoryStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*FunctionRecord, error) {
	if m.backing != nil {
		loaded, err := m.backing.ListByWorkspace(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		out := make([]*FunctionRecord, 0, len(loaded))
		for _, rec := range loaded {
			out = append(out, m.newest(rec))
		}
		return out, nil
	}

	m.mu.RLock()
	out := []*FunctionRecord{}
	for _, rec := range m.records {
		if rec.WorkspaceID == workspaceID {
			out = append(out, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ApplyPatch merges patch into the record identified by id.
func (m *MemoryStore) ApplyPatch(ctx context.Context, id string, patch Patch) (*FunctionRecord, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	if m.backing != nil {
		updated, err := m.backing.ApplyPatch(ctx, id, patch)
		if err != nil {
			return nil, err
		}
		m.put(updated)
		return updated.Clone(), nil
	}

	m.mu.RLock()
	current, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("function %s: %w", id, ErrNotFound)
	}

	next := current.Clone()
	patch.Apply(next, m.now())
	m.put(next)
	return next.Clone(), nil
}

// Create inserts a new record.
func (m *MemoryStore) Create(ctx context.Context, rec *FunctionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("function id is required")
	}

	unlock := m.locks.Lock(rec.ID)
	defer unlock()

	m.mu.RLock()
	_, exists := m.records[rec.ID]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("function already exists: %s", rec.ID)
	}

	prepareNew(rec, m.now())
	if err := rec.Status.Validate(); err != nil {
		return err
	}

	if m.backing != nil {
		if err := m.backing.Create(ctx, rec); err != nil {
			return err
		}
	}
	m.put(rec)
	return nil
}

// Delete removes a record.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	if m.backing != nil {
		if err := m.backing.Delete(ctx, id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok && m.backing == nil {
		return fmt.Errorf("function %s: %w", id, ErrNotFound)
	}
	delete(m.records, id)
	return nil
}

// Invalidate drops a cached record so the next Get reloads it.
func (m *MemoryStore) Invalidate(id string) {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
}

// newest returns a copy of whichever is more recent: a listed snapshot or
// the cached record. The listing was read without the id lock, so it only
// replaces a cached entry that is strictly older and never adds one.
func (m *MemoryStore) newest(listed *FunctionRecord) *FunctionRecord {
	unlock := m.locks.Lock(listed.ID)
	defer unlock()

	m.mu.RLock()
	cached, ok := m.records[listed.ID]
	m.mu.RUnlock()
	if ok && !cached.LastModified.Before(listed.LastModified) {
		return cached.Clone()
	}
	if ok {
		m.put(listed)
	}
	return listed.Clone()
}

func (m *MemoryStore) put(rec *FunctionRecord) {
	m.mu.Lock()
	m.records[rec.ID] = rec.Clone()
	m.mu.Unlock()
}

// SaveRun inserts or replaces a deploy run.
func (m *MemoryStore) SaveRun(_ context.Context, run *DeployRun) error {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	c := *run
	m.runs[run.ID] = &c
	return nil
}

// AppendEvent appends a progress event to its run.
func (m *MemoryStore) AppendEvent(_ context.Context, event *DeployEvent) error {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	if _, ok := m.runs[event.RunID]; !ok {
		return fmt.Errorf("deploy run %s: %w", event.RunID, ErrNotFound)
	}
	m.nextEvent++
	event.ID = m.nextEvent
	c := *event
	m.events[event.RunID] = append(m.events[event.RunID], &c)
	return nil
}

// ListRuns returns the most recent runs of a function, newest first.
func (m *MemoryStore) ListRuns(_ context.Context, functionID string, limit int) ([]*DeployRun, error) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	out := []*DeployRun{}
	for _, run := range m.runs {
		if run.FunctionID == functionID {
			c := *run
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListEvents returns the events of a run in insertion order.
func (m *MemoryStore) ListEvents(_ context.Context, runID string) ([]*DeployEvent, error) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	out := make([]*DeployEvent, 0, len(m.events[runID]))
	for _, ev := range m.events[runID] {
		c := *ev
		out = append(out, &c)
	}
	return out, nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
