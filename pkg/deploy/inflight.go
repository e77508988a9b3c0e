package deploy

import (
	"context"
	"sync"
	"time"
)

// ActiveRun describes a run currently owning a function.
type ActiveRun struct {
	RunID      string    `json:"run_id"`
	FunctionID string    `json:"function_id"`
	Kind       RunKind   `json:"kind"`
	StartedAt  time.Time `json:"started_at"`
}

type inflightEntry struct {
	run    ActiveRun
	cancel context.CancelFunc
}

// inflight is the single-flight registry: at most one run per function id.
// A hold keeps runs out while a record edit is applied; it is not a run and
// never shows up in get or list.
type inflight struct {
	mu    sync.Mutex
	runs  map[string]inflightEntry
	holds map[string]bool
}

func newInflight() *inflight {
	return &inflight{runs: make(map[string]inflightEntry), holds: make(map[string]bool)}
}

// acquire registers run and reports false if the function already has one.
func (f *inflight) acquire(run ActiveRun, cancel context.CancelFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, busy := f.runs[run.FunctionID]; busy || f.holds[run.FunctionID] {
		return false
	}
	f.runs[run.FunctionID] = inflightEntry{run: run, cancel: cancel}
	return true
}

// hold claims functionID without a run. It reports false if a run or another
// hold owns it.
func (f *inflight) hold(functionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, busy := f.runs[functionID]; busy || f.holds[functionID] {
		return false
	}
	f.holds[functionID] = true
	return true
}

func (f *inflight) unhold(functionID string) {
	f.mu.Lock()
	delete(f.holds, functionID)
	f.mu.Unlock()
}

// release removes the entry if it still belongs to runID.
func (f *inflight) release(functionID, runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.runs[functionID]; ok && e.run.RunID == runID {
		delete(f.runs, functionID)
	}
}

func (f *inflight) cancel(functionID string) bool {
	f.mu.Lock()
	e, ok := f.runs[functionID]
	f.mu.Unlock()

	if !ok {
		return false
	}
	e.cancel()
	return true
}

func (f *inflight) get(functionID string) (ActiveRun, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.runs[functionID]
	return e.run, ok
}

func (f *inflight) list() []ActiveRun {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]ActiveRun, 0, len(f.runs))
	for _, e := range f.runs {
		out = append(out, e.run)
	}
	return out
}
