package deploy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/jonboulle/clockwork"

	"github.com/fnforge/fnforge/pkg/stores"
)

const testFunctionID = "fn-1"

// fakeBuilds replays a scripted sequence of task statuses. The last status
// repeats once the script is exhausted.
type fakeBuilds struct {
	mu         sync.Mutex
	ticket     *BuildTicket
	triggerErr error
	statuses   []TaskStatus
	statusErr  error
	requests   []BuildRequest
	polls      int

	// latency is added to clock on every status call.
	clock   clockwork.FakeClock
	latency time.Duration
}

func newFakeBuilds(statuses ...TaskStatus) *fakeBuilds {
	return &fakeBuilds{
		ticket:   &BuildTicket{TaskID: "task-1", Status: "pending", Message: "queued"},
		statuses: statuses,
	}
}

func (f *fakeBuilds) BuildAndPush(ctx context.Context, req BuildRequest) (*BuildTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	return f.ticket, nil
}

func (f *fakeBuilds) TaskStatus(ctx context.Context, taskID, workspaceID string) (*TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.latency > 0 {
		f.clock.Advance(f.latency)
	}
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	i := f.polls - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	s := f.statuses[i]
	s.TaskID = taskID
	return &s, nil
}

func (f *fakeBuilds) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func nullString(s string) null.String { return null.StringFrom(s) }

func running() TaskStatus { return TaskStatus{Status: "running"} }
func pending() TaskStatus { return TaskStatus{Status: "pending"} }

func completed(image string) TaskStatus {
	return TaskStatus{Status: "completed", ImageRef: null.StringFrom(image)}
}

func failed(msg string) TaskStatus {
	return TaskStatus{Status: "failed", Error: null.StringFrom(msg)}
}

// fakeCluster answers deploy calls. When block is set it waits for the
// context to be cancelled.
type fakeCluster struct {
	mu       sync.Mutex
	resp     ClusterDeployment
	err      error
	block    bool
	requests []ClusterDeployRequest
	started  chan struct{}

	// returned runs after a successful deploy, before the response is handed back.
	returned func()
}

func newFakeCluster(endpoint string) *fakeCluster {
	return &fakeCluster{
		resp: ClusterDeployment{
			AppName:           "hello-7f3a",
			Namespace:         "default",
			ServiceName:       "hello-7f3a",
			ServiceStatus:     "Ready",
			Endpoint:          null.NewString(endpoint, endpoint != ""),
			EnableAutoscaling: true,
		},
		started: make(chan struct{}, 1),
	}
}

func (f *fakeCluster) Deploy(ctx context.Context, req ClusterDeployRequest) (*ClusterDeployment, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	block, resp, err, returned := f.block, f.resp, f.err, f.returned
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if returned != nil {
		returned()
	}
	return &resp, nil
}

// recordingStore wraps a MemoryStore and records every access.
type recordingStore struct {
	*stores.MemoryStore

	mu         sync.Mutex
	gets       int
	patches    []stores.Patch
	failStatus map[stores.Status]error
}

func (s *recordingStore) Get(ctx context.Context, id string) (*stores.FunctionRecord, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.MemoryStore.Get(ctx, id)
}

func (s *recordingStore) ApplyPatch(ctx context.Context, id string, patch stores.Patch) (*stores.FunctionRecord, error) {
	s.mu.Lock()
	s.patches = append(s.patches, patch)
	var err error
	if patch.Status != nil {
		err = s.failStatus[*patch.Status]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.ApplyPatch(ctx, id, patch)
}

// accesses returns the number of reads and writes seen so far.
func (s *recordingStore) accesses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets + len(s.patches)
}

func (s *recordingStore) statuses() []stores.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stores.Status
	for _, p := range s.patches {
		if p.Status != nil {
			out = append(out, *p.Status)
		}
	}
	return out
}

func (s *recordingStore) record(t *testing.T) *stores.FunctionRecord {
	t.Helper()
	rec, err := s.MemoryStore.Get(context.Background(), testFunctionID)
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	return rec
}

// fakeAdmission returns a fixed decision.
type fakeAdmission struct {
	decision AdmissionDecision
	err      error
	inputs   []AdmissionInput
}

func (f *fakeAdmission) Admit(ctx context.Context, input AdmissionInput) (*AdmissionDecision, error) {
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	d := f.decision
	return &d, nil
}

type testEnv struct {
	orch    *Orchestrator
	store   *recordingStore
	builds  *fakeBuilds
	cluster *fakeCluster
	clock   clockwork.FakeClock
}

func setupOrchestrator(t *testing.T, builds *fakeBuilds, cluster *fakeCluster, opts ...Option) *testEnv {
	t.Helper()

	mem := stores.NewMemoryStore(nil)
	err := mem.Create(context.Background(), &stores.FunctionRecord{
		ID:          testFunctionID,
		WorkspaceID: "ws-1",
		Name:        "hello",
		Runtime:     "Python 3.12",
		Memory:      256,
		Timeout:     30,
		HTTPMethods: []string{"GET"},
		SourceCode:  "def handler(event, context):\n    return 'ok'\n",
		Status:      stores.StatusActive,
	})
	if err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
	store := &recordingStore{MemoryStore: mem, failStatus: map[stores.Status]error{}}

	fc := clockwork.NewFakeClock()
	opts = append([]Option{WithClock(fc)}, opts...)
	orch, err := New(DefaultConfig(), builds, cluster, store, opts...)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}

	return &testEnv{orch: orch, store: store, builds: builds, cluster: cluster, clock: fc}
}

type result struct {
	endpoint string
	err      error
}

// deployAsync starts a deploy and returns a channel with its result.
func (e *testEnv) deployAsync(ctx context.Context, progress *Progress) <-chan result {
	done := make(chan result, 1)
	go func() {
		endpoint, err := e.orch.Deploy(ctx, Request{FunctionID: testFunctionID}, progress)
		done <- result{endpoint, err}
	}()
	return done
}

// advancePolls releases n poll waits on the fake clock.
func (e *testEnv) advancePolls(n int) {
	interval := e.orch.Config().PollInterval
	for i := 0; i < n; i++ {
		e.clock.BlockUntil(1)
		e.clock.Advance(interval)
	}
}

func asDeployError(t *testing.T, err error) *DeployError {
	t.Helper()
	var de *DeployError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeployError, got %T: %v", err, err)
	}
	return de
}
