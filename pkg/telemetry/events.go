package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one deploy lifecycle notification. The API server streams these
// to websocket clients as JSON.
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	RunID       string                 `json:"run_id,omitempty"`
	FunctionID  string                 `json:"function_id,omitempty"`
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	Message     string                 `json:"message"`
	Level       string                 `json:"level"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypeRunStarted         = "deploy.started"
	EventTypeRunProgress        = "deploy.progress"
	EventTypeRunSucceeded       = "deploy.succeeded"
	EventTypeRunFailed          = "deploy.failed"
	EventTypeRunCancelled       = "deploy.cancelled"
	EventTypeRunEndpointPending = "deploy.endpoint_pending"
	EventTypeStatusChanged      = "function.status_changed"
	EventTypePolicyViolation    = "policy.violation"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// outcomeEvents maps a run outcome to its terminal event. Outcomes not
// listed are failures.
var outcomeEvents = map[string]struct{ typ, level string }{
	"succeeded":        {EventTypeRunSucceeded, EventLevelInfo},
	"cancelled":        {EventTypeRunCancelled, EventLevelWarning},
	"endpoint_pending": {EventTypeRunEndpointPending, EventLevelWarning},
}

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// EventSubscriber receives events in publish order on the delivery
// goroutine. It must not block.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants an event.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher queues events and delivers them to subscribers from a
// single goroutine. A nil or disabled publisher drops everything.
type EventPublisher struct {
	enabled bool
	queue   chan Event
	closed  chan struct{}
	done    chan struct{}
	once    sync.Once

	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
}

// NewEventPublisher starts the delivery goroutine when events are enabled.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{}, nil
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultConfig().Events.BufferSize
	}

	ep := &EventPublisher{
		enabled: true,
		queue:   make(chan Event, size),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[uint64]subscription),
	}
	go ep.run()
	return ep, nil
}

func (ep *EventPublisher) active() bool {
	return ep != nil && ep.enabled
}

// Publish enqueues event without blocking. It fails when the queue is full
// or the publisher has been shut down.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.active() {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-ep.closed:
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return errBufferFull
	}
}

func runEvent(typ, level, runID, functionID, message string, data map[string]interface{}) Event {
	return Event{
		Type:       typ,
		Source:     "orchestrator",
		RunID:      runID,
		FunctionID: functionID,
		Message:    message,
		Level:      level,
		Data:       data,
	}
}

// PublishRunStarted announces a deploy or resume run.
func (ep *EventPublisher) PublishRunStarted(runID, functionID, workspaceID, kind string) error {
	evt := runEvent(EventTypeRunStarted, EventLevelInfo, runID, functionID,
		fmt.Sprintf("%s run %s started for function %s", kind, runID, functionID),
		map[string]interface{}{"kind": kind})
	evt.WorkspaceID = workspaceID
	return ep.Publish(evt)
}

// PublishRunProgress reports one progress step; stage is added to data.
func (ep *EventPublisher) PublishRunProgress(runID, functionID, stage, message string, data map[string]interface{}) error {
	if data == nil {
		data = make(map[string]interface{}, 1)
	}
	data["stage"] = stage
	return ep.Publish(runEvent(EventTypeRunProgress, EventLevelInfo, runID, functionID, message, data))
}

// PublishRunFinished emits the terminal event for outcome.
func (ep *EventPublisher) PublishRunFinished(runID, functionID, outcome string, duration time.Duration, err error) error {
	kind, ok := outcomeEvents[outcome]
	if !ok {
		kind.typ, kind.level = EventTypeRunFailed, EventLevelError
	}

	data := map[string]interface{}{"outcome": outcome, "duration": duration.Seconds()}
	msg := fmt.Sprintf("Run %s finished: %s", runID, outcome)
	if err != nil {
		data["error"] = err.Error()
		msg += ": " + err.Error()
	}
	return ep.Publish(runEvent(kind.typ, kind.level, runID, functionID, msg, data))
}

func (ep *EventPublisher) PublishStatusChanged(functionID, oldStatus, newStatus string) error {
	return ep.Publish(runEvent(EventTypeStatusChanged, EventLevelInfo, "", functionID,
		fmt.Sprintf("Function %s status %s -> %s", functionID, oldStatus, newStatus),
		map[string]interface{}{"old_status": oldStatus, "new_status": newStatus}))
}

// PublishPolicyViolation reports an admission denial.
func (ep *EventPublisher) PublishPolicyViolation(functionID, policyName, reason string) error {
	evt := runEvent(EventTypePolicyViolation, EventLevelError, "", functionID,
		fmt.Sprintf("Deploy of %s denied by %s: %s", functionID, policyName, reason),
		map[string]interface{}{"policy": policyName, "reason": reason})
	evt.Source = "policy"
	return ep.Publish(evt)
}

// Subscribe registers fn, optionally behind filter, and returns a function
// that removes it.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) func() {
	if !ep.active() {
		return func() {}
	}

	ep.mu.Lock()
	ep.nextID++
	id := ep.nextID
	ep.subs[id] = subscription{fn: fn, filter: filter}
	ep.mu.Unlock()

	return func() {
		ep.mu.Lock()
		delete(ep.subs, id)
		ep.mu.Unlock()
	}
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	for {
		select {
		case evt := <-ep.queue:
			ep.deliver(evt)
		case <-ep.closed:
			// Flush what was queued before shutdown.
			for {
				select {
				case evt := <-ep.queue:
					ep.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(evt Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(evt) {
			s.fn(evt)
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered, or for ctx to expire.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.active() {
		return nil
	}
	ep.once.Do(func() { close(ep.closed) })

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(e Event) bool { return levelRank[e.Level] >= floor }
}

func FilterByType(types ...string) EventFilter {
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := want[e.Type]
		return ok
	}
}

func FilterByRunID(runID string) EventFilter {
	return func(e Event) bool { return e.RunID == runID }
}

func FilterByFunctionID(functionID string) EventFilter {
	return func(e Event) bool { return e.FunctionID == functionID }
}

// FilterByWorkspaceID passes events for workspaceID and events that carry
// no workspace.
func FilterByWorkspaceID(workspaceID string) EventFilter {
	return func(e Event) bool { return e.WorkspaceID == "" || e.WorkspaceID == workspaceID }
}
