package telemetry

import (
	"context"
	"testing"
	"time"
)

// TestEventPublisherOrdering tests that subscribers see events in publish order
func TestEventPublisherOrdering(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 128})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	got := make(chan string, 100)
	ep.Subscribe(func(e Event) { got <- e.Message }, nil)

	for i := 0; i < 100; i++ {
		if err := ep.Publish(Event{Type: EventTypeRunProgress, Message: string(rune('A' + i%26))}); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}
	}

	for i := 0; i < 100; i++ {
		select {
		case msg := <-got:
			if want := string(rune('A' + i%26)); msg != want {
				t.Fatalf("event %d out of order: got %s want %s", i, msg, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("failed to shutdown: %v", err)
	}
}

// TestEventPublisherUnsubscribe tests subscriber removal
func TestEventPublisherUnsubscribe(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 8})
	defer ep.Shutdown(context.Background())

	got := make(chan Event, 8)
	unsubscribe := ep.Subscribe(func(e Event) { got <- e }, nil)
	unsubscribe()

	_ = ep.Publish(Event{Type: EventTypeRunStarted})
	_ = ep.Shutdown(context.Background())

	if len(got) != 0 {
		t.Errorf("expected no events after unsubscribe, got %d", len(got))
	}
}

// TestEventPublisherDisabled tests that nil and disabled publishers are no-ops
func TestEventPublisherDisabled(t *testing.T) {
	var nilPublisher *EventPublisher
	if err := nilPublisher.Publish(Event{}); err != nil {
		t.Errorf("nil publisher returned error: %v", err)
	}
	nilPublisher.Subscribe(func(Event) {}, nil)()

	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	if err := ep.Publish(Event{}); err != nil {
		t.Errorf("disabled publisher returned error: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("disabled publisher shutdown failed: %v", err)
	}
}

// TestFilters tests the common event filters
func TestFilters(t *testing.T) {
	e := Event{Type: EventTypeRunFailed, Level: EventLevelError, RunID: "r1", FunctionID: "f1"}

	if !FilterByLevel(EventLevelWarning)(e) {
		t.Error("error event should pass warning filter")
	}
	if FilterByLevel(EventLevelError)(Event{Level: EventLevelInfo}) {
		t.Error("info event should not pass error filter")
	}
	if !FilterByType(EventTypeRunFailed, EventTypeRunSucceeded)(e) {
		t.Error("type filter should match")
	}
	if FilterByRunID("r2")(e) {
		t.Error("run filter should not match")
	}
	if !FilterByFunctionID("f1")(e) {
		t.Error("function filter should match")
	}
	if !FilterByWorkspaceID("ws")(e) {
		t.Error("events without workspace should pass workspace filter")
	}
}
