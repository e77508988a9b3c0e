package deploy

import (
	"context"
	"sync"
	"time"
)

// Event is one step of a run as seen by a progress consumer.
type Event struct {
	RunID      string    `json:"run_id"`
	FunctionID string    `json:"function_id"`
	State      State     `json:"state"`
	Message    string    `json:"message"`
	TaskID     string    `json:"task_id,omitempty"`
	Phase      Phase     `json:"phase,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Progress carries the events of a single run, in order, to one consumer.
// The orchestrator is the only producer and closes the channel when the run
// returns. A nil *Progress discards events.
type Progress struct {
	ch   chan Event
	once sync.Once
}

// NewProgress creates a progress reporter with the given buffer size.
func NewProgress(size int) *Progress {
	if size < 0 {
		size = 0
	}
	return &Progress{ch: make(chan Event, size)}
}

// Events returns the channel to range over. It is closed when the run ends.
func (p *Progress) Events() <-chan Event {
	return p.ch
}

// emit sends ev, blocking while the buffer is full until the consumer reads or
// ctx is done. Room in the buffer always wins over a done context so that the
// terminal event of a cancelled run is still delivered when possible.
func (p *Progress) emit(ctx context.Context, ev Event) error {
	if p == nil {
		return nil
	}
	select {
	case p.ch <- ev:
		return nil
	default:
	}
	select {
	case p.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Progress) close() {
	if p == nil {
		return
	}
	p.once.Do(func() { close(p.ch) })
}
