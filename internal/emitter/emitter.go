package emitter

import (
	"errors"
	"sync"
	"time"
)

// Kind is the type of an acquisition status event.
type Kind string

const (
	KindArmed     Kind = "armed"     // cameras armed in the worker
	KindTriggered Kind = "triggered" // trigger generator acknowledged start
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindTruncated Kind = "truncated" // fewer frame pairs than requested
	KindFailed    Kind = "failed"    // setup error, nothing captured
)

// Event is one status update of an acquisition session.
type Event struct {
	Session   string    `json:"session"`
	Kind      Kind      `json:"kind"`
	Frames    int       `json:"frames"`
	Requested int       `json:"requested"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher receives status events. Publish must not block for long.
type Publisher interface {
	Publish(ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) error { return nil }

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Publisher.
type Func func(Event) error

func (f Func) Publish(ev Event) error { return f(ev) }

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}
