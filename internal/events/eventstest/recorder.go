// Package eventstest provides an in-memory publisher for tests
package eventstest

import (
	"context"
	"sync"

	"github.com/liamashdown/claimwatch/internal/events"
)

// Recorder keeps every published event. Set Err to make Publish fail.
type Recorder struct {
	mu     sync.Mutex
	events []*events.Event
	Err    error
}

func (r *Recorder) Name() string { return "recorder" }

// Publish records the event, or returns Err without recording it
func (r *Recorder) Publish(ctx context.Context, event *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

// SetErr changes the failure returned by Publish
func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*events.Event(nil), r.events...)
}

// OfType returns the recorded events of one type
func (r *Recorder) OfType(t events.Type) []*events.Event {
	var out []*events.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
