package event

import (
	"context"
	"sync"
)

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

func (r *Recorder) Emit(_ context.Context, evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of the given types.
func (r *Recorder) OfType(types ...Type) []Event {
	f := Filter{Types: types}
	var out []Event
	for _, evt := range r.Events() {
		if f.Match(evt) {
			out = append(out, evt)
		}
	}
	return out
}

// ForNode returns recorded events of typ emitted by nodeID.
func (r *Recorder) ForNode(nodeID string, typ Type) []Event {
	var out []Event
	for _, evt := range r.OfType(typ) {
		if evt.NodeID == nodeID {
			out = append(out, evt)
		}
	}
	return out
}

// WaitFor blocks until an event satisfying match has been recorded or ctx
// is done.
func (r *Recorder) WaitFor(ctx context.Context, match func(Event) bool) (Event, error) {
	seen := 0
	for {
		r.mu.Lock()
		for ; seen < len(r.events); seen++ {
			if match(r.events[seen]) {
				evt := r.events[seen]
				r.mu.Unlock()
				return evt, nil
			}
		}
		ch := r.notify
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
