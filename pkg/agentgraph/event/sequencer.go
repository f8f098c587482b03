package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sequencer stamps events for one run with IDs and monotonically increasing
// steps, then forwards them. Step assignment and forwarding happen under one
// lock so delivery order matches step order.
type Sequencer struct {
	runID string
	out   Emitter
	now   func() time.Time

	mu   sync.Mutex
	step uint64
}

// NewSequencer creates a sequencer for runID. A nil emitter discards.
func NewSequencer(runID string, out Emitter) *Sequencer {
	if out == nil {
		out = Discard
	}
	return &Sequencer{runID: runID, out: out, now: time.Now}
}

// RunID returns the run the sequencer stamps.
func (s *Sequencer) RunID() string { return s.runID }

// Step returns the last assigned step.
func (s *Sequencer) Step() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Emit builds, stamps and forwards an event, returning it.
func (s *Sequencer) Emit(ctx context.Context, typ Type, nodeID string, data any) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step++
	evt := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		RunID:     s.runID,
		Step:      s.step,
		NodeID:    nodeID,
		Timestamp: s.now(),
		Data:      data,
	}
	s.out.Emit(ctx, evt)
	return evt
}
