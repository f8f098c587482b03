package history

import (
	"sync"
	"time"
)

// MemoryStore keeps histories in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*runLog
	limit  int
	closed bool
}

type runLog struct {
	next  int
	steps []Step
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLimit retains at most n steps per run, evicting the oldest.
// n <= 0 keeps everything.
func WithLimit(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.limit = n
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{runs: make(map[string]*runLog)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Append(step Step) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Step{}, ErrStoreClosed
	}

	log := s.runs[step.RunID]
	if log == nil {
		log = &runLog{}
		s.runs[step.RunID] = log
	}
	step.Index = log.next
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}
	log.next++
	log.steps = append(log.steps, step.Clone())
	if s.limit > 0 && len(log.steps) > s.limit {
		log.steps = append([]Step(nil), log.steps[len(log.steps)-s.limit:]...)
	}
	return step, nil
}

func (s *MemoryStore) List(runID string) ([]Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	log := s.runs[runID]
	if log == nil {
		return []Step{}, nil
	}
	out := make([]Step, len(log.steps))
	for i, st := range log.steps {
		out[i] = st.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Get(runID string, index int) (Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Step{}, ErrStoreClosed
	}
	log := s.runs[runID]
	if log == nil || len(log.steps) == 0 {
		return Step{}, ErrNotFound
	}
	pos := index - log.steps[0].Index
	if pos < 0 || pos >= len(log.steps) {
		return Step{}, ErrNotFound
	}
	return log.steps[pos].Clone(), nil
}

func (s *MemoryStore) Truncate(runID string, last int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	log := s.runs[runID]
	if log == nil {
		return nil
	}
	keep := log.steps[:0]
	for _, st := range log.steps {
		if st.Index <= last {
			keep = append(keep, st)
		}
	}
	log.steps = keep
	if last+1 < log.next {
		log.next = last + 1
	}
	if log.next < 0 {
		log.next = 0
	}
	return nil
}

func (s *MemoryStore) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.runs, runID)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.runs = nil
	return nil
}
