// Package blackboard provides the shared key/value state of a run.
//
// A Blackboard is written only by the scheduler loop. Node executions receive
// a Snapshot taken at dispatch time, so a node never observes writes committed
// after it started.
package blackboard

import (
	"sort"
	"sync"
)

// View is the read-only interface handed to node executions.
type View interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (any, bool)
	// Keys returns all keys in sorted order.
	Keys() []string
	// Map returns a deep copy of the contents.
	Map() map[string]any
}

// Blackboard is the mutable state shared by every node of one run.
// It is safe for concurrent use; reads may happen from any goroutine.
type Blackboard struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates an empty blackboard.
func New() *Blackboard {
	return &Blackboard{data: make(map[string]any)}
}

// Get returns a deep copy of the value stored under key.
func (b *Blackboard) Get(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Set stores a deep copy of value under key. Last writer wins.
func (b *Blackboard) Set(key string, value any) {
	v := deepCopy(value)
	b.mu.Lock()
	b.data[key] = v
	b.mu.Unlock()
}

// SetAll stores every entry of values.
func (b *Blackboard) SetAll(values map[string]any) {
	if len(values) == 0 {
		return
	}
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = deepCopy(v)
	}
	b.mu.Lock()
	for k, v := range copied {
		b.data[k] = v
	}
	b.mu.Unlock()
}

// Keys returns all keys in sorted order.
func (b *Blackboard) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedKeys(b.data)
}

// Len returns the number of keys.
func (b *Blackboard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Map returns a deep copy of the contents.
func (b *Blackboard) Map() map[string]any {
	return b.Snapshot()
}

// Snapshot returns an immutable deep copy of the current contents.
func (b *Blackboard) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(Snapshot, len(b.data))
	for k, v := range b.data {
		out[k] = deepCopy(v)
	}
	return out
}

// Restore replaces the contents with a copy of snap.
// Used when replaying a run from a history step.
func (b *Blackboard) Restore(snap Snapshot) {
	data := make(map[string]any, len(snap))
	for k, v := range snap {
		data[k] = deepCopy(v)
	}
	b.mu.Lock()
	b.data = data
	b.mu.Unlock()
}

// Clear removes every key. Only called between runs.
func (b *Blackboard) Clear() {
	b.mu.Lock()
	b.data = make(map[string]any)
	b.mu.Unlock()
}

// Snapshot is a point-in-time copy of a blackboard.
// Values must be treated as read-only; Get returns copies to keep it that way.
type Snapshot map[string]any

// Compile-time interface checks.
var (
	_ View = (*Blackboard)(nil)
	_ View = Snapshot(nil)
)

// Get returns a deep copy of the value for key.
func (s Snapshot) Get(key string) (any, bool) {
	v, ok := s[key]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Keys returns all keys in sorted order.
func (s Snapshot) Keys() []string {
	return sortedKeys(s)
}

// Len returns the number of keys.
func (s Snapshot) Len() int { return len(s) }

// Map returns a deep copy of the snapshot as a plain map.
func (s Snapshot) Map() map[string]any {
	return map[string]any(s.Clone())
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = deepCopy(v)
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
