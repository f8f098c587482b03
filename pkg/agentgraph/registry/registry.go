// Package registry provides a named, thread-safe lookup table used for LLM
// providers, scripts and tools.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned (wrapped in *NotFoundError) when a name is not registered.
var ErrNotFound = errors.New("not registered")

// NotFoundError names the missing entry and what is available instead.
type NotFoundError struct {
	Kind      string
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("%s %q not registered", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s %q not registered (available: %s)", e.Kind, e.Name, strings.Join(e.Available, ", "))
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Registry maps case-insensitive names to values.
type Registry[V any] struct {
	kind    string
	mu      sync.RWMutex
	entries map[string]V
}

// New creates an empty registry. kind labels lookup errors ("provider", "tool").
func New[V any](kind string) *Registry[V] {
	return &Registry[V]{
		kind:    kind,
		entries: make(map[string]V),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces an entry. It panics on an empty name.
func (r *Registry[V]) Register(name string, value V) {
	key := normalize(name)
	if key == "" {
		panic(fmt.Sprintf("registry: empty %s name", r.kind))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = value
}

// Get returns the value for name and whether it exists.
func (r *Registry[V]) Get(name string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[normalize(name)]
	return v, ok
}

// Lookup is Get with a descriptive error.
func (r *Registry[V]) Lookup(name string) (V, error) {
	if v, ok := r.Get(name); ok {
		return v, nil
	}
	var zero V
	return zero, &NotFoundError{Kind: r.kind, Name: name, Available: r.Names()}
}

// Has reports whether name is registered.
func (r *Registry[V]) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Delete removes name.
func (r *Registry[V]) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, normalize(name))
}

// Names returns the registered names, sorted.
func (r *Registry[V]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for k := range r.entries {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of entries.
func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// GetOrCreate returns the entry for name, creating it with factory if absent.
// factory runs at most once per name.
func (r *Registry[V]) GetOrCreate(name string, factory func() V) V {
	key := normalize(name)
	r.mu.RLock()
	v, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.entries[key]; ok {
		return v
	}
	v = factory()
	r.entries[key] = v
	return v
}
