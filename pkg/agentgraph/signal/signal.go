// Package signal queues external decisions for a running workflow.
//
// A decision (approve, reject, route) is sent from any goroutine, stored as
// pending, and applied later by the run's scheduler loop through Process.
// Injected feedback travels the same way. Senders never touch run state
// directly.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Name is the kind of decision carried by a signal.
type Name string

const (
	Approve Name = "approve"
	Reject  Name = "reject"
	Route   Name = "route"

	// Feedback carries operator text for a node. It is not an intervention
	// decision, so ParseName rejects it.
	Feedback Name = "feedback"
)

// ParseName validates a decision name.
func ParseName(s string) (Name, error) {
	switch n := Name(s); n {
	case Approve, Reject, Route:
		return n, nil
	}
	return "", fmt.Errorf("unknown decision %q (want approve, reject or route)", s)
}

// Status represents the current state of a signal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Signal is a decision addressed to one node of one run.
type Signal struct {
	ID       string `json:"id"`
	Name     Name   `json:"name"`
	TargetID string `json:"target_id"`
	NodeID   string `json:"node_id"`
	// Value is the routed branch or replacement output for Route.
	Value    string `json:"value,omitempty"`
	SenderID string `json:"sender_id,omitempty"`

	Status      Status     `json:"status"`
	SentAt      time.Time  `json:"sent_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// NewDecision creates a pending signal.
func NewDecision(runID, nodeID string, name Name, value string) *Signal {
	return &Signal{
		ID:       "sig-" + uuid.NewString()[:8],
		Name:     name,
		TargetID: runID,
		NodeID:   nodeID,
		Value:    value,
		Status:   StatusPending,
		SentAt:   time.Now(),
	}
}

// WithSender sets the sender ID on the signal.
func (s *Signal) WithSender(senderID string) *Signal {
	s.SenderID = senderID
	return s
}

// Clone returns a copy safe to hand out of a store.
func (s *Signal) Clone() *Signal {
	c := *s
	if s.ProcessedAt != nil {
		t := *s.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// Handler applies a signal.
type Handler func(ctx context.Context, sig *Signal) error

// Registry maps decision names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Name]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Name]Handler)}
}

// Register adds a handler. Registering a name twice is an error.
func (r *Registry) Register(name Name, handler Handler) error {
	if name == "" {
		return errors.New("signal name is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler for signal %q already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// MustRegister registers a handler, panicking on error.
func (r *Registry) MustRegister(name Name, handler Handler) {
	if err := r.Register(name, handler); err != nil {
		panic(err)
	}
}

// Get returns the handler for name.
func (r *Registry) Get(name Name) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Name, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

var (
	// ErrSignalNotFound is returned when a signal cannot be found.
	ErrSignalNotFound = errors.New("signal not found")
	// ErrNoHandler is returned when no handler exists for a signal.
	ErrNoHandler = errors.New("no handler for signal")
)

// Store persists signals until they are applied.
type Store interface {
	Enqueue(ctx context.Context, sig *Signal) error
	// Pending returns pending signals for a target in send order.
	Pending(ctx context.Context, targetID string) ([]*Signal, error)
	Get(ctx context.Context, signalID string) (*Signal, error)
	MarkProcessed(ctx context.Context, signalID string) error
	MarkFailed(ctx context.Context, signalID string, err error) error
	ListByTarget(ctx context.Context, targetID string) ([]*Signal, error)
	DeleteTarget(ctx context.Context, targetID string) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	signals  map[string]*Signal
	byTarget map[string][]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals:  make(map[string]*Signal),
		byTarget: make(map[string][]string),
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, sig *Signal) error {
	if sig.ID == "" {
		sig.ID = "sig-" + uuid.NewString()[:8]
	}
	if sig.SentAt.IsZero() {
		sig.SentAt = time.Now()
	}
	if sig.Status == "" {
		sig.Status = StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.signals[sig.ID]; dup {
		return fmt.Errorf("signal %s already enqueued", sig.ID)
	}
	s.signals[sig.ID] = sig.Clone()
	s.byTarget[sig.TargetID] = append(s.byTarget[sig.TargetID], sig.ID)
	return nil
}

func (s *MemoryStore) Pending(_ context.Context, targetID string) ([]*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []*Signal
	for _, id := range s.byTarget[targetID] {
		if sig := s.signals[id]; sig != nil && sig.Status == StatusPending {
			pending = append(pending, sig.Clone())
		}
	}
	return pending, nil
}

func (s *MemoryStore) Get(_ context.Context, signalID string) (*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[signalID]
	if !ok {
		return nil, ErrSignalNotFound
	}
	return sig.Clone(), nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, signalID string) error {
	return s.mark(signalID, StatusProcessed, nil)
}

func (s *MemoryStore) MarkFailed(_ context.Context, signalID string, err error) error {
	return s.mark(signalID, StatusFailed, err)
}

func (s *MemoryStore) mark(signalID string, status Status, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[signalID]
	if !ok {
		return ErrSignalNotFound
	}
	now := time.Now()
	sig.Status = status
	sig.ProcessedAt = &now
	if err != nil {
		sig.Error = err.Error()
	}
	return nil
}

func (s *MemoryStore) ListByTarget(_ context.Context, targetID string) ([]*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTarget[targetID]
	out := make([]*Signal, 0, len(ids))
	for _, id := range ids {
		if sig := s.signals[id]; sig != nil {
			out = append(out, sig.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteTarget(_ context.Context, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byTarget[targetID] {
		delete(s.signals, id)
	}
	delete(s.byTarget, targetID)
	return nil
}

// Dispatcher sends signals for one target and applies them on demand.
type Dispatcher struct {
	targetID string
	registry *Registry
	store    Store
	logger   *slog.Logger
	wake     chan struct{}
}

// NewDispatcher creates a dispatcher for targetID.
func NewDispatcher(targetID string, registry *Registry, store Store) *Dispatcher {
	return &Dispatcher{
		targetID: targetID,
		registry: registry,
		store:    store,
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
	}
}

// WithLogger sets the logger for the dispatcher.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	if logger != nil {
		d.logger = logger
	}
	return d
}

// Wake is signalled (coalesced) whenever a signal is sent.
func (d *Dispatcher) Wake() <-chan struct{} { return d.wake }

// Send enqueues sig for the dispatcher's target.
func (d *Dispatcher) Send(ctx context.Context, sig *Signal) error {
	if sig.TargetID == "" {
		sig.TargetID = d.targetID
	}
	if sig.TargetID != d.targetID {
		return fmt.Errorf("signal for %q sent to dispatcher of %q", sig.TargetID, d.targetID)
	}
	if sig.Name == "" {
		return errors.New("signal name is required")
	}
	if err := d.store.Enqueue(ctx, sig); err != nil {
		return fmt.Errorf("enqueue signal: %w", err)
	}

	d.logger.Debug("signal sent",
		"signal_id", sig.ID,
		"signal_name", sig.Name,
		"target_id", sig.TargetID,
		"node_id", sig.NodeID,
	)

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Process applies every pending signal in send order. Handler failures mark
// the signal failed and are joined into the returned error; remaining
// signals are still applied.
func (d *Dispatcher) Process(ctx context.Context) (int, error) {
	pending, err := d.store.Pending(ctx, d.targetID)
	if err != nil {
		return 0, fmt.Errorf("load pending signals: %w", err)
	}

	var errs []error
	processed := 0
	for _, sig := range pending {
		if err := d.processOne(ctx, sig); err != nil {
			errs = append(errs, fmt.Errorf("signal %s (%s %s): %w", sig.ID, sig.Name, sig.NodeID, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (d *Dispatcher) processOne(ctx context.Context, sig *Signal) error {
	handler, ok := d.registry.Get(sig.Name)
	if !ok {
		d.markFailed(ctx, sig, ErrNoHandler)
		return ErrNoHandler
	}
	if err := handler(ctx, sig); err != nil {
		d.markFailed(ctx, sig, err)
		return err
	}
	if err := d.store.MarkProcessed(ctx, sig.ID); err != nil {
		d.logger.Error("failed to mark signal as processed", "signal_id", sig.ID, "error", err)
	}
	d.logger.Debug("signal processed",
		"signal_id", sig.ID,
		"signal_name", sig.Name,
		"node_id", sig.NodeID,
	)
	return nil
}

func (d *Dispatcher) markFailed(ctx context.Context, sig *Signal, cause error) {
	d.logger.Warn("signal rejected",
		"signal_id", sig.ID,
		"signal_name", sig.Name,
		"node_id", sig.NodeID,
		"error", cause,
	)
	if err := d.store.MarkFailed(ctx, sig.ID, cause); err != nil {
		d.logger.Error("failed to mark signal as failed", "signal_id", sig.ID, "error", err)
	}
}
