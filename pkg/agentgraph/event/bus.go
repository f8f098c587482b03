package event

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Handler consumes one event.
type Handler func(ctx context.Context, evt Event) error

// Filter selects events. Zero fields match everything.
type Filter struct {
	RunID string
	Types []Type
}

// Match reports whether evt passes the filter.
func (f Filter) Match(evt Event) bool {
	if f.RunID != "" && f.RunID != evt.RunID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, evt.Type)
}

// BusConfig configures bus behavior.
type BusConfig struct {
	// BufferSize is the per-subscription queue length. Default: 256.
	BufferSize int

	// NonBlocking drops events for subscribers whose queue is full instead
	// of blocking the publisher.
	NonBlocking bool

	// DeduplicateTTL drops events whose ID was seen within the TTL.
	DeduplicateTTL time.Duration

	// OnDrop is called when an event is dropped in non-blocking mode.
	OnDrop func(evt Event, subscriberID string)

	// OnError is called when a handler returns an error.
	OnError func(evt Event, subscriberID string, err error)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	BufferSize: 256,
}

// LocalBus is an in-memory fan-out bus. Each subscription is served by its
// own goroutine, so delivery order per subscriber matches publish order.
type LocalBus struct {
	config BusConfig

	mu   sync.RWMutex
	subs map[string]*Subscription

	dedupeMu sync.Mutex
	seen     map[string]time.Time

	closed  atomic.Bool
	closeCh chan struct{}
}

// NewBus creates a new local event bus.
func NewBus(config BusConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig.BufferSize
	}
	b := &LocalBus{
		config:  config,
		subs:    make(map[string]*Subscription),
		closeCh: make(chan struct{}),
	}
	if config.DeduplicateTTL > 0 {
		b.seen = make(map[string]time.Time)
		go b.cleanupDedupe()
	}
	return b
}

// Subscription is an active registration on a LocalBus.
type Subscription struct {
	id      string
	filter  Filter
	handler Handler
	events  chan Event
	paused  atomic.Bool
	done    chan struct{}
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *LocalBus
	onClose func()
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Emit publishes evt, reporting failures through OnError.
func (b *LocalBus) Emit(ctx context.Context, evt Event) {
	if err := b.Publish(ctx, evt); err != nil && b.config.OnError != nil {
		b.config.OnError(evt, "", err)
	}
}

// Publish delivers evt to every matching subscription.
func (b *LocalBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if b.seen != nil && b.duplicate(evt.ID) {
		return nil
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Match(evt) && !sub.paused.Load() {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if b.config.NonBlocking {
			select {
			case sub.events <- evt:
			case <-sub.done:
			default:
				if b.config.OnDrop != nil {
					b.config.OnDrop(evt, sub.id)
				}
			}
			continue
		}
		select {
		case sub.events <- evt:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeCh:
			return ErrBusClosed
		}
	}
	return nil
}

// Subscribe registers handler for events passing filter. It returns nil when
// the bus is closed.
func (b *LocalBus) Subscribe(filter Filter, handler Handler) *Subscription {
	return b.subscribe(filter, handler, b.config.BufferSize, nil)
}

// SubscribeChan delivers matching events on a channel that is closed when
// the subscription ends. A buffer of 0 uses the bus default.
func (b *LocalBus) SubscribeChan(filter Filter, buffer int) (<-chan Event, *Subscription) {
	if buffer <= 0 {
		buffer = b.config.BufferSize
	}
	out := make(chan Event, buffer)
	sub := b.subscribe(filter, func(ctx context.Context, evt Event) error {
		select {
		case out <- evt:
		case <-ctx.Done():
		}
		return nil
	}, buffer, func() { close(out) })
	if sub == nil {
		close(out)
	}
	return out, sub
}

func (b *LocalBus) subscribe(filter Filter, handler Handler, buffer int, onClose func()) *Subscription {
	if b.closed.Load() {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		id:      uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
		filter:  filter,
		handler: handler,
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
		bus:     b,
		onClose: onClose,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.process()
	return sub
}

func (s *Subscription) process() {
	defer func() {
		if s.onClose != nil {
			s.onClose()
		}
	}()
	for {
		select {
		case evt := <-s.events:
			if err := s.handler(s.ctx, evt); err != nil && s.bus.config.OnError != nil {
				s.bus.config.OnError(evt, s.id, err)
			}
		case <-s.done:
			return
		}
	}
}

// Unsubscribe removes the subscription. Queued events are discarded.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

// Pause stops delivery of new events until Resume.
func (s *Subscription) Pause() { s.paused.Store(true) }

// Resume continues delivery after Pause.
func (s *Subscription) Resume() { s.paused.Store(false) }

// IsPaused reports whether the subscription is paused.
func (s *Subscription) IsPaused() bool { return s.paused.Load() }

// Close shuts down the bus and all subscriptions.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.closeCh)

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (b *LocalBus) duplicate(id string) bool {
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()
	if _, ok := b.seen[id]; ok {
		return true
	}
	b.seen[id] = time.Now()
	return false
}

func (b *LocalBus) cleanupDedupe() {
	ticker := time.NewTicker(b.config.DeduplicateTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-b.config.DeduplicateTTL)
			b.dedupeMu.Lock()
			for id, ts := range b.seen {
				if ts.Before(cutoff) {
					delete(b.seen, id)
				}
			}
			b.dedupeMu.Unlock()
		case <-b.closeCh:
			return
		}
	}
}
