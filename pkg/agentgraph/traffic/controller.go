// Package traffic admits provider calls under per-provider concurrency
// limits, cooldowns after rate limiting, and optional request-rate limits.
//
// Each provider has a counting semaphore. Waiters queue by priority and then
// arrival order. After a provider reports a rate limit, no new permits are
// issued until its cooldown elapses; the cooldown is the larger of the
// provider's retry hint and an exponential backoff on consecutive strikes.
package traffic

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	agerrors "github.com/randalmurphal/agentgraph/pkg/agentgraph/errors"
)

// ErrRateLimited is returned when a call is still rate limited after the
// configured number of retries.
var ErrRateLimited = errors.New("rate limited")

// RateLimitedError carries the provider and the last underlying error.
type RateLimitedError struct {
	Provider string
	Attempts int
	Last     error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider %s rate limited after %d attempts: %v", e.Provider, e.Attempts, e.Last)
}

func (e *RateLimitedError) Unwrap() []error { return []error{ErrRateLimited, e.Last} }

// Limits bounds one provider.
type Limits struct {
	// Capacity is the maximum number of in-flight calls. Values below 1 mean 1.
	Capacity int
	// RequestsPerSecond additionally paces call starts when > 0.
	RequestsPerSecond float64
	// Burst is the pacing burst; defaults to 1.
	Burst int
}

// Config configures a Controller.
type Config struct {
	Default    Limits
	Providers  map[string]Limits
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
	MaxRetries int
}

// DefaultConfig admits one call per provider at a time and retries rate
// limits five times with backoff from one second to one minute.
func DefaultConfig() Config {
	return Config{
		Default:    Limits{Capacity: 1},
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Jitter:     0.1,
		MaxRetries: 5,
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRateLimitHook is called whenever a provider enters cooldown.
func WithRateLimitHook(fn func(provider string, wait time.Duration)) Option {
	return func(c *Controller) {
		c.onRateLimited = fn
	}
}

// Controller is shared by every run of an engine.
type Controller struct {
	cfg           Config
	logger        *slog.Logger
	onRateLimited func(string, time.Duration)

	mu        sync.Mutex
	providers map[string]*provider
}

type provider struct {
	name     string
	sem      *semaphore.Weighted
	capacity int
	limiter  *rate.Limiter

	inFlight      int
	strikes       int
	cooldownUntil time.Time
	timer         *time.Timer
	waiters       waitQueue
	seq           uint64
}

// New creates a Controller.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	c := &Controller{
		cfg:       cfg,
		logger:    slog.Default(),
		providers: make(map[string]*provider),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) limitsFor(name string) Limits {
	if l, ok := c.cfg.Providers[name]; ok {
		return l
	}
	return c.cfg.Default
}

// provider returns the state for name, creating it. Callers hold c.mu.
func (c *Controller) provider(name string) *provider {
	p, ok := c.providers[name]
	if ok {
		return p
	}
	l := c.limitsFor(name)
	capacity := max(l.Capacity, 1)
	p = &provider{
		name:     name,
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
	if l.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(l.RequestsPerSecond), max(l.Burst, 1))
	}
	c.providers[name] = p
	return p
}

// Permit is one admitted call. Release it exactly once; extra releases are ignored.
type Permit struct {
	c        *Controller
	p        *provider
	sem      *semaphore.Weighted
	once     sync.Once
	Provider string
	Priority Priority
}

type waiter struct {
	priority Priority
	seq      uint64
	ready    chan *semaphore.Weighted
	index    int
}

// Acquire blocks until a permit for provider is available at priority, or ctx is done.
func (c *Controller) Acquire(ctx context.Context, name string, priority Priority) (*Permit, error) {
	c.mu.Lock()
	p := c.provider(name)

	var sem *semaphore.Weighted
	if p.waiters.Len() == 0 && !c.coolingDown(p) && p.sem.TryAcquire(1) {
		sem = p.sem
		p.inFlight++
		c.mu.Unlock()
	} else {
		w := &waiter{priority: priority, seq: p.seq, ready: make(chan *semaphore.Weighted, 1)}
		p.seq++
		heap.Push(&p.waiters, w)
		c.dispatch(p)
		c.mu.Unlock()

		select {
		case sem = <-w.ready:
		case <-ctx.Done():
			c.mu.Lock()
			if w.index >= 0 {
				heap.Remove(&p.waiters, w.index)
				c.mu.Unlock()
				return nil, ctx.Err()
			}
			c.mu.Unlock()
			// Granted concurrently with cancellation.
			granted := <-w.ready
			c.release(p, granted)
			return nil, ctx.Err()
		}
	}

	permit := &Permit{c: c, p: p, sem: sem, Provider: name, Priority: priority}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			permit.Release()
			return nil, err
		}
	}
	return permit, nil
}

// Release returns the permit to its provider.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.c.release(p.p, p.sem)
	})
}

func (c *Controller) release(p *provider, sem *semaphore.Weighted) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem.Release(1)
	p.inFlight--
	c.dispatch(p)
}

func (c *Controller) coolingDown(p *provider) bool {
	return time.Now().Before(p.cooldownUntil)
}

// dispatch hands permits to queued waiters in priority order. Callers hold c.mu.
func (c *Controller) dispatch(p *provider) {
	if c.coolingDown(p) {
		c.scheduleDispatch(p)
		return
	}
	for p.waiters.Len() > 0 && p.sem.TryAcquire(1) {
		w := heap.Pop(&p.waiters).(*waiter)
		p.inFlight++
		w.ready <- p.sem
	}
}

func (c *Controller) scheduleDispatch(p *provider) {
	if p.timer != nil || p.waiters.Len() == 0 {
		return
	}
	p.timer = time.AfterFunc(time.Until(p.cooldownUntil), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		p.timer = nil
		c.dispatch(p)
	})
}

// ReportRateLimited starts or extends the provider's cooldown and returns its length.
func (c *Controller) ReportRateLimited(name string, retryAfter time.Duration) time.Duration {
	c.mu.Lock()
	p := c.provider(name)
	p.strikes++
	wait := max(retryAfter, c.backoff(p.strikes))
	until := time.Now().Add(wait)
	if until.After(p.cooldownUntil) {
		p.cooldownUntil = until
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	c.scheduleDispatch(p)
	strikes := p.strikes
	c.mu.Unlock()

	c.logger.Warn("provider rate limited",
		"provider", name,
		"cooldown", wait,
		"strikes", strikes,
	)
	if c.onRateLimited != nil {
		c.onRateLimited(name, wait)
	}
	return wait
}

// ReportSuccess clears the provider's strike count.
func (c *Controller) ReportSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider(name).strikes = 0
}

func (c *Controller) backoff(strikes int) time.Duration {
	return agerrors.RetryConfig{
		InitialBackoff: c.cfg.BaseDelay,
		MaxBackoff:     c.cfg.MaxDelay,
		BackoffFactor:  2,
		Jitter:         c.cfg.Jitter,
	}.Backoff(strikes)
}

// Do acquires a permit, runs fn and releases the permit. Rate-limit errors
// put the provider into cooldown and are retried up to MaxRetries times;
// other errors return immediately.
func (c *Controller) Do(ctx context.Context, name string, priority Priority, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		permit, err := c.Acquire(ctx, name, priority)
		if err != nil {
			return err
		}
		err = fn(ctx)
		permit.Release()

		if err == nil {
			c.ReportSuccess(name)
			return nil
		}
		if !agerrors.IsRateLimited(err) {
			return err
		}

		var hint time.Duration
		var rl *agerrors.RateLimitError
		if errors.As(err, &rl) {
			hint = rl.RetryAfter
		}
		c.ReportRateLimited(name, hint)

		if attempt > c.cfg.MaxRetries {
			return &RateLimitedError{Provider: name, Attempts: attempt, Last: err}
		}
	}
}

// SetCapacity changes a provider's concurrency limit. Permits issued under
// the old limit drain into the old semaphore, so in-flight calls may
// briefly exceed the new limit while shrinking.
func (c *Controller) SetCapacity(name string, capacity int) {
	capacity = max(capacity, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.provider(name)
	if p.capacity == capacity {
		return
	}
	c.logger.Info("provider capacity changed", "provider", name, "from", p.capacity, "to", capacity)
	p.sem = semaphore.NewWeighted(int64(capacity))
	p.capacity = capacity
	c.dispatch(p)
}

// Stats describes one provider.
type Stats struct {
	Provider          string        `json:"provider"`
	Capacity          int           `json:"capacity"`
	InFlight          int           `json:"in_flight"`
	Waiting           int           `json:"waiting"`
	Strikes           int           `json:"strikes"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}

// Stats returns the current state of provider.
func (c *Controller) Stats(name string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats(c.provider(name))
}

// AllStats returns every known provider, sorted by name.
func (c *Controller) AllStats() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Stats, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, c.stats(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (c *Controller) stats(p *provider) Stats {
	return Stats{
		Provider:          p.name,
		Capacity:          p.capacity,
		InFlight:          p.inFlight,
		Waiting:           p.waiters.Len(),
		Strikes:           p.strikes,
		CooldownRemaining: max(time.Until(p.cooldownUntil), 0),
	}
}

// waitQueue is a min-heap of waiters by (priority, seq).
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
