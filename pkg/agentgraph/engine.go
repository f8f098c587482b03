package agentgraph

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/blackboard"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/config"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/event"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/history"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/observability"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/signal"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/traffic"
)

// Engine executes compiled graphs. It holds the long-lived collaborators
// shared by every run: executor, traffic controller, history store, event
// emitter and telemetry. An Engine is safe for concurrent use; each run gets
// its own RunContext.
type Engine struct {
	executor Executor
	traffic  *traffic.Controller
	history  history.Store
	emitter  event.Emitter
	signals  signal.Store
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager

	nodeTimeout    time.Duration
	maxIterations  int
	maxConcurrency int

	settings *config.Settings
}

// Option configures an Engine.
type Option func(*Engine)

// WithExecutor sets the node executor. Default: a DefaultExecutor sharing
// the engine's traffic controller.
func WithExecutor(exec Executor) Option {
	return func(e *Engine) {
		e.executor = exec
	}
}

// WithTraffic sets the traffic controller.
func WithTraffic(c *traffic.Controller) Option {
	return func(e *Engine) {
		e.traffic = c
	}
}

// WithHistory sets the history store. Default: an unbounded MemoryStore.
func WithHistory(store history.Store) Option {
	return func(e *Engine) {
		e.history = store
	}
}

// WithEmitter sets where run events go. Default: discarded.
func WithEmitter(em event.Emitter) Option {
	return func(e *Engine) {
		e.emitter = em
	}
}

// WithSignalStore sets the store for queued intervention decisions.
func WithSignalStore(store signal.Store) Option {
	return func(e *Engine) {
		e.signals = store
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSpans sets the span manager. Default: no-op.
func WithSpans(s observability.SpanManager) Option {
	return func(e *Engine) {
		e.spans = s
	}
}

// WithNodeTimeout sets the execution deadline for nodes without their own.
// Zero leaves such nodes without a deadline, which fails them as
// misconfigured.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.nodeTimeout = d
	}
}

// WithMaxIterations sets the feedback cap used when neither the edge nor
// the target node sets one. Default: 3.
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithMaxConcurrency caps concurrently executing nodes per run. Zero means
// the graph width is bounded only by provider capacity.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxConcurrency = n
		}
	}
}

// WithSettings applies decoded settings: node timeout, feedback cap,
// concurrency cap and, unless WithTraffic is given, provider limits.
func WithSettings(s config.Settings) Option {
	return func(e *Engine) {
		e.nodeTimeout = s.NodeTimeout
		if s.MaxIterations > 0 {
			e.maxIterations = s.MaxIterations
		}
		e.maxConcurrency = s.MaxConcurrency
		e.settings = &s
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	defaults := config.DefaultSettings()
	e := &Engine{
		emitter:       event.Discard,
		logger:        slog.Default(),
		metrics:       observability.NoopMetrics{},
		spans:         observability.NoopSpanManager{},
		nodeTimeout:   defaults.NodeTimeout,
		maxIterations: defaults.MaxIterations,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.emitter == nil {
		e.emitter = event.Discard
	}
	if e.metrics == nil {
		e.metrics = observability.NoopMetrics{}
	}
	if e.spans == nil {
		e.spans = observability.NoopSpanManager{}
	}
	if e.traffic == nil {
		cfg := traffic.DefaultConfig()
		if e.settings != nil {
			cfg = TrafficConfig(*e.settings)
		}
		e.traffic = traffic.New(cfg,
			traffic.WithLogger(e.logger),
			traffic.WithRateLimitHook(func(provider string, wait time.Duration) {
				e.metrics.RecordRateLimited(context.Background(), provider)
				observability.LogRateLimited(e.logger, provider, wait)
			}),
		)
	}
	if e.executor == nil {
		e.executor = NewDefaultExecutor(WithTrafficController(e.traffic))
	}
	if e.history == nil {
		limit := 0
		if e.settings != nil {
			limit = e.settings.HistoryLimit
		}
		e.history = history.NewMemoryStore(history.WithLimit(limit))
	}
	if e.signals == nil {
		e.signals = signal.NewMemoryStore()
	}
	return e
}

// TrafficConfig converts settings into traffic controller limits.
func TrafficConfig(s config.Settings) traffic.Config {
	cfg := traffic.DefaultConfig()
	cfg.Default = traffic.Limits{Capacity: s.Traffic.DefaultCapacity}
	if s.Traffic.BaseDelay > 0 {
		cfg.BaseDelay = s.Traffic.BaseDelay
	}
	if s.Traffic.MaxDelay > 0 {
		cfg.MaxDelay = s.Traffic.MaxDelay
	}
	cfg.MaxRetries = s.Traffic.MaxRetries
	if len(s.Traffic.Providers) > 0 {
		cfg.Providers = make(map[string]traffic.Limits, len(s.Traffic.Providers))
		for name, p := range s.Traffic.Providers {
			cfg.Providers[name] = traffic.Limits{
				Capacity:          p.Capacity,
				RequestsPerSecond: p.RequestsPerSecond,
				Burst:             p.Burst,
			}
		}
	}
	return cfg
}

// Traffic returns the engine's traffic controller.
func (e *Engine) Traffic() *traffic.Controller { return e.traffic }

// History returns the engine's history store.
func (e *Engine) History() history.Store { return e.history }

// RunOption configures a single run.
type RunOption func(*runConfig)

type runConfig struct {
	runID       string
	initial     map[string]any
	autoApprove bool
}

// WithRunID sets the run identifier. Default: a random UUID.
func WithRunID(id string) RunOption {
	return func(c *runConfig) {
		c.runID = id
	}
}

// WithInitialBlackboard seeds the blackboard before any node runs.
func WithInitialBlackboard(values map[string]any) RunOption {
	return func(c *runConfig) {
		c.initial = values
	}
}

// WithAutoApprove approves every intervention as soon as it is raised.
func WithAutoApprove() RunOption {
	return func(c *runConfig) {
		c.autoApprove = true
	}
}

// Start begins executing graph in the background and returns its
// RunContext. Cancelling ctx stops the run.
func (e *Engine) Start(ctx context.Context, graph *CompiledGraph, prompt string, opts ...RunOption) (*RunContext, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if graph == nil {
		return nil, errors.New("graph cannot be nil")
	}

	cfg := runConfig{runID: uuid.NewString()}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := newRun(e, graph, prompt, cfg)
	if len(cfg.initial) > 0 {
		r.bb.SetAll(cfg.initial)
	}

	observability.LogRunStart(r.logger, r.id, graph.Name())
	r.seq.Emit(ctx, event.WorkflowStarted, "", event.WorkflowStartedData{Graph: graph.Name(), Prompt: prompt})

	r.launch(ctx)
	return r, nil
}

// Run executes graph and blocks until the run ends.
func (e *Engine) Run(ctx context.Context, graph *CompiledGraph, prompt string, opts ...RunOption) (*RunResult, error) {
	r, err := e.Start(ctx, graph, prompt, opts...)
	if err != nil {
		return nil, err
	}
	return r.Wait(context.WithoutCancel(ctx))
}

func newRun(e *Engine, graph *CompiledGraph, prompt string, cfg runConfig) *RunContext {
	r := &RunContext{
		engine:      e,
		graph:       graph,
		id:          cfg.runID,
		prompt:      prompt,
		autoApprove: cfg.autoApprove,
		logger:      e.logger.With("run_id", cfg.runID, "graph", graph.Name()),
		bb:          blackboard.New(),
		poke:        make(chan struct{}, 1),
	}
	r.seq = event.NewSequencer(r.id, e.emitter)
	r.resetState()

	reg := signal.NewRegistry()
	reg.MustRegister(signal.Approve, r.applyApprove)
	reg.MustRegister(signal.Reject, r.applyReject)
	reg.MustRegister(signal.Route, r.applyRoute)
	reg.MustRegister(signal.Feedback, r.applyUserFeedback)
	r.signals = signal.NewDispatcher(r.id, reg, e.signals).WithLogger(r.logger)
	return r
}
