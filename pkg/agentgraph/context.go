package agentgraph

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/observability"
)

// Context provides execution context to node executors.
// It extends context.Context with run metadata and thought streaming.
//
// The scheduler creates a fresh Context for every execution attempt with an
// enriched logger and the node's deadline applied.
type Context interface {
	context.Context

	// Logger returns a logger enriched with run_id, node_id and attempt.
	// Never returns nil.
	Logger() *slog.Logger

	// RunID returns the unique identifier for this run.
	RunID() string

	// NodeID returns the node being executed.
	NodeID() string

	// Attempt returns the retry attempt number (1 = first attempt).
	Attempt() int

	// Thought streams a reasoning fragment for the node. Safe to call from
	// any goroutine.
	Thought(fragment string)
}

type executionContext struct {
	context.Context

	root    *slog.Logger
	logger  *slog.Logger
	runID   string
	nodeID  string
	attempt int
	thought func(string)
}

func (c *executionContext) Logger() *slog.Logger { return c.logger }
func (c *executionContext) RunID() string        { return c.runID }
func (c *executionContext) NodeID() string       { return c.nodeID }
func (c *executionContext) Attempt() int         { return c.attempt }

func (c *executionContext) Thought(fragment string) {
	if c.thought != nil && fragment != "" {
		c.thought(fragment)
	}
}

// ContextOption configures a Context created by NewContext.
type ContextOption func(*executionContext)

// WithContextLogger sets the logger for the context.
func WithContextLogger(logger *slog.Logger) ContextOption {
	return func(c *executionContext) {
		if logger != nil {
			c.root = logger
		}
	}
}

// WithContextRunID sets the run identifier. If not set, a UUID is generated.
func WithContextRunID(id string) ContextOption {
	return func(c *executionContext) {
		c.runID = id
	}
}

// WithContextNodeID sets the node identifier.
func WithContextNodeID(id string) ContextOption {
	return func(c *executionContext) {
		c.nodeID = id
	}
}

// WithThoughtSink receives every fragment passed to Thought.
func WithThoughtSink(fn func(fragment string)) ContextOption {
	return func(c *executionContext) {
		c.thought = fn
	}
}

// NewContext creates an execution context from a standard context. The
// engine builds its own; this is for driving an Executor directly.
//
// Example:
//
//	ctx := agentgraph.NewContext(context.Background(),
//	    agentgraph.WithContextNodeID("writer"))
//	result := executor.Execute(ctx, req)
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	ec := &executionContext{
		Context: ctx,
		root:    slog.Default(),
		runID:   uuid.NewString(),
		attempt: 1,
	}
	for _, opt := range opts {
		opt(ec)
	}
	ec.logger = observability.EnrichLogger(ec.root, ec.runID, ec.nodeID, ec.attempt)
	return ec
}

// withAttempt derives a context for one execution attempt.
func (c *executionContext) withAttempt(ctx context.Context, attempt int) *executionContext {
	return &executionContext{
		Context: ctx,
		root:    c.root,
		logger:  observability.EnrichLogger(c.root, c.runID, c.nodeID, attempt),
		runID:   c.runID,
		nodeID:  c.nodeID,
		attempt: attempt,
		thought: c.thought,
	}
}
