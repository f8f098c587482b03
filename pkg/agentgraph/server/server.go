// Package server exposes workflow runs over HTTP and WebSocket.
//
// Runs are started from workflow documents, controlled through JSON
// endpoints and observed through a WebSocket that streams engine events.
// The server keeps every run it started in memory until Close.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/event"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/workflow"
)

// Server routes API requests to an engine.
type Server struct {
	engine  *agentgraph.Engine
	bus     *event.LocalBus
	logger  *slog.Logger
	metrics http.Handler
	tracer  trace.TracerProvider
	runOpts []agentgraph.RunOption

	upgrader     websocket.Upgrader
	pingInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	runs map[string]*agentgraph.RunContext

	router *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and connection logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithTracerProvider traces requests with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		s.tracer = tp
	}
}

// WithRunOptions applies opts to every run the server starts.
func WithRunOptions(opts ...agentgraph.RunOption) Option {
	return func(s *Server) {
		s.runOpts = append(s.runOpts, opts...)
	}
}

// WithPingInterval sets the WebSocket keepalive interval. Default: 30s.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = d
	}
}

// New creates a Server. The engine must emit into bus for /ws to see its
// events.
func New(engine *agentgraph.Engine, bus *event.LocalBus, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:       engine,
		bus:          bus,
		logger:       slog.Default(),
		pingInterval: 30 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*agentgraph.RunContext),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Close stops every run the server started and waits for them to end or
// ctx to expire.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()

	s.mu.RLock()
	runs := make([]*agentgraph.RunContext, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	for _, r := range runs {
		if _, err := r.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) routes() *gin.Engine {
	var traceOpts []otelgin.Option
	if s.tracer != nil {
		traceOpts = append(traceOpts, otelgin.WithTracerProvider(s.tracer))
	}
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("agentgraph", traceOpts...), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api")
	api.POST("/workflows/validate", s.handleValidate)

	runs := api.Group("/runs")
	runs.POST("", s.handleStartRun)
	runs.GET("", s.handleListRuns)

	run := runs.Group("/:id", s.loadRun)
	run.GET("", s.handleGetRun)
	run.POST("/pause", s.control((*agentgraph.RunContext).Pause))
	run.POST("/resume", s.control((*agentgraph.RunContext).Resume))
	run.POST("/stop", s.control((*agentgraph.RunContext).Stop))
	run.POST("/reset", s.control((*agentgraph.RunContext).Reset))
	run.POST("/interventions", s.handleIntervention)
	run.POST("/nodes/:node/feedback", s.handleFeedback)
	run.GET("/history", s.handleHistory)
	run.GET("/snapshots/:index", s.handleSnapshot)
	run.POST("/replay/:index", s.handleReplay)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) addRun(r *agentgraph.RunContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID()] = r
}

func (s *Server) run(id string) (*agentgraph.RunContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	return r, ok
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agentgraph.ErrNodeNotFound), errors.Is(err, agentgraph.ErrStepNotFound):
		return http.StatusNotFound
	case errors.Is(err, agentgraph.ErrRunActive), errors.Is(err, agentgraph.ErrRunFinished),
		errors.Is(err, agentgraph.ErrNoPendingIntervention):
		return http.StatusConflict
	case errors.Is(err, agentgraph.ErrInvalidGraph), errors.Is(err, workflow.ErrInvalidDocument):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
