package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/config"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/event"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/history"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/llm"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/observability"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/traffic"
)

// providerFlags select the LLM backend for nodes that name no provider.
type providerFlags struct {
	provider    string
	model       string
	baseURL     string
	mockLatency time.Duration
}

// stack is an engine plus the resources it owns.
type stack struct {
	engine  *agentgraph.Engine
	metrics http.Handler
	tracer  *sdktrace.TracerProvider
	closers []func(context.Context) error
}

func (s *stack) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// buildStack wires settings into an engine: provider clients, the traffic
// controller, the history store, metrics and tracing. Exported spans go to
// traceOut.
func buildStack(s config.Settings, p providerFlags, logger *slog.Logger, emitter event.Emitter, traceOut io.Writer) (*stack, error) {
	st := &stack{}
	var metrics observability.MetricsRecorder = observability.NoopMetrics{}
	if s.Metrics.Exporter == "prometheus" {
		prom, err := observability.NewPrometheusProvider()
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		metrics = prom.Recorder()
		st.metrics = prom.Handler()
		st.closers = append(st.closers, prom.Shutdown)
	}

	spans := observability.NewSpanManager()
	if s.Tracing.Exporter == "stdout" {
		tp, err := observability.NewStdoutTracerProvider(traceOut)
		if err != nil {
			_ = st.Close(context.Background())
			return nil, err
		}
		st.tracer = tp
		st.closers = append(st.closers, tp.Shutdown)
		spans = observability.NewSpanManagerWithTracer(tp.Tracer(observability.TracerName))
	}

	store := history.Store(history.NewMemoryStore(history.WithLimit(s.HistoryLimit)))
	if s.HistoryPath != "" {
		var archive history.Store
		var err error
		if s.HistoryBackend == "badger" {
			archive, err = history.NewBadgerStore(s.HistoryPath, history.WithBadgerLogger(logger))
		} else {
			archive, err = history.NewSQLiteStore(s.HistoryPath)
		}
		if err != nil {
			_ = st.Close(context.Background())
			return nil, err
		}
		store = history.NewTee(store, archive)
		st.closers = append(st.closers, func(context.Context) error { return store.Close() })
	}

	tc := traffic.New(agentgraph.TrafficConfig(s),
		traffic.WithLogger(logger),
		traffic.WithRateLimitHook(func(provider string, wait time.Duration) {
			metrics.RecordRateLimited(context.Background(), provider)
			observability.LogRateLimited(logger, provider, wait)
		}),
	)

	execOpts := []agentgraph.ExecutorOption{
		agentgraph.WithTrafficController(tc),
		agentgraph.WithProvider("mock", llm.NewSimulatedClient(p.mockLatency)),
	}
	switch p.provider {
	case "", "mock":
		execOpts = append(execOpts, agentgraph.WithDefaultProvider("mock"))
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			_ = st.Close(context.Background())
			return nil, errors.New("provider openai requires OPENAI_API_KEY")
		}
		var opts []llm.OpenAIOption
		if p.model != "" {
			opts = append(opts, llm.WithDefaultModel(p.model))
		}
		if p.baseURL != "" {
			opts = append(opts, llm.WithBaseURL(p.baseURL))
		}
		execOpts = append(execOpts,
			agentgraph.WithProvider("openai", llm.NewOpenAIClient(key, opts...)),
			agentgraph.WithDefaultProvider("openai"),
		)
	default:
		_ = st.Close(context.Background())
		return nil, fmt.Errorf("unknown provider %q (want mock or openai)", p.provider)
	}

	st.engine = agentgraph.New(
		agentgraph.WithSettings(s),
		agentgraph.WithLogger(logger),
		agentgraph.WithTraffic(tc),
		agentgraph.WithExecutor(agentgraph.NewDefaultExecutor(execOpts...)),
		agentgraph.WithHistory(store),
		agentgraph.WithEmitter(emitter),
		agentgraph.WithMetrics(metrics),
		agentgraph.WithSpans(spans),
	)
	return st, nil
}

func newLogger(w io.Writer, s config.Settings) (*slog.Logger, error) {
	return observability.NewLogger(w, s.Log.Level, s.Log.Format)
}
