package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestEnrichLogger(t *testing.T) {
	logger, buf := newTestLogger()

	EnrichLogger(logger, "run-1", "critic", 2).Info("working")

	out := buf.String()
	assert.Contains(t, out, `"run_id":"run-1"`)
	assert.Contains(t, out, `"node_id":"critic"`)
	assert.Contains(t, out, `"attempt":2`)
	assert.Nil(t, EnrichLogger(nil, "r", "n", 1))
}

func TestLogHelpers(t *testing.T) {
	logger, buf := newTestLogger()

	LogRunStart(logger, "run-1", "debate")
	LogNodeStart(logger, "a")
	LogNodeComplete(logger, "a", 12)
	LogNodeError(logger, "b", errors.New("boom"))
	LogFeedback(logger, "critic", "author", 2, 3)
	LogIntervention(logger, "a", "pending")
	LogRateLimited(logger, "groq", time.Second)
	LogStep(logger, 4, "a", "completed")
	LogRunComplete(logger, "run-1", false, 30, []string{"b"})

	out := buf.String()
	for _, msg := range []string{
		"workflow run starting", "node starting", "node completed", "node failed",
		"feedback edge fired", "intervention", "provider rate limited",
		"history step recorded", "workflow run completed",
	} {
		assert.Contains(t, out, msg)
	}
	assert.Contains(t, out, `"level":"WARN","msg":"workflow run completed"`)
}

func TestLogHelpers_NilSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		LogRunStart(nil, "r", "g")
		LogRunComplete(nil, "r", true, 1, nil)
		LogNodeStart(nil, "n")
		LogNodeComplete(nil, "n", 1)
		LogNodeError(nil, "n", errors.New("x"))
		LogFeedback(nil, "a", "b", 1, 3)
		LogIntervention(nil, "n", "approved")
		LogRateLimited(nil, "p", time.Second)
		LogStep(nil, 1, "n", "completed")
	})
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	rec := NewMetricsRecorderWithMeter(provider.Meter(MeterName))
	_, isNoop := rec.(NoopMetrics)
	require.False(t, isNoop)

	ctx := context.Background()
	rec.RecordNodeExecution(ctx, "a", "agent", 10*time.Millisecond, nil)
	rec.RecordNodeExecution(ctx, "b", "auditor", 5*time.Millisecond, errors.New("x"))
	rec.RecordRun(ctx, true, time.Second)
	rec.RecordTokens(ctx, "mock", "m", 10, 4)
	rec.RecordRateLimited(ctx, "groq")
	rec.RecordFeedback(ctx, "critic", "author")
	rec.RecordSnapshot(ctx, "a", 128)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(2), sumOf(t, findMetric(&rm, "agentgraph.node.executions")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(&rm, "agentgraph.node.errors")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(&rm, "agentgraph.run.count")))
	assert.Equal(t, int64(14), sumOf(t, findMetric(&rm, "agentgraph.provider.tokens")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(&rm, "agentgraph.provider.rate_limited")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(&rm, "agentgraph.feedback.iterations")))
	assert.NotNil(t, findMetric(&rm, "agentgraph.history.snapshot_bytes"))
}

func TestSpanManager(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	sm := NewSpanManagerWithTracer(tp.Tracer(TracerName))

	ctx, run := sm.StartRunSpan(context.Background(), "debate", "run-1")
	nodeCtx, node := sm.StartNodeSpan(ctx, "critic", "critic")
	sm.AddSpanEvent(nodeCtx, "thought")
	sm.EndSpanWithError(node, errors.New("failed"))
	sm.EndSpanWithError(run, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "agentgraph.node.critic", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Len(t, spans[0].Events, 2, "thought event plus recorded error")
	assert.Equal(t, spans[1].SpanContext.TraceID(), spans[0].Parent.TraceID())
	assert.Equal(t, "agentgraph.run", spans[1].Name)
	assert.Equal(t, codes.Ok, spans[1].Status.Code)
}

func TestStdoutTracerProvider(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewStdoutTracerProvider(&buf)
	require.NoError(t, err)

	sm := NewSpanManagerWithTracer(tp.Tracer(TracerName))
	_, span := sm.StartRunSpan(context.Background(), "debate", "run-7")
	sm.EndSpanWithError(span, nil)
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "agentgraph.run")
	assert.Contains(t, buf.String(), "run-7")
}

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()
	var sm SpanManager = NoopSpanManager{}
	got, span := sm.StartRunSpan(ctx, "g", "r")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	assert.NotPanics(t, func() {
		sm.EndSpanWithError(span, errors.New("x"))
		NoopMetrics{}.RecordRun(ctx, true, time.Second)
	})
}

func TestPrometheusProvider(t *testing.T) {
	p, err := NewPrometheusProvider()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	p.Recorder().RecordRun(context.Background(), true, 20*time.Millisecond)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "agentgraph_run_count"), "run counter exported")
	assert.Contains(t, text, "go_goroutines")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "node_id", "critic")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"node_id":"critic"`)

	_, err = NewLogger(io.Discard, "DEBUG", "text")
	assert.NoError(t, err)
	_, err = NewLogger(io.Discard, "loud", "text")
	assert.Error(t, err)
	_, err = NewLogger(io.Discard, "info", "xml")
	assert.Error(t, err)
}
