package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope used for engine metrics.
const MeterName = "agentgraph"

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordNodeExecution records a node execution with its duration and error status.
	RecordNodeExecution(ctx context.Context, nodeID, role string, duration time.Duration, err error)

	// RecordRun records a workflow run completion.
	RecordRun(ctx context.Context, success bool, duration time.Duration)

	// RecordTokens records provider token consumption.
	RecordTokens(ctx context.Context, provider, model string, input, output int)

	// RecordRateLimited records a provider rate-limit signal.
	RecordRateLimited(ctx context.Context, provider string)

	// RecordFeedback records a feedback edge firing.
	RecordFeedback(ctx context.Context, source, target string)

	// RecordSnapshot records the size of a stored blackboard snapshot.
	RecordSnapshot(ctx context.Context, nodeID string, sizeBytes int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	nodeExecutions metric.Int64Counter
	nodeLatency    metric.Float64Histogram
	nodeErrors     metric.Int64Counter
	runs           metric.Int64Counter
	runLatency     metric.Float64Histogram
	tokens         metric.Int64Counter
	rateLimited    metric.Int64Counter
	feedback       metric.Int64Counter
	snapshotSize   metric.Int64Histogram
}

// newOtelMetrics creates the engine instruments on meter.
func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	m := &otelMetrics{}
	var err error

	if m.nodeExecutions, err = meter.Int64Counter("agentgraph.node.executions",
		metric.WithDescription("Number of node executions"),
	); err != nil {
		return nil, err
	}
	if m.nodeLatency, err = meter.Float64Histogram("agentgraph.node.latency_ms",
		metric.WithDescription("Node execution latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.nodeErrors, err = meter.Int64Counter("agentgraph.node.errors",
		metric.WithDescription("Number of node execution errors"),
	); err != nil {
		return nil, err
	}
	if m.runs, err = meter.Int64Counter("agentgraph.run.count",
		metric.WithDescription("Number of workflow runs"),
	); err != nil {
		return nil, err
	}
	if m.runLatency, err = meter.Float64Histogram("agentgraph.run.latency_ms",
		metric.WithDescription("Workflow run latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.tokens, err = meter.Int64Counter("agentgraph.provider.tokens",
		metric.WithDescription("Tokens consumed per provider"),
	); err != nil {
		return nil, err
	}
	if m.rateLimited, err = meter.Int64Counter("agentgraph.provider.rate_limited",
		metric.WithDescription("Rate-limit signals received per provider"),
	); err != nil {
		return nil, err
	}
	if m.feedback, err = meter.Int64Counter("agentgraph.feedback.iterations",
		metric.WithDescription("Feedback edge firings"),
	); err != nil {
		return nil, err
	}
	if m.snapshotSize, err = meter.Int64Histogram("agentgraph.history.snapshot_bytes",
		metric.WithDescription("Serialized blackboard snapshot size in bytes"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses the global OTel
// meter provider. If initialization fails, returns a no-op recorder.
func NewMetricsRecorder() MetricsRecorder {
	return NewMetricsRecorderWithMeter(otel.Meter(MeterName))
}

// NewMetricsRecorderWithMeter returns a MetricsRecorder bound to meter.
func NewMetricsRecorderWithMeter(meter metric.Meter) MetricsRecorder {
	m, err := newOtelMetrics(meter)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordNodeExecution records a node execution.
func (m *otelMetrics) RecordNodeExecution(ctx context.Context, nodeID, role string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("node_id", nodeID),
		attribute.String("role", role),
	)

	m.nodeExecutions.Add(ctx, 1, attrs)
	m.nodeLatency.Record(ctx, float64(duration.Milliseconds()), attrs)

	if err != nil {
		m.nodeErrors.Add(ctx, 1, attrs)
	}
}

// RecordRun records a workflow run.
func (m *otelMetrics) RecordRun(ctx context.Context, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.runs.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordTokens records token usage split by direction.
func (m *otelMetrics) RecordTokens(ctx context.Context, provider, model string, input, output int) {
	base := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}
	m.tokens.Add(ctx, int64(input), metric.WithAttributes(append(base, attribute.String("direction", "input"))...))
	m.tokens.Add(ctx, int64(output), metric.WithAttributes(append(base, attribute.String("direction", "output"))...))
}

// RecordRateLimited records a rate-limit signal.
func (m *otelMetrics) RecordRateLimited(ctx context.Context, provider string) {
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordFeedback records a feedback edge firing.
func (m *otelMetrics) RecordFeedback(ctx context.Context, source, target string) {
	m.feedback.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("target", target),
	))
}

// RecordSnapshot records a snapshot size.
func (m *otelMetrics) RecordSnapshot(ctx context.Context, nodeID string, sizeBytes int64) {
	m.snapshotSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("node_id", nodeID)))
}
