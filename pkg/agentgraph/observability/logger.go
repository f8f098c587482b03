// Package observability provides the engine's structured logging helpers,
// OpenTelemetry metrics and tracing, and a Prometheus exporter.
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds a logger writing to w. format is "text" or "json";
// level is "debug", "info", "warn" or "error".
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log format must be text or json, got %q", format)
	}
}

// EnrichLogger adds run context to a logger.
// Returns a new logger with run_id, node_id, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "run-123", "critic", 1)
//	enriched.Info("doing work") // includes run_id, node_id, attempt
func EnrichLogger(logger *slog.Logger, runID, nodeID string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.Int("attempt", attempt),
	)
}

// LogRunStart logs the start of a workflow run.
func LogRunStart(logger *slog.Logger, runID, graphName string) {
	if logger == nil {
		return
	}
	logger.Info("workflow run starting",
		slog.String("run_id", runID),
		slog.String("graph", graphName),
	)
}

// LogRunComplete logs the end of a workflow run.
func LogRunComplete(logger *slog.Logger, runID string, success bool, durationMs float64, failed []string) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if !success {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "workflow run completed",
		slog.String("run_id", runID),
		slog.Bool("success", success),
		slog.Float64("duration_ms", durationMs),
		slog.Any("failed_nodes", failed),
	)
}

// LogNodeStart logs node execution start.
func LogNodeStart(logger *slog.Logger, nodeID string) {
	if logger == nil {
		return
	}
	logger.Debug("node starting",
		slog.String("node_id", nodeID),
	)
}

// LogNodeComplete logs successful node completion.
func LogNodeComplete(logger *slog.Logger, nodeID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("node completed",
		slog.String("node_id", nodeID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogNodeError logs node execution error.
func LogNodeError(logger *slog.Logger, nodeID string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Error("node failed",
		slog.String("node_id", nodeID),
		slog.String("error", err.Error()),
	)
}

// LogFeedback logs a feedback edge firing.
func LogFeedback(logger *slog.Logger, source, target string, iteration, limit int) {
	if logger == nil {
		return
	}
	logger.Info("feedback edge fired",
		slog.String("source", source),
		slog.String("target", target),
		slog.Int("iteration", iteration),
		slog.Int("max_iterations", limit),
	)
}

// LogIntervention logs an approval request or its resolution.
func LogIntervention(logger *slog.Logger, nodeID, state string) {
	if logger == nil {
		return
	}
	logger.Info("intervention",
		slog.String("node_id", nodeID),
		slog.String("state", state),
	)
}

// LogRateLimited logs a provider entering cooldown (non-fatal).
func LogRateLimited(logger *slog.Logger, provider string, wait time.Duration) {
	if logger == nil {
		return
	}
	logger.Warn("provider rate limited",
		slog.String("provider", provider),
		slog.Duration("cooldown", wait),
	)
}

// LogStep logs a history step being recorded.
func LogStep(logger *slog.Logger, index int, nodeID, status string) {
	if logger == nil {
		return
	}
	logger.Debug("history step recorded",
		slog.Int("step", index),
		slog.String("node_id", nodeID),
		slog.String("status", status),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
