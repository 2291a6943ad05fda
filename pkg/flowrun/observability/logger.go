// Package observability provides structured logging, metrics and tracing
// for the flowrun engine.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds a logger writing to w.
// format is "json" or "text"; level is debug, info, warn or error.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// ParseLevel converts a level name to a slog.Level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", level)
	}
	return lvl, nil
}

// EnrichLogger adds run context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "run-123", "extract")
//	enriched.Info("doing work") // includes run_id and node_id
func EnrichLogger(logger *slog.Logger, runID, nodeID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
	)
}

// LogRunStart logs the start of a run.
func LogRunStart(logger *slog.Logger, runID, graphID, startNode string) {
	if logger == nil {
		return
	}
	logger.Info("run starting",
		slog.String("run_id", runID),
		slog.String("graph_id", graphID),
		slog.String("start_node", startNode),
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, runID string, durationMs float64, steps int) {
	if logger == nil {
		return
	}
	logger.Info("run completed",
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("steps", steps),
	)
}

// LogRunError logs run failure.
func LogRunError(logger *slog.Logger, runID, kind string, err error, durationMs float64, lastNode string) {
	if logger == nil {
		return
	}
	logger.Error("run failed",
		slog.String("run_id", runID),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_node", lastNode),
	)
}

// LogStepComplete logs a successfully recorded step.
func LogStepComplete(logger *slog.Logger, nodeID string, sequence int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("step completed",
		slog.String("node_id", nodeID),
		slog.Int("sequence", sequence),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepError logs a step that ended in error.
func LogStepError(logger *slog.Logger, nodeID string, sequence int, err error) {
	if logger == nil {
		return
	}
	logger.Error("step failed",
		slog.String("node_id", nodeID),
		slog.Int("sequence", sequence),
		slog.String("error", err.Error()),
	)
}

// LogTransition logs the edge chosen after a step.
func LogTransition(logger *slog.Logger, from, to, condition string) {
	if logger == nil {
		return
	}
	logger.Debug("transition",
		slog.String("from_node", from),
		slog.String("to_node", to),
		slog.String("condition", condition),
	)
}

// LogEventDropped logs an event lost to a slow subscriber.
func LogEventDropped(logger *slog.Logger, runID, eventType, subscriberID string) {
	if logger == nil {
		return
	}
	logger.Warn("event dropped",
		slog.String("run_id", runID),
		slog.String("event_type", eventType),
		slog.String("subscriber_id", subscriberID),
	)
}

// LogStorageError logs a failed storage operation.
func LogStorageError(logger *slog.Logger, runID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("storage failed",
		slog.String("run_id", runID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
