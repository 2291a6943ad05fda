package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusMetrics for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStep records one step with its duration and error status.
	RecordStep(ctx context.Context, nodeID string, duration time.Duration, err error)

	// RecordRun records a run reaching a terminal status.
	RecordRun(ctx context.Context, status string, duration time.Duration)

	// RecordEventDropped records an event dropped for a slow subscriber.
	RecordEventDropped(ctx context.Context, eventType string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	stepExecutions metric.Int64Counter
	stepLatency    metric.Float64Histogram
	stepErrors     metric.Int64Counter
	runsCompleted  metric.Int64Counter
	runLatency     metric.Float64Histogram
	eventsDropped  metric.Int64Counter
}

// newOtelMetrics creates the instruments on the given provider.
func newOtelMetrics(provider metric.MeterProvider) (*otelMetrics, error) {
	meter := provider.Meter("flowrun")

	stepExecutions, err := meter.Int64Counter("flowrun.step.executions",
		metric.WithDescription("Number of executed steps"),
	)
	if err != nil {
		return nil, err
	}

	stepLatency, err := meter.Float64Histogram("flowrun.step.latency_ms",
		metric.WithDescription("Step latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stepErrors, err := meter.Int64Counter("flowrun.step.errors",
		metric.WithDescription("Number of steps that ended in error"),
	)
	if err != nil {
		return nil, err
	}

	runsCompleted, err := meter.Int64Counter("flowrun.run.completed",
		metric.WithDescription("Number of runs that reached a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	runLatency, err := meter.Float64Histogram("flowrun.run.latency_ms",
		metric.WithDescription("Run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	eventsDropped, err := meter.Int64Counter("flowrun.events.dropped",
		metric.WithDescription("Number of events dropped for slow subscribers"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		stepExecutions: stepExecutions,
		stepLatency:    stepLatency,
		stepErrors:     stepErrors,
		runsCompleted:  runsCompleted,
		runLatency:     runLatency,
		eventsDropped:  eventsDropped,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses the global
// OpenTelemetry meter provider. If initialization fails, it returns a no-op
// recorder.
//
// Configure the provider before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := NewMetricsRecorderFrom(otel.GetMeterProvider())
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderFrom returns a MetricsRecorder backed by provider.
func NewMetricsRecorderFrom(provider metric.MeterProvider) (MetricsRecorder, error) {
	return newOtelMetrics(provider)
}

// RecordStep records one step.
func (m *otelMetrics) RecordStep(ctx context.Context, nodeID string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("node_id", nodeID))

	m.stepExecutions.Add(ctx, 1, attrs)
	m.stepLatency.Record(ctx, durationMs(duration), attrs)
	if err != nil {
		m.stepErrors.Add(ctx, 1, attrs)
	}
}

// RecordRun records a finished run.
func (m *otelMetrics) RecordRun(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runsCompleted.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, durationMs(duration), attrs)
}

// RecordEventDropped records a dropped event.
func (m *otelMetrics) RecordEventDropped(ctx context.Context, eventType string) {
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// MultiMetrics fans every record out to several recorders.
type MultiMetrics []MetricsRecorder

// Compile-time interface check.
var _ MetricsRecorder = MultiMetrics(nil)

// RecordStep implements MetricsRecorder.
func (mm MultiMetrics) RecordStep(ctx context.Context, nodeID string, duration time.Duration, err error) {
	for _, m := range mm {
		m.RecordStep(ctx, nodeID, duration, err)
	}
}

// RecordRun implements MetricsRecorder.
func (mm MultiMetrics) RecordRun(ctx context.Context, status string, duration time.Duration) {
	for _, m := range mm {
		m.RecordRun(ctx, status, duration)
	}
}

// RecordEventDropped implements MetricsRecorder.
func (mm MultiMetrics) RecordEventDropped(ctx context.Context, eventType string) {
	for _, m := range mm {
		m.RecordEventDropped(ctx, eventType)
	}
}
