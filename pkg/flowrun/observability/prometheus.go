package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics records engine and HTTP metrics into a Prometheus
// registry.
type PrometheusMetrics struct {
	stepExecutions *prometheus.CounterVec
	stepErrors     *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	eventsDropped  *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// Compile-time interface check.
var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the collectors on reg under namespace.
// It panics if a collector with the same name is already registered on reg.
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		stepExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_executions_total",
				Help:      "Total number of executed steps",
			},
			[]string{"node_id"},
		),
		stepErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_errors_total",
				Help:      "Total number of steps that ended in error",
			},
			[]string{"node_id"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node_id"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of runs that reached a terminal status",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"status"},
		),
		eventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped for slow subscribers",
			},
			[]string{"event_type"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RecordStep implements MetricsRecorder.
func (p *PrometheusMetrics) RecordStep(_ context.Context, nodeID string, duration time.Duration, err error) {
	p.stepExecutions.WithLabelValues(nodeID).Inc()
	p.stepDuration.WithLabelValues(nodeID).Observe(duration.Seconds())
	if err != nil {
		p.stepErrors.WithLabelValues(nodeID).Inc()
	}
}

// RecordRun implements MetricsRecorder.
func (p *PrometheusMetrics) RecordRun(_ context.Context, status string, duration time.Duration) {
	p.runsTotal.WithLabelValues(status).Inc()
	p.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordEventDropped implements MetricsRecorder.
func (p *PrometheusMetrics) RecordEventDropped(_ context.Context, eventType string) {
	p.eventsDropped.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records one served HTTP request.
// route should be the matched pattern, not the raw path, to bound cardinality.
func (p *PrometheusMetrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
