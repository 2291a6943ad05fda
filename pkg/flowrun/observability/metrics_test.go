package observability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a test meter provider with a manual reader.
func setupMetricsTest(t *testing.T) (MetricsRecorder, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	})

	m, err := NewMetricsRecorderFrom(provider)
	require.NoError(t, err)
	return m, reader
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

// findMetric finds a metric by name in the collected data.
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

func sumValue(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T", m.Name, m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetricsRecorder_UsesGlobalProvider(t *testing.T) {
	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop)
}

func TestOtelMetrics_RecordStep(t *testing.T) {
	m, reader := setupMetricsTest(t)
	ctx := context.Background()

	m.RecordStep(ctx, "extract", 10*time.Millisecond, nil)
	m.RecordStep(ctx, "extract", 20*time.Millisecond, errors.New("boom"))
	m.RecordStep(ctx, "check", 5*time.Millisecond, nil)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(3), sumValue(t, findMetric(rm, "flowrun.step.executions")))
	assert.Equal(t, int64(1), sumValue(t, findMetric(rm, "flowrun.step.errors")))

	latency := findMetric(rm, "flowrun.step.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestOtelMetrics_RecordRunAndDrops(t *testing.T) {
	m, reader := setupMetricsTest(t)
	ctx := context.Background()

	m.RecordRun(ctx, "completed", time.Second)
	m.RecordRun(ctx, "failed", time.Second)
	m.RecordEventDropped(ctx, "log")

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumValue(t, findMetric(rm, "flowrun.run.completed")))
	assert.Equal(t, int64(1), sumValue(t, findMetric(rm, "flowrun.events.dropped")))
	assert.NotNil(t, findMetric(rm, "flowrun.run.latency_ms"))
}

var promNamespaceSeq atomic.Uint64

func nextTestNamespace() string {
	return fmt.Sprintf("test_%d", promNamespaceSeq.Add(1))
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ns := nextTestNamespace()
	p := NewPrometheusMetrics(reg, ns)
	ctx := context.Background()

	p.RecordStep(ctx, "extract", 10*time.Millisecond, nil)
	p.RecordStep(ctx, "extract", 10*time.Millisecond, errors.New("boom"))
	p.RecordRun(ctx, "completed", time.Second)
	p.RecordEventDropped(ctx, "log")
	p.RecordHTTPRequest("POST", "/graph/run", 200, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.stepExecutions.WithLabelValues("extract")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.stepErrors.WithLabelValues("extract")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.eventsDropped.WithLabelValues("log")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.httpRequests.WithLabelValues("POST", "/graph/run", "200")))

	expected := fmt.Sprintf(`
# HELP %[1]s_runs_total Total number of runs that reached a terminal status
# TYPE %[1]s_runs_total counter
%[1]s_runs_total{status="completed"} 1
`, ns)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), ns+"_runs_total"))
}

func TestPrometheusMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ns := nextTestNamespace()
	NewPrometheusMetrics(reg, ns)
	assert.Panics(t, func() { NewPrometheusMetrics(reg, ns) })
}

type countingMetrics struct {
	steps, runs, drops int
}

func (c *countingMetrics) RecordStep(context.Context, string, time.Duration, error) { c.steps++ }
func (c *countingMetrics) RecordRun(context.Context, string, time.Duration)         { c.runs++ }
func (c *countingMetrics) RecordEventDropped(context.Context, string)               { c.drops++ }

func TestMultiMetrics(t *testing.T) {
	a, b := &countingMetrics{}, &countingMetrics{}
	mm := MultiMetrics{a, b, NoopMetrics{}}
	ctx := context.Background()

	mm.RecordStep(ctx, "n", time.Millisecond, nil)
	mm.RecordRun(ctx, "completed", time.Millisecond)
	mm.RecordEventDropped(ctx, "log")

	for _, c := range []*countingMetrics{a, b} {
		assert.Equal(t, 1, c.steps)
		assert.Equal(t, 1, c.runs)
		assert.Equal(t, 1, c.drops)
	}
}
