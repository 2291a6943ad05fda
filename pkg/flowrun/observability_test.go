package flowrun

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/randalmurphal/flowrun/pkg/flowrun/observability"
	"github.com/randalmurphal/flowrun/pkg/flowrun/tool"
)

func TestTracing_RunAndStepSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e, _ := newTestEngine(t, map[string]tool.Func{
		"a":    setTool("a", 1),
		"boom": failingTool(assert.AnError),
	}, WithSpanManager(observability.NewSpanManagerFrom(tp)))

	run := runGraph(t, e, linearGraph("a", "boom"), nil)
	require.Equal(t, "failed", string(run.Status))

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	byName := make(map[string]tracetest.SpanStub, len(spans))
	for _, s := range spans {
		byName[s.Name] = s
	}
	runSpan, ok := byName["flowrun.run"]
	require.True(t, ok)
	first, ok := byName["flowrun.step.n0"]
	require.True(t, ok)
	second, ok := byName["flowrun.step.n1"]
	require.True(t, ok)

	assert.Equal(t, runSpan.SpanContext.SpanID(), first.Parent.SpanID())
	assert.Equal(t, runSpan.SpanContext.SpanID(), second.Parent.SpanID())
	assert.Equal(t, codes.Ok, first.Status.Code)
	assert.Equal(t, codes.Error, second.Status.Code)
	assert.Equal(t, codes.Error, runSpan.Status.Code)

	var transitions int
	for _, evt := range runSpan.Events {
		if evt.Name == "transition" {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)
}

func TestMetrics_Prometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, _ := newTestEngine(t, map[string]tool.Func{
		"a":    setTool("a", 1),
		"boom": failingTool(assert.AnError),
	}, WithMetrics(observability.NewPrometheusMetrics(reg, "test")))

	runGraph(t, e, linearGraph("a"), nil)
	runGraph(t, e, linearGraph("a", "boom"), nil)

	expected := `
		# HELP test_runs_total Total number of runs that reached a terminal status
		# TYPE test_runs_total counter
		test_runs_total{status="completed"} 1
		test_runs_total{status="failed"} 1
		# HELP test_step_errors_total Total number of steps that ended in error
		# TYPE test_step_errors_total counter
		test_step_errors_total{node_id="n1"} 1
		# HELP test_step_executions_total Total number of executed steps
		# TYPE test_step_executions_total counter
		test_step_executions_total{node_id="n0"} 2
		test_step_executions_total{node_id="n1"} 1
	`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"test_runs_total", "test_step_errors_total", "test_step_executions_total"))
}

func TestMetrics_OpenTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	recorder, err := observability.NewMetricsRecorderFrom(provider)
	require.NoError(t, err)

	e, _ := newTestEngine(t, map[string]tool.Func{"a": setTool("a", 1)}, WithMetrics(recorder))
	runGraph(t, e, linearGraph("a", "a", "a"), nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(3), sums["flowrun.step.executions"])
	assert.Equal(t, int64(1), sums["flowrun.run.completed"])
	assert.Zero(t, sums["flowrun.step.errors"])
}

func TestLogging_RunLifecycle(t *testing.T) {
	var buf bytes.Buffer
	logger, err := observability.NewLogger(&buf, "debug", "json")
	require.NoError(t, err)

	e, _ := newTestEngine(t, map[string]tool.Func{"a": setTool("a", 1)}, WithLogger(logger))
	run := runGraph(t, e, linearGraph("a"), nil)

	var messages []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		messages = append(messages, entry["msg"].(string))
		if entry["msg"] == "run completed" {
			assert.Equal(t, run.RunID, entry["run_id"])
		}
	}
	assert.Contains(t, messages, "graph created")
	assert.Contains(t, messages, "run starting")
	assert.Contains(t, messages, "step completed")
	assert.Contains(t, messages, "run completed")
}

func TestLogging_WarnsOnBrokenConditions(t *testing.T) {
	var buf bytes.Buffer
	logger, err := observability.NewLogger(&buf, "info", "json")
	require.NoError(t, err)

	e, _ := newTestEngine(t, nil, WithLogger(logger))
	g := linearGraph("a", "b", "c")
	g.Edges[0].Condition = "state['x'] <"
	g.Edges[1].Condition = "import os"

	_, err = e.CreateGraph(context.Background(), g)
	require.NoError(t, err, "conditions fail at evaluation, not at creation")

	var warned []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		if entry["msg"] == "edge condition will not evaluate" {
			assert.Equal(t, "WARN", entry["level"])
			warned = append(warned, entry["from_node"].(string))
		}
	}
	assert.Equal(t, []string{"n0", "n1"}, warned)
}
