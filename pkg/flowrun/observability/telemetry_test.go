package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTelemetry_Disabled(t *testing.T) {
	p, err := InitTelemetry(context.Background(), TelemetryConfig{Endpoint: "unused:4317"}, slog.Default())
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.NotNil(t, p.TracerProvider())
	assert.NotNil(t, p.MeterProvider())
	assert.NoError(t, p.Shutdown(context.Background()))

	// Disabled providers still produce working recorders.
	m, err := NewMetricsRecorderFrom(p.MeterProvider())
	require.NoError(t, err)
	m.RecordRun(context.Background(), "completed", 0)
	NewSpanManagerFrom(p.TracerProvider()).AddSpanEvent(context.Background(), "noop")
}

func TestProviders_NilIsSafe(t *testing.T) {
	var p *Providers
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.MeterProvider())
	assert.NoError(t, p.Shutdown(context.Background()))
}
