package flowrun

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/flowrun/pkg/flowrun/event"
	"github.com/randalmurphal/flowrun/pkg/flowrun/expr"
	"github.com/randalmurphal/flowrun/pkg/flowrun/observability"
	"github.com/randalmurphal/flowrun/pkg/flowrun/worker"
)

// Defaults for engine configuration.
const (
	DefaultMaxIterations = 100
	DefaultKeepAlive     = 15 * time.Second
)

// engineConfig holds configuration for an Engine.
type engineConfig struct {
	maxIterations  int
	keepAlive      time.Duration
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	tracingEnabled bool
	spans          observability.SpanManager
	pool           *worker.Pool
	broadcaster    *event.Broadcaster
	eventBuffer    int
	evaluator      *expr.Evaluator
	newID          func() string
}

// defaultEngineConfig returns the default engine configuration.
func defaultEngineConfig() engineConfig {
	return engineConfig{
		maxIterations: DefaultMaxIterations,
		keepAlive:     DefaultKeepAlive,
		logger:        slog.Default(),
		metrics:       observability.NoopMetrics{},
		spans:         observability.NoopSpanManager{},
		newID:         uuid.NewString,
	}
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithMaxIterations sets the default step ceiling for runs.
// Default: 100
//
// A graph's own MaxIterations takes precedence. A run that reaches the
// ceiling fails with MaxIterationsExceededError.
func WithMaxIterations(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithLogger sets the logger used for run and step logs.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
// Default: no metrics.
//
// Example:
//
//	engine := flowrun.New(st, reg,
//	    flowrun.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *engineConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables OpenTelemetry spans for runs and steps, using the
// global tracer provider.
func WithTracing(enabled bool) Option {
	return func(c *engineConfig) {
		c.tracingEnabled = enabled
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}

// WithSpanManager enables tracing through a specific span manager.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(c *engineConfig) {
		if sm != nil {
			c.tracingEnabled = true
			c.spans = sm
		}
	}
}

// WithWorkerPool sets the pool that runs blocking tools.
// Default: a pool of worker.DefaultSize owned by the engine.
func WithWorkerPool(p *worker.Pool) Option {
	return func(c *engineConfig) {
		c.pool = p
	}
}

// WithBroadcaster sets the event broadcaster.
// Default: a broadcaster owned by the engine.
func WithBroadcaster(b *event.Broadcaster) Option {
	return func(c *engineConfig) {
		c.broadcaster = b
	}
}

// WithEventBuffer sets the per-subscriber buffer of the engine's own
// broadcaster. It has no effect together with WithBroadcaster.
// Default: 256
func WithEventBuffer(n int) Option {
	return func(c *engineConfig) {
		c.eventBuffer = n
	}
}

// WithEvaluator sets the condition evaluator.
// Default: expr.New().
func WithEvaluator(ev *expr.Evaluator) Option {
	return func(c *engineConfig) {
		c.evaluator = ev
	}
}

// WithIDGenerator sets the function used for graph and run IDs.
// Default: uuid.NewString.
func WithIDGenerator(fn func() string) Option {
	return func(c *engineConfig) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithKeepAlive sets how long a subscription may stay idle before a
// keep-alive event is sent.
// Default: 15s
func WithKeepAlive(d time.Duration) Option {
	return func(c *engineConfig) {
		if d > 0 {
			c.keepAlive = d
		}
	}
}
