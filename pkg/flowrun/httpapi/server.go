// Package httpapi exposes an Engine over HTTP and WebSocket.
//
// Routes:
//
//	POST /graph/create           create a graph, returns {graph_id, message}
//	POST /graph/run              start a run, returns {run_id, status}
//	GET  /graph/state/{run_id}   run record, ?include_logs=true adds steps
//	GET  /graph/logs/{run_id}    recorded steps
//	POST /graph/cancel/{run_id}  request cancellation
//	GET  /graph/ws/run/{run_id}  WebSocket event stream
//	GET  /graph/{graph_id}       stored graph definition
//	GET  /tools                  registered tools
//	GET  /healthz                liveness
//	GET  /metrics                Prometheus metrics, when a gatherer is set
//
// Errors are returned as JSON {kind, message}.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/randalmurphal/flowrun/pkg/flowrun"
	"github.com/randalmurphal/flowrun/pkg/flowrun/observability"
)

// Defaults for server configuration.
const (
	DefaultMaxBodyBytes = 1 << 20
	DefaultWriteTimeout = 10 * time.Second
)

// Server serves the engine API.
type Server struct {
	engine       *flowrun.Engine
	logger       *slog.Logger
	metrics      *observability.PrometheusMetrics
	gatherer     prometheus.Gatherer
	tracer       trace.TracerProvider
	runLimiter   *rate.Limiter
	maxBodyBytes int64
	writeTimeout time.Duration

	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for request and connection logs.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records every request on m.
func WithMetrics(m *observability.PrometheusMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithGatherer serves g on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithTracerProvider traces every request with spans from tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		s.tracer = tp
	}
}

// WithRunRateLimit limits POST /graph/run to rps requests per second with
// the given burst. A non-positive rps disables the limit.
func WithRunRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.runLimiter = nil
			return
		}
		s.runLimiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithMaxBodyBytes caps request bodies.
// Default: 1 MiB
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithWriteTimeout bounds each WebSocket frame write.
// Default: 10s
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// New creates a Server for engine.
func New(engine *flowrun.Engine, opts ...Option) *Server {
	if engine == nil {
		panic("httpapi: engine is nil")
	}
	s := &Server{
		engine:       engine,
		logger:       slog.Default(),
		maxBodyBytes: DefaultMaxBodyBytes,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /graph/create", s.handleCreateGraph)
	mux.Handle("POST /graph/run", s.rateLimited(http.HandlerFunc(s.handleStartRun)))
	mux.HandleFunc("GET /graph/state/{run_id}", s.handleRunState)
	mux.HandleFunc("GET /graph/logs/{run_id}", s.handleRunLogs)
	mux.HandleFunc("POST /graph/cancel/{run_id}", s.handleCancel)
	mux.HandleFunc("GET /graph/ws/run/{run_id}", s.handleStream)
	mux.HandleFunc("GET /graph/{graph_id}", s.handleGetGraph)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return chain(mux,
		recovery(s.logger),
		traceRequests(s.tracer),
		requestLogger(s.logger),
		recordMetrics(s.metrics),
	)
}
