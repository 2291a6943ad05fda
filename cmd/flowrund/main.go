// Command flowrund serves the flowrun engine over HTTP and WebSocket.
//
// Usage:
//
//	flowrund [-config flowrun.yaml] [-graph review.yaml ...]
//
// Settings come from the optional config file and FLOWRUN_* environment
// variables; see package config. Each -graph file is created at startup and
// its assigned ID is logged. The code-review demo tools are always
// registered.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randalmurphal/flowrun/pkg/flowrun"
	"github.com/randalmurphal/flowrun/pkg/flowrun/config"
	"github.com/randalmurphal/flowrun/pkg/flowrun/httpapi"
	"github.com/randalmurphal/flowrun/pkg/flowrun/observability"
	"github.com/randalmurphal/flowrun/pkg/flowrun/store"
	"github.com/randalmurphal/flowrun/pkg/flowrun/tool"
	"github.com/randalmurphal/flowrun/pkg/flowrun/tools/codereview"
	"github.com/randalmurphal/flowrun/pkg/flowrun/worker"
)

const readHeaderTimeout = 10 * time.Second

// graphFiles collects repeated -graph flags.
type graphFiles []string

func (g *graphFiles) String() string { return strings.Join(*g, ",") }

func (g *graphFiles) Set(v string) error {
	*g = append(*g, v)
	return nil
}

func main() {
	var (
		configPath string
		graphs     graphFiles
	)
	flag.StringVar(&configPath, "config", "", "path to a YAML or JSON settings file")
	flag.Var(&graphs, "graph", "graph definition file to create at startup (repeatable)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configPath, graphs); err != nil {
		fmt.Fprintf(os.Stderr, "flowrund: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, graphs []string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(os.Stderr, settings.Log.Level, settings.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	d, err := newDaemon(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer d.close()

	for _, path := range graphs {
		if err := d.createGraph(ctx, path); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           d.api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", settings.ListenAddr, "storage", settings.Storage.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// daemon owns everything the server needs, in the order it must be closed.
type daemon struct {
	logger    *slog.Logger
	store     store.Store
	pool      *worker.Pool
	telemetry *observability.Providers
	engine    *flowrun.Engine
	api       *httpapi.Server
}

func newDaemon(ctx context.Context, s config.Settings, logger *slog.Logger) (*daemon, error) {
	st, err := openStore(ctx, s.Storage)
	if err != nil {
		return nil, err
	}

	telemetry, err := observability.InitTelemetry(ctx, observability.TelemetryConfig{
		Enabled:     s.Tracing.Enabled,
		Endpoint:    s.Tracing.Endpoint,
		ServiceName: s.Tracing.ServiceName,
		SampleRate:  s.Tracing.SampleRate,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	d := &daemon{
		logger:    logger,
		store:     st,
		pool:      worker.NewPool(s.Engine.Workers),
		telemetry: telemetry,
	}

	opts := []flowrun.Option{
		flowrun.WithLogger(logger),
		flowrun.WithMaxIterations(s.Engine.MaxIterations),
		flowrun.WithKeepAlive(s.Engine.KeepAlive),
		flowrun.WithEventBuffer(s.Engine.EventBuffer),
		flowrun.WithWorkerPool(d.pool),
	}
	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithRunRateLimit(s.HTTP.RunRateLimit, s.HTTP.RunBurst),
	}

	var recorders observability.MultiMetrics
	if s.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		prom := observability.NewPrometheusMetrics(reg, s.Metrics.Namespace)
		recorders = append(recorders, prom)
		apiOpts = append(apiOpts, httpapi.WithMetrics(prom), httpapi.WithGatherer(reg))
	}
	if telemetry.Enabled() {
		otelMetrics, err := observability.NewMetricsRecorderFrom(telemetry.MeterProvider())
		if err != nil {
			d.close()
			return nil, fmt.Errorf("create otel metrics: %w", err)
		}
		recorders = append(recorders, otelMetrics)
		opts = append(opts, flowrun.WithSpanManager(observability.NewSpanManagerFrom(telemetry.TracerProvider())))
		apiOpts = append(apiOpts, httpapi.WithTracerProvider(telemetry.TracerProvider()))
	}
	if len(recorders) > 0 {
		opts = append(opts, flowrun.WithMetrics(recorders))
	}

	reg := tool.NewRegistry()
	codereview.Register(reg)

	d.engine = flowrun.New(st, reg, opts...)
	d.api = httpapi.New(d.engine, apiOpts...)
	return d, nil
}

// openStore opens the configured backend. The durable backends retry
// transient failures.
func openStore(ctx context.Context, s config.StorageSettings) (store.Store, error) {
	retry := store.RetryConfig{
		MaxAttempts:    s.RetryAttempts,
		InitialBackoff: s.RetryBackoff,
		MaxBackoff:     store.DefaultRetry.MaxBackoff,
	}

	switch s.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendSQLite:
		st, err := store.NewSQLiteStore(s.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store.NewRetryingStore(st, retry), nil
	case config.BackendRedis:
		st, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
			Prefix:   s.RedisPrefix,
			TTL:      s.RedisTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return store.NewRetryingStore(st, retry), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}

func (d *daemon) createGraph(ctx context.Context, path string) error {
	g, err := config.LoadGraphFile(path)
	if err != nil {
		return err
	}
	id, err := d.engine.CreateGraph(ctx, *g)
	if err != nil {
		return fmt.Errorf("create graph from %s: %w", path, err)
	}
	d.logger.Info("graph loaded", "path", path, "graph_id", id, "name", g.Name)
	return nil
}

// close stops the engine first so no run writes to a closed store.
func (d *daemon) close() {
	if d.engine != nil {
		if err := d.engine.Close(); err != nil {
			d.logger.Warn("engine close", "error", err)
		}
	}
	d.pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flowrun.DefaultKeepAlive)
	defer cancel()
	if err := d.telemetry.Shutdown(ctx); err != nil {
		d.logger.Warn("telemetry shutdown", "error", err)
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close", "error", err)
	}
}
