package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Settings is the typed daemon configuration.
type Settings struct {
	ListenAddr string
	Storage    StorageSettings
	Engine     EngineSettings
	HTTP       HTTPSettings
	Log        LogSettings
	Metrics    MetricsSettings
	Tracing    TracingSettings
}

// StorageSettings selects and configures the store backend.
type StorageSettings struct {
	Backend       string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisTTL      time.Duration

	// RetryAttempts bounds attempts per store operation on the durable
	// backends. 1 disables retrying.
	RetryAttempts int
	RetryBackoff  time.Duration
}

// EngineSettings configures the execution engine.
type EngineSettings struct {
	MaxIterations int
	Workers       int
	KeepAlive     time.Duration
	EventBuffer   int
}

// HTTPSettings configures the HTTP server.
type HTTPSettings struct {
	// RunRateLimit is the sustained number of POST /graph/run requests per
	// second. Zero disables rate limiting.
	RunRateLimit    float64
	RunBurst        int
	ShutdownTimeout time.Duration
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string
	Format string
}

// MetricsSettings configures Prometheus metrics.
type MetricsSettings struct {
	Enabled   bool
	Namespace string
}

// TracingSettings configures OpenTelemetry export over OTLP/gRPC.
type TracingSettings struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	// SampleRate is the fraction of runs traced, in [0, 1].
	SampleRate float64
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		ListenAddr: ":8080",
		Storage: StorageSettings{
			Backend:     BackendMemory,
			SQLitePath:  "flowrun.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "flowrun",

			RetryAttempts: 3,
			RetryBackoff:  50 * time.Millisecond,
		},
		Engine: EngineSettings{
			MaxIterations: 100,
			Workers:       8,
			KeepAlive:     15 * time.Second,
			EventBuffer:   256,
		},
		HTTP: HTTPSettings{
			RunBurst:        10,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsSettings{
			Enabled:   true,
			Namespace: "flowrun",
		},
		Tracing: TracingSettings{
			Endpoint:    "localhost:4317",
			ServiceName: "flowrund",
			SampleRate:  1,
		},
	}
}

// FromConfig overlays cfg on the defaults.
func FromConfig(cfg Config) Settings {
	d := Defaults()
	return Settings{
		ListenAddr: cfg.String("listen_addr", d.ListenAddr),
		Storage: StorageSettings{
			Backend:       cfg.String("storage.backend", d.Storage.Backend),
			SQLitePath:    cfg.String("storage.sqlite_path", d.Storage.SQLitePath),
			RedisAddr:     cfg.String("storage.redis_addr", d.Storage.RedisAddr),
			RedisPassword: cfg.String("storage.redis_password", d.Storage.RedisPassword),
			RedisDB:       cfg.Int("storage.redis_db", d.Storage.RedisDB),
			RedisPrefix:   cfg.String("storage.redis_prefix", d.Storage.RedisPrefix),
			RedisTTL:      cfg.Duration("storage.redis_ttl", d.Storage.RedisTTL),
			RetryAttempts: cfg.Int("storage.retry_attempts", d.Storage.RetryAttempts),
			RetryBackoff:  cfg.Duration("storage.retry_backoff", d.Storage.RetryBackoff),
		},
		Engine: EngineSettings{
			MaxIterations: cfg.Int("engine.max_iterations", d.Engine.MaxIterations),
			Workers:       cfg.Int("engine.workers", d.Engine.Workers),
			KeepAlive:     cfg.Duration("engine.keepalive", d.Engine.KeepAlive),
			EventBuffer:   cfg.Int("engine.event_buffer", d.Engine.EventBuffer),
		},
		HTTP: HTTPSettings{
			RunRateLimit:    cfg.Float("http.run_rate_limit", d.HTTP.RunRateLimit),
			RunBurst:        cfg.Int("http.run_burst", d.HTTP.RunBurst),
			ShutdownTimeout: cfg.Duration("http.shutdown_timeout", d.HTTP.ShutdownTimeout),
		},
		Log: LogSettings{
			Level:  cfg.String("log.level", d.Log.Level),
			Format: cfg.String("log.format", d.Log.Format),
		},
		Metrics: MetricsSettings{
			Enabled:   cfg.Bool("metrics.enabled", d.Metrics.Enabled),
			Namespace: cfg.String("metrics.namespace", d.Metrics.Namespace),
		},
		Tracing: TracingSettings{
			Enabled:     cfg.Bool("tracing.enabled", d.Tracing.Enabled),
			Endpoint:    cfg.String("tracing.endpoint", d.Tracing.Endpoint),
			ServiceName: cfg.String("tracing.service_name", d.Tracing.ServiceName),
			SampleRate:  cfg.Float("tracing.sample_rate", d.Tracing.SampleRate),
		},
	}
}

// ApplyEnv applies environment overrides using lookup (usually os.LookupEnv).
//
// Recognised variables: FLOWRUN_LISTEN_ADDR, FLOWRUN_STORAGE (or STORAGE_TYPE),
// FLOWRUN_SQLITE_PATH, FLOWRUN_REDIS_ADDR, FLOWRUN_REDIS_PASSWORD,
// FLOWRUN_MAX_ITERATIONS, FLOWRUN_WORKERS, FLOWRUN_LOG_LEVEL, FLOWRUN_LOG_FORMAT,
// FLOWRUN_OTLP_ENDPOINT.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, names ...string) {
		for _, name := range names {
			if v, ok := lookup(name); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, name string) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str(&s.ListenAddr, "FLOWRUN_LISTEN_ADDR")
	str(&s.Storage.Backend, "FLOWRUN_STORAGE", "STORAGE_TYPE")
	str(&s.Storage.SQLitePath, "FLOWRUN_SQLITE_PATH")
	str(&s.Storage.RedisAddr, "FLOWRUN_REDIS_ADDR")
	str(&s.Storage.RedisPassword, "FLOWRUN_REDIS_PASSWORD")
	str(&s.Log.Level, "FLOWRUN_LOG_LEVEL")
	str(&s.Log.Format, "FLOWRUN_LOG_FORMAT")
	str(&s.Tracing.Endpoint, "FLOWRUN_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	return errors.Join(
		num(&s.Engine.MaxIterations, "FLOWRUN_MAX_ITERATIONS"),
		num(&s.Engine.Workers, "FLOWRUN_WORKERS"),
	)
}

// Validate reports every invalid setting.
func (s Settings) Validate() error {
	var errs []error
	switch s.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendSQLite:
		if s.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", s.Storage.Backend))
	}
	if s.Storage.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("storage.retry_attempts must be positive, got %d", s.Storage.RetryAttempts))
	}
	if s.Engine.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_iterations must be positive, got %d", s.Engine.MaxIterations))
	}
	if s.Engine.Workers <= 0 {
		errs = append(errs, fmt.Errorf("engine.workers must be positive, got %d", s.Engine.Workers))
	}
	if s.HTTP.RunRateLimit < 0 {
		errs = append(errs, fmt.Errorf("http.run_rate_limit must not be negative, got %g", s.HTTP.RunRateLimit))
	}
	if s.HTTP.RunRateLimit > 0 && s.HTTP.RunBurst <= 0 {
		errs = append(errs, errors.New("http.run_burst must be positive when rate limiting is enabled"))
	}
	if s.Tracing.Enabled {
		if s.Tracing.Endpoint == "" {
			errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
		}
		if s.Tracing.SampleRate < 0 || s.Tracing.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("tracing.sample_rate must be in [0, 1], got %g", s.Tracing.SampleRate))
		}
	}
	return errors.Join(errs...)
}
