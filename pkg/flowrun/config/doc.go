/*
Package config loads daemon settings and graph definition files.

# Overview

Config wraps a map[string]any decoded from YAML or JSON and provides typed
accessors that fall back to defaults on missing keys or type mismatches.
Keys may be dotted paths into nested maps:

	cfg, _ := config.FromYAML([]byte("storage:\n  backend: sqlite\n"))
	cfg.String("storage.backend", "memory") // "sqlite"

Settings is the typed view the daemon uses. Load combines a file, the
defaults and environment overrides:

	settings, err := config.Load("flowrun.yaml")

# Settings File

	listen_addr: ":8080"
	storage:
	  backend: sqlite          # memory | sqlite | redis
	  sqlite_path: flowrun.db
	  redis_addr: localhost:6379
	  redis_prefix: flowrun
	  retry_attempts: 3        # per operation, sqlite and redis only
	  retry_backoff: 50ms
	engine:
	  max_iterations: 100
	  workers: 8
	  keepalive: 15s
	http:
	  run_rate_limit: 5        # requests per second, 0 disables
	  run_burst: 10
	log:
	  level: info
	  format: json
	metrics:
	  enabled: true
	tracing:
	  enabled: false
	  endpoint: localhost:4317 # OTLP/gRPC collector
	  sample_rate: 1

# Environment

FLOWRUN_STORAGE selects the backend (STORAGE_TYPE is accepted too).
FLOWRUN_LISTEN_ADDR, FLOWRUN_SQLITE_PATH, FLOWRUN_REDIS_ADDR,
FLOWRUN_REDIS_PASSWORD, FLOWRUN_MAX_ITERATIONS, FLOWRUN_WORKERS,
FLOWRUN_LOG_LEVEL, FLOWRUN_LOG_FORMAT and FLOWRUN_OTLP_ENDPOINT override
the file.

# Graph Files

LoadGraphFile decodes a graph definition:

	id: review
	start_node: extract
	nodes:
	  - id: extract
	    tool: extract_functions
	edges:
	  - from_node: extract
	    to_node: check
*/
package config
