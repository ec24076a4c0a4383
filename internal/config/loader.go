// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence ENV > file > defaults.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load loads configuration in strict order: defaults, then the YAML file
// (strict decoding, unknown keys rejected), then environment overrides,
// then validation.
func (l *Loader) Load() (AppConfig, error) {
	cfg := defaults()
	cfg.Version = l.version

	if l.configPath != "" {
		if err := l.mergeFile(&cfg, l.configPath); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaults() AppConfig {
	return AppConfig{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":5500",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Backend:    "file",
			DataDir:    "./trackd-data",
			SQLitePath: "./trackd-data/trackd.db",
		},
		Traces: TraceStoreConfig{
			Dir: "./trackd-data/traces",
			TTL: 0,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			RequestLimit: 600,
			Window:       time.Minute,
		},
		Ingest: IngestConfig{
			Enabled:       true,
			QueueSize:     4096,
			FlushInterval: time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 0.1,
			Environment:  "development",
		},
	}
}

func (l *Loader) mergeFile(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays TRACKD_* environment variables on top of cfg.
func applyEnv(cfg *AppConfig) {
	cfg.LogLevel = ParseString("TRACKD_LOG_LEVEL", cfg.LogLevel)

	cfg.Server.Addr = ParseString("TRACKD_LISTEN", cfg.Server.Addr)
	cfg.Server.ReadTimeout = ParseDuration("TRACKD_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = ParseDuration("TRACKD_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.ShutdownTimeout = ParseDuration("TRACKD_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Store.Backend = ParseString("TRACKD_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.DataDir = ParseString("TRACKD_DATA", cfg.Store.DataDir)
	cfg.Store.SQLitePath = ParseString("TRACKD_SQLITE_PATH", cfg.Store.SQLitePath)

	cfg.Traces.Dir = ParseString("TRACKD_TRACES_DIR", cfg.Traces.Dir)
	cfg.Traces.TTL = ParseDuration("TRACKD_TRACES_TTL", cfg.Traces.TTL)

	cfg.Cache.Backend = ParseString("TRACKD_CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.TTL = ParseDuration("TRACKD_CACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.RedisAddr = ParseString("TRACKD_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisDB = ParseInt("TRACKD_REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.RedisPassword = ParseString("TRACKD_REDIS_PASSWORD", cfg.Cache.RedisPassword)

	cfg.RateLimit.Enabled = ParseBool("TRACKD_RATELIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.RequestLimit = ParseInt("TRACKD_RATELIMIT_REQUESTS", cfg.RateLimit.RequestLimit)
	cfg.RateLimit.Window = ParseDuration("TRACKD_RATELIMIT_WINDOW", cfg.RateLimit.Window)

	cfg.Ingest.Enabled = ParseBool("TRACKD_INGEST_ENABLED", cfg.Ingest.Enabled)
	cfg.Ingest.QueueSize = ParseInt("TRACKD_INGEST_QUEUE_SIZE", cfg.Ingest.QueueSize)
	cfg.Ingest.FlushInterval = ParseDuration("TRACKD_INGEST_FLUSH_INTERVAL", cfg.Ingest.FlushInterval)

	cfg.Telemetry.Enabled = ParseBool("TRACKD_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = ParseString("TRACKD_OTEL_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = ParseString("TRACKD_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat("TRACKD_OTEL_SAMPLING", cfg.Telemetry.SamplingRate)
	cfg.Telemetry.Environment = ParseString("TRACKD_OTEL_ENVIRONMENT", cfg.Telemetry.Environment)
}

// Validate checks structural invariants of the configuration.
func Validate(cfg AppConfig) error {
	var errs []error

	switch cfg.Store.Backend {
	case StoreBackendFile, StoreBackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.backend must be \"file\" or \"sqlite\", got %q", cfg.Store.Backend))
	}
	if cfg.Store.DataDir == "" {
		errs = append(errs, errors.New("store.data_dir must not be empty"))
	}
	if cfg.Store.Backend == StoreBackendSQLite && cfg.Store.SQLitePath == "" {
		errs = append(errs, errors.New("store.sqlite_path must be set for the sqlite backend"))
	}

	switch cfg.Cache.Backend {
	case CacheBackendMemory, CacheBackendRedis, CacheBackendNone:
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be \"memory\", \"redis\" or \"none\", got %q", cfg.Cache.Backend))
	}
	if cfg.Cache.Backend == CacheBackendRedis && cfg.Cache.RedisAddr == "" {
		errs = append(errs, errors.New("cache.redis_addr must be set for the redis backend"))
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestLimit <= 0 {
			errs = append(errs, errors.New("rate_limit.request_limit must be positive"))
		}
		if cfg.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("rate_limit.window must be positive"))
		}
	}

	if cfg.Ingest.Enabled {
		if cfg.Ingest.QueueSize <= 0 {
			errs = append(errs, errors.New("ingest.queue_size must be positive"))
		}
		if cfg.Ingest.FlushInterval <= 0 {
			errs = append(errs, errors.New("ingest.flush_interval must be positive"))
		}
	}

	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.ExporterType {
		case "grpc", "http":
		default:
			errs = append(errs, fmt.Errorf("telemetry.exporter_type must be \"grpc\" or \"http\", got %q", cfg.Telemetry.ExporterType))
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			errs = append(errs, errors.New("telemetry.sampling_rate must be within [0, 1]"))
		}
	}

	return errors.Join(errs...)
}
