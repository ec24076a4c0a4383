// SPDX-License-Identifier: MIT

// Package config loads and validates the trackd configuration with
// precedence ENV > file > defaults.
package config

import "time"

// Store backend names.
const (
	StoreBackendFile   = "file"
	StoreBackendSQLite = "sqlite"
)

// Cache backend names.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendNone   = "none"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// StoreConfig selects and configures the tracking store backend.
type StoreConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend"`
	// DataDir is the root directory for the file backend and the default
	// artifact root.
	DataDir string `yaml:"data_dir"`
	// SQLitePath is the database file for the sqlite backend and the
	// prompt registry.
	SQLitePath string `yaml:"sqlite_path"`
}

// TraceStoreConfig configures the badger-backed trace store.
type TraceStoreConfig struct {
	Dir string        `yaml:"dir"`
	TTL time.Duration `yaml:"ttl"` // 0 disables expiry
}

// CacheConfig configures the read-through entity cache.
type CacheConfig struct {
	// Backend is "memory", "redis" or "none".
	Backend   string        `yaml:"backend"`
	TTL       time.Duration `yaml:"ttl"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	// RedisPassword is only settable via TRACKD_REDIS_PASSWORD.
	RedisPassword string `yaml:"-"`
}

// RateLimitConfig configures the global API rate limiter.
type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	RequestLimit int           `yaml:"request_limit"`
	Window       time.Duration `yaml:"window"`
}

// IngestConfig configures the buffered metric ingester.
type IngestConfig struct {
	Enabled       bool          `yaml:"enabled"`
	QueueSize     int           `yaml:"queue_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// TelemetryConfig configures OpenTelemetry export for the server itself.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter_type"` // "grpc" or "http"
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// AppConfig is the full daemon configuration.
type AppConfig struct {
	LogLevel  string           `yaml:"log_level"`
	Server    ServerConfig     `yaml:"server"`
	Store     StoreConfig      `yaml:"store"`
	Traces    TraceStoreConfig `yaml:"traces"`
	Cache     CacheConfig      `yaml:"cache"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Ingest    IngestConfig     `yaml:"ingest"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`

	// Version is injected by the loader, not read from file.
	Version string `yaml:"-"`
}
