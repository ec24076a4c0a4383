// SPDX-License-Identifier: MIT

// Package cache provides a small byte cache used to serve hot entity reads
// (runs, experiments) without hitting the tracking store. Backends: an
// in-process map, Redis for multi-replica deployments, or a no-op.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/mlfoundry/trackd/internal/config"
	"github.com/mlfoundry/trackd/internal/metrics"
)

// Cache is a byte-oriented cache with per-entry TTL.
type Cache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores a value. A zero ttl falls back to the backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// New constructs the cache backend named by the configuration.
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Backend {
	case config.CacheBackendMemory:
		return NewMemory(cfg.TTL), nil
	case config.CacheBackendRedis:
		return NewRedis(cfg)
	case config.CacheBackendNone:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

// Noop is a cache that stores nothing.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error)            { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error    { return nil }
func (Noop) Delete(context.Context, string) error                        { return nil }
func (Noop) Close() error                                                { return nil }

// observe records a lookup outcome in the shared metrics.
func observe(hit bool) {
	if hit {
		metrics.CacheHitsTotal.WithLabelValues("hit").Inc()
		return
	}
	metrics.CacheHitsTotal.WithLabelValues("miss").Inc()
}
