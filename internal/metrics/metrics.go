// SPDX-License-Identifier: MIT

// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trackd"

var (
	// HTTPRequestsTotal counts API requests by route pattern and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration observes request latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "route"})

	// StoreOpsTotal counts tracking-store operations by name and outcome.
	StoreOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Tracking store operations by name and outcome.",
	}, []string{"op", "outcome"})

	// IngestQueueDepth reports the current buffered metric count.
	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Metrics currently buffered by the ingester.",
	})

	// IngestFlushesTotal counts ingester flushes by outcome.
	IngestFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "flushes_total",
		Help:      "Ingester flush cycles by outcome.",
	}, []string{"outcome"})

	// IngestRejectedTotal counts metric points rejected because the queue
	// was full.
	IngestRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "rejected_total",
		Help:      "Metric points rejected due to a full ingest queue.",
	})

	// CacheHitsTotal counts entity-cache lookups by result.
	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Entity cache lookups by result.",
	}, []string{"result"})
)

// ObserveStoreOp records one store operation outcome.
func ObserveStoreOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StoreOpsTotal.WithLabelValues(op, outcome).Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
