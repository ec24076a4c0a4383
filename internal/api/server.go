// SPDX-License-Identifier: MIT

// Package api exposes the tracking service over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mlfoundry/trackd/internal/api/middleware"
	"github.com/mlfoundry/trackd/internal/artifacts"
	"github.com/mlfoundry/trackd/internal/cache"
	"github.com/mlfoundry/trackd/internal/config"
	"github.com/mlfoundry/trackd/internal/health"
	"github.com/mlfoundry/trackd/internal/ingest"
	"github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/metrics"
	"github.com/mlfoundry/trackd/internal/prompts"
	"github.com/mlfoundry/trackd/internal/tracking"
	"github.com/mlfoundry/trackd/internal/traces"
	"github.com/mlfoundry/trackd/internal/version"
)

// Deps carries the constructed backends the server routes to.
type Deps struct {
	Store     tracking.Store
	Traces    *traces.Store
	Prompts   *prompts.Registry
	Artifacts artifacts.Store
	Cache     cache.Cache
	Ingester  *ingest.Ingester // nil disables buffered metric ingestion
	Health    *health.Manager
}

// Server handles the REST surface.
type Server struct {
	cfg       config.AppConfig
	store     tracking.Store
	traces    *traces.Store
	prompts   *prompts.Registry
	artifacts artifacts.Store
	cache     cache.Cache
	ingester  *ingest.Ingester
	health    *health.Manager
	limiter   *middleware.RateLimiter // nil when rate limiting is disabled
	log       zerolog.Logger
}

// New builds a server over the given dependencies.
func New(cfg config.AppConfig, deps Deps) *Server {
	c := deps.Cache
	if c == nil {
		c = cache.Noop{}
	}
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestLimit: cfg.RateLimit.RequestLimit,
			WindowSize:   cfg.RateLimit.Window,
		})
	}
	return &Server{
		cfg:       cfg,
		store:     deps.Store,
		traces:    deps.Traces,
		prompts:   deps.Prompts,
		artifacts: deps.Artifacts,
		cache:     c,
		ingester:  deps.Ingester,
		health:    deps.Health,
		limiter:   limiter,
		log:       log.WithComponent("api"),
	}
}

// ApplyConfig applies the reloadable parts of a new configuration to a
// running server. Currently that is the rate-limit policy; the log level is
// handled by the config holder itself.
func (s *Server) ApplyConfig(cfg config.AppConfig) {
	if s.limiter == nil || !cfg.RateLimit.Enabled {
		return
	}
	s.limiter.Update(cfg.RateLimit.RequestLimit, cfg.RateLimit.Window)
	s.log.Info().
		Int("request_limit", cfg.RateLimit.RequestLimit).
		Dur("window", cfg.RateLimit.Window).
		Msg("rate limit updated")
}

// Routes builds the router with the canonical middleware stack.
func (s *Server) Routes() http.Handler {
	tracingService := ""
	if s.cfg.Telemetry.Enabled {
		tracingService = "trackd-api"
	}
	r := middleware.NewRouter(middleware.StackConfig{
		EnableCORS:            true,
		AllowedOrigins:        s.cfg.Server.AllowedOrigins,
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		TracingService:        tracingService,
		EnableLogging:         true,
		EnableRateLimit:       s.cfg.RateLimit.Enabled,
		RateLimiter:           s.limiter,
	})

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/experiments", func(r chi.Router) {
			r.Post("/create", s.createExperiment)
			r.Get("/get", s.getExperiment)
			r.Get("/get-by-name", s.getExperimentByName)
			r.Post("/search", s.searchExperiments)
			r.Post("/update", s.updateExperiment)
			r.Post("/delete", s.deleteExperiment)
			r.Post("/restore", s.restoreExperiment)
			r.Post("/set-experiment-tag", s.setExperimentTag)
			r.Post("/delete-experiment-tag", s.deleteExperimentTag)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Post("/create", s.createRun)
			r.Get("/get", s.getRun)
			r.Post("/update", s.updateRun)
			r.Post("/delete", s.deleteRun)
			r.Post("/restore", s.restoreRun)
			r.Post("/search", s.searchRuns)
			r.Post("/log-metric", s.logMetric)
			r.Post("/log-parameter", s.logParam)
			r.Post("/set-tag", s.setRunTag)
			r.Post("/delete-tag", s.deleteRunTag)
			r.Post("/log-batch", s.logBatch)
		})

		r.Get("/metrics/get-history", s.getMetricHistory)

		r.Route("/traces", func(r chi.Router) {
			r.Post("/start", s.startTrace)
			r.Post("/search", s.searchTraces)
			r.Post("/delete", s.deleteTraces)
			r.Get("/{trace_id}", s.getTraceInfo)
			r.Post("/{trace_id}/end", s.endTrace)
			r.Post("/{trace_id}/set-tag", s.setTraceTag)
			r.Post("/{trace_id}/delete-tag", s.deleteTraceTag)
		})

		r.Route("/artifacts/{run_id}", func(r chi.Router) {
			r.Get("/list", s.listArtifacts)
			r.Get("/files/*", s.downloadArtifact)
			r.Put("/files/*", s.uploadArtifact)
			r.Delete("/files/*", s.deleteArtifact)
		})

		r.Route("/prompts", func(r chi.Router) {
			r.Post("/create", s.createPrompt)
			r.Get("/get", s.getPrompt)
			r.Post("/search", s.searchPrompts)
			r.Post("/delete", s.deletePrompt)
			r.Post("/set-tag", s.setPromptTag)
			r.Post("/delete-tag", s.deletePromptTag)
			r.Post("/versions/create", s.createPromptVersion)
			r.Get("/versions/get", s.getPromptVersion)
			r.Get("/versions/list", s.listPromptVersions)
			r.Post("/versions/delete", s.deletePromptVersion)
			r.Post("/versions/set-tag", s.setPromptVersionTag)
			r.Post("/versions/delete-tag", s.deletePromptVersionTag)
			r.Post("/aliases/set", s.setPromptAlias)
			r.Post("/aliases/delete", s.deletePromptAlias)
		})
	})

	return r
}
