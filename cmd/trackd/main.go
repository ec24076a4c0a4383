// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mlfoundry/trackd/internal/api"
	"github.com/mlfoundry/trackd/internal/artifacts"
	"github.com/mlfoundry/trackd/internal/cache"
	"github.com/mlfoundry/trackd/internal/config"
	"github.com/mlfoundry/trackd/internal/health"
	"github.com/mlfoundry/trackd/internal/ingest"
	xglog "github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/prompts"
	"github.com/mlfoundry/trackd/internal/store"
	"github.com/mlfoundry/trackd/internal/telemetry"
	"github.com/mlfoundry/trackd/internal/traces"
	"github.com/mlfoundry/trackd/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		info := version.Get()
		fmt.Printf("%s (commit: %s, built: %s)\n", info.Version, info.Commit, info.BuildDate)
		os.Exit(0)
	}

	// Configure logger with safe defaults until config is loaded.
	xglog.Configure(xglog.Config{
		Level:   "info",
		Service: "trackd",
		Version: version.Version,
	})
	logger := xglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Determine config path: explicit via --config, otherwise auto-load
	// ${TRACKD_DATA}/config.yaml if it exists.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		dataDir := strings.TrimSpace(os.Getenv("TRACKD_DATA"))
		if dataDir == "" {
			dataDir = "./trackd-data"
		}
		autoPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectivePath = autoPath
		}
	}

	loader := config.NewLoader(effectivePath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectivePath).
			Msg("failed to load configuration")
	}

	// Re-configure logger with loaded configuration.
	xglog.Configure(xglog.Config{
		Level:   cfg.LogLevel,
		Service: "trackd",
		Version: cfg.Version,
	})

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("addr", cfg.Server.Addr).
		Str("store_backend", cfg.Store.Backend).
		Str("data_dir", cfg.Store.DataDir).
		Msg("starting trackd")

	if err := run(ctx, cfg, loader, effectivePath); err != nil {
		logger.Fatal().Err(err).Msg("trackd exited with error")
	}
	logger.Info().Str("event", "shutdown.complete").Msg("trackd stopped")
}

func run(ctx context.Context, cfg config.AppConfig, loader *config.Loader, configPath string) error {
	logger := xglog.WithComponent("daemon")

	// Telemetry first so later components pick up the global tracer provider.
	tp, err := telemetry.New(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	trackingStore, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open tracking store: %w", err)
	}
	defer func() { _ = trackingStore.Close() }()

	traceStore, err := traces.Open(traces.Options{Dir: cfg.Traces.Dir, TTL: cfg.Traces.TTL})
	if err != nil {
		return fmt.Errorf("open trace store: %w", err)
	}
	defer func() { _ = traceStore.Close() }()

	registry, err := prompts.Open(promptsDBPath(cfg.Store))
	if err != nil {
		return fmt.Errorf("open prompt registry: %w", err)
	}
	defer func() { _ = registry.Close() }()

	entityCache, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer func() { _ = entityCache.Close() }()

	var ingester *ingest.Ingester
	if cfg.Ingest.Enabled {
		ingester = ingest.New(trackingStore, ingest.Options{
			QueueSize:     cfg.Ingest.QueueSize,
			FlushInterval: cfg.Ingest.FlushInterval,
		})
		ingester.Start()
		defer func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := ingester.Stop(drainCtx); err != nil {
				logger.Warn().Err(err).Msg("ingester drain incomplete")
			}
		}()
	}

	mgr := health.NewManager(cfg.Version)
	mgr.RegisterChecker(health.NewPingChecker("tracking_store", trackingStore))
	mgr.RegisterChecker(health.NewPingChecker("trace_store", traceStore))
	mgr.RegisterChecker(health.NewPingChecker("prompt_registry", registry))
	mgr.RegisterChecker(health.NewDirChecker("data_dir", cfg.Store.DataDir))

	srv := api.New(cfg, api.Deps{
		Store:     trackingStore,
		Traces:    traceStore,
		Prompts:   registry,
		Artifacts: artifacts.NewLocal(),
		Cache:     entityCache,
		Ingester:  ingester,
		Health:    mgr,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	holder := config.NewHolder(cfg, loader, configPath)
	configUpdates := make(chan config.AppConfig, 1)
	holder.Subscribe(configUpdates)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("event", "http.listening").Str("addr", httpServer.Addr).Msg("serving API")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Hot reload: file watch plus SIGHUP.
	g.Go(func() error {
		return holder.Watch(gctx)
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := holder.Reload(gctx); err != nil {
					logger.Warn().Err(err).Msg("SIGHUP reload failed")
				}
			}
		}
	})

	// Apply reloaded configuration to the running server.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-configUpdates:
				srv.ApplyConfig(next)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Str("event", "shutdown.begin").Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// promptsDBPath mirrors the sqlite default of the store factory so the
// registry and the sqlite tracking backend share one database file.
func promptsDBPath(cfg config.StoreConfig) string {
	if cfg.SQLitePath != "" {
		return cfg.SQLitePath
	}
	return filepath.Join(cfg.DataDir, "trackd.db")
}
