// SPDX-License-Identifier: MIT

// trackd-gc permanently removes soft-deleted experiments and runs that have
// been in the trash longer than the retention period. Soft deletion in the
// server only moves entities aside; this command is the only path that
// destroys data.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mlfoundry/trackd/internal/config"
	xglog "github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/store"
	"github.com/mlfoundry/trackd/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	olderThan := flag.Duration("older-than", 30*24*time.Hour, "only collect entities deleted at least this long ago (0 collects everything)")
	dryRun := flag.Bool("dry-run", false, "list what would be removed without removing it")
	flag.Parse()

	xglog.Configure(xglog.Config{
		Level:   "info",
		Service: "trackd-gc",
		Version: version.Version,
	})
	logger := xglog.WithComponent("gc")

	loader := config.NewLoader(*configPath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := run(context.Background(), cfg, *olderThan, *dryRun); err != nil {
		logger.Fatal().Err(err).Msg("gc failed")
	}
}

func run(ctx context.Context, cfg config.AppConfig, olderThan time.Duration, dryRun bool) error {
	logger := xglog.WithComponent("gc")

	st, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open tracking store: %w", err)
	}
	defer func() { _ = st.Close() }()

	var cutoff int64
	if olderThan > 0 {
		cutoff = time.Now().Add(-olderThan).UnixMilli()
	}

	runIDs, experimentIDs, err := st.ListDeleted(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list deleted entities: %w", err)
	}

	logger.Info().
		Int("runs", len(runIDs)).
		Int("experiments", len(experimentIDs)).
		Bool("dry_run", dryRun).
		Msg("collecting trash")

	if dryRun {
		for _, id := range runIDs {
			fmt.Fprintf(os.Stdout, "run\t%s\n", id)
		}
		for _, id := range experimentIDs {
			fmt.Fprintf(os.Stdout, "experiment\t%s\n", id)
		}
		return nil
	}

	var failed int
	for _, id := range runIDs {
		if err := st.HardDeleteRun(ctx, id); err != nil {
			logger.Error().Err(err).Str(xglog.FieldRunID, id).Msg("failed to remove run")
			failed++
		}
	}
	// Experiments last: removing an experiment removes its remaining runs.
	for _, id := range experimentIDs {
		if err := st.HardDeleteExperiment(ctx, id); err != nil {
			logger.Error().Err(err).Str(xglog.FieldExperimentID, id).Msg("failed to remove experiment")
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("gc finished with %d failures", failed)
	}
	logger.Info().Msg("gc complete")
	return nil
}
