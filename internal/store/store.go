// SPDX-License-Identifier: MIT

// Package store selects and opens the configured tracking backend.
package store

import (
	"fmt"
	"path/filepath"

	"github.com/mlfoundry/trackd/internal/config"
	xglog "github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/tracking"
	"github.com/mlfoundry/trackd/internal/tracking/filestore"
	"github.com/mlfoundry/trackd/internal/tracking/sqlstore"
)

// Open constructs the tracking store named by the configuration, wrapped
// with operation metrics.
func Open(cfg config.StoreConfig) (tracking.Store, error) {
	log := xglog.WithComponent("store")
	var (
		backend tracking.Store
		err     error
	)
	switch cfg.Backend {
	case config.StoreBackendFile:
		log.Info().Str(xglog.FieldBackend, cfg.Backend).Str(xglog.FieldDataDir, cfg.DataDir).Msg("opening tracking store")
		backend, err = filestore.New(cfg.DataDir)
	case config.StoreBackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "trackd.db")
		}
		log.Info().Str(xglog.FieldBackend, cfg.Backend).Str(xglog.FieldPath, path).Msg("opening tracking store")
		backend, err = sqlstore.New(path)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return instrument(backend), nil
}
