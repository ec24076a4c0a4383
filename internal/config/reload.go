// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	xglog "github.com/mlfoundry/trackd/internal/log"
)

// Holder holds configuration with atomic reloading capability. It provides
// thread-safe access and supports hot reloading from file changes.
//
// Only reloadable fields (log level, rate limits, cache TTL, ingest tuning)
// take effect on reload; listener, store and trace-store settings require a
// restart and reloads that change them are rejected.
type Holder struct {
	mu      sync.RWMutex
	current AppConfig
	loader  *Loader
	path    string
	logger  zerolog.Logger

	listenersMu sync.Mutex
	listeners   []chan<- AppConfig
}

// NewHolder creates a configuration holder around an initial config.
func NewHolder(initial AppConfig, loader *Loader, path string) *Holder {
	return &Holder{
		current: initial,
		loader:  loader,
		path:    path,
		logger:  xglog.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Subscribe registers a channel that receives each successfully applied
// configuration. The channel must be serviced; sends are non-blocking.
func (h *Holder) Subscribe(ch chan<- AppConfig) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

// Reload re-reads the config file and applies it atomically. On any error the
// previous configuration stays in effect.
func (h *Holder) Reload(_ context.Context) error {
	newCfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.reload_failed").Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	old := h.Get()
	if err := checkImmutable(old, newCfg); err != nil {
		h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.reload_rejected").Msg("reload changes restart-only settings")
		return err
	}

	h.mu.Lock()
	h.current = newCfg
	h.mu.Unlock()

	xglog.SetLevel(newCfg.LogLevel)

	h.listenersMu.Lock()
	for _, ch := range h.listeners {
		select {
		case ch <- newCfg:
		default:
		}
	}
	h.listenersMu.Unlock()

	h.logger.Info().Str(xglog.FieldEvent, "config.reloaded").Msg("configuration reloaded")
	return nil
}

func checkImmutable(old, next AppConfig) error {
	if old.Server.Addr != next.Server.Addr {
		return fmt.Errorf("server.addr cannot change at runtime (old=%q new=%q)", old.Server.Addr, next.Server.Addr)
	}
	if old.Store != next.Store {
		return fmt.Errorf("store settings cannot change at runtime")
	}
	if old.Traces != next.Traces {
		return fmt.Errorf("trace store settings cannot change at runtime")
	}
	return nil
}

// Watch watches the config file for changes until ctx is cancelled. Write
// events are debounced because editors emit several events per save.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: atomic saves replace the file inode.
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		return fmt.Errorf("watch %s: %w", h.path, err)
	}

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	fileName := filepath.Base(h.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, func() {
				if err := h.Reload(ctx); err != nil {
					h.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.watch_reload_failed").Msg("file change did not apply")
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.watch_error").Msg("watcher error")
		}
	}
}
