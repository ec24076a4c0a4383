// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("", "v1.2.3").Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":5500", cfg.Server.Addr)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "v1.2.3", cfg.Version)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log_level: debug
server:
  addr: ":9999"
store:
  backend: sqlite
  sqlite_path: /tmp/test.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader(path, "dev").Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	// Untouched fields keep their defaults.
	assert.Equal(t, 600, cfg.RateLimit.RequestLimit)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_key: true\n"), 0o600))

	_, err := NewLoader(path, "dev").Load()
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))

	t.Setenv("TRACKD_LOG_LEVEL", "warn")
	t.Setenv("TRACKD_INGEST_FLUSH_INTERVAL", "5s")

	cfg, err := NewLoader(path, "dev").Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.Ingest.FlushInterval)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := defaults()
	cfg.Store.Backend = "postgres"
	assert.Error(t, Validate(cfg))

	cfg = defaults()
	cfg.Cache.Backend = "redis" // missing addr
	assert.Error(t, Validate(cfg))

	cfg = defaults()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.SamplingRate = 2.0
	assert.Error(t, Validate(cfg))
}

func TestHolderReloadKeepsOldConfigOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o600))

	loader := NewLoader(path, "dev")
	cfg, err := loader.Load()
	require.NoError(t, err)

	holder := NewHolder(cfg, loader, path)

	// Break the file, reload must fail and keep the old snapshot.
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: bogus\n"), 0o600))
	require.Error(t, holder.Reload(t.Context()))
	assert.Equal(t, "info", holder.Get().LogLevel)

	// Fix it and change a reloadable field.
	require.NoError(t, os.WriteFile(path, []byte("log_level: error\n"), 0o600))
	require.NoError(t, holder.Reload(t.Context()))
	assert.Equal(t, "error", holder.Get().LogLevel)
}

func TestHolderReloadRejectsImmutableChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o600))

	loader := NewLoader(path, "dev")
	cfg, err := loader.Load()
	require.NoError(t, err)
	holder := NewHolder(cfg, loader, path)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":1234\"\n"), 0o600))
	require.Error(t, holder.Reload(t.Context()))
	assert.Equal(t, ":5500", holder.Get().Server.Addr)
}
