// SPDX-License-Identifier: MIT

package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlfoundry/trackd/internal/config"
)

func TestMemoryRoundTrip(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := t.Context()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	val, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := t.Context()
	require.NoError(t, c.Set(ctx, "fleeting", []byte("x"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, ok, err := c.Get(ctx, "fleeting")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	c, err := NewRedis(config.CacheConfig{Backend: config.CacheBackendRedis, RedisAddr: srv.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "run:abc", []byte(`{"x":1}`), 0))
	val, ok, err := c.Get(ctx, "run:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"x":1}`, string(val))

	// Keys are namespaced in the shared server.
	assert.True(t, srv.Exists("trackd:run:abc"))

	require.NoError(t, c.Delete(ctx, "run:abc"))
	_, ok, err = c.Get(ctx, "run:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisExpiry(t *testing.T) {
	srv := miniredis.RunT(t)
	c, err := NewRedis(config.CacheConfig{Backend: config.CacheBackendRedis, RedisAddr: srv.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	srv.FastForward(2 * time.Second)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewSelectsBackend(t *testing.T) {
	c, err := New(config.CacheConfig{Backend: config.CacheBackendMemory, TTL: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)

	c, err = New(config.CacheConfig{Backend: config.CacheBackendNone})
	require.NoError(t, err)
	assert.IsType(t, Noop{}, c)

	_, err = New(config.CacheConfig{Backend: "bogus"})
	assert.Error(t, err)
}
