// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthAlwaysAlive(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(NewPingChecker("store", fakePinger{err: errors.New("down")}))

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Empty(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "down", resp.Checks["store"].Error)
}

func TestReadyReflectsCheckers(t *testing.T) {
	m := NewManager("test")
	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)

	m.RegisterChecker(NewPingChecker("store", fakePinger{}))
	m.RegisterChecker(NewPingChecker("traces", fakePinger{err: errors.New("badger closed")}))

	resp = m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, StatusHealthy, resp.Checks["store"].Status)
}

func TestServeReadyStatusCodes(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(NewPingChecker("store", fakePinger{}))

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, 200, rec.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Ready)

	m.RegisterChecker(NewPingChecker("traces", fakePinger{err: errors.New("down")}))
	rec = httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, 503, rec.Code)
}

func TestDirChecker(t *testing.T) {
	dir := t.TempDir()

	res := NewDirChecker("data", dir).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	res = NewDirChecker("data", filepath.Join(dir, "missing")).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)

	res = NewDirChecker("data", "").Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
}
