// SPDX-License-Identifier: MIT

package store

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlfoundry/trackd/internal/config"
	"github.com/mlfoundry/trackd/internal/metrics"
	"github.com/mlfoundry/trackd/internal/tracking"
)

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(config.StoreConfig{Backend: "etcd"})
	require.Error(t, err)
}

func TestOpenFileBackend(t *testing.T) {
	st, err := Open(config.StoreConfig{Backend: config.StoreBackendFile, DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.GetExperiment(t.Context(), tracking.DefaultExperimentID)
	assert.NoError(t, err)
}

func TestStoreOperationsAreCounted(t *testing.T) {
	st, err := Open(config.StoreConfig{Backend: config.StoreBackendFile, DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := t.Context()

	okBefore := testutil.ToFloat64(metrics.StoreOpsTotal.WithLabelValues("CreateExperiment", "ok"))
	errBefore := testutil.ToFloat64(metrics.StoreOpsTotal.WithLabelValues("GetExperiment", "error"))

	_, err = st.CreateExperiment(ctx, "counted", "", nil)
	require.NoError(t, err)
	_, err = st.GetExperiment(ctx, "999999999999999999")
	require.Error(t, err)

	okAfter := testutil.ToFloat64(metrics.StoreOpsTotal.WithLabelValues("CreateExperiment", "ok"))
	errAfter := testutil.ToFloat64(metrics.StoreOpsTotal.WithLabelValues("GetExperiment", "error"))
	assert.Equal(t, okBefore+1, okAfter)
	assert.Equal(t, errBefore+1, errAfter)
}
