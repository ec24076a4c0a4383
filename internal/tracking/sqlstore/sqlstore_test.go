// SPDX-License-Identifier: MIT

package sqlstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlfoundry/trackd/internal/tracking"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "trackd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDefaultExperimentExists(t *testing.T) {
	s := newStore(t)
	exp, err := s.GetExperiment(t.Context(), tracking.DefaultExperimentID)
	require.NoError(t, err)
	assert.Equal(t, tracking.DefaultExperimentName, exp.Name)
}

func TestExperimentNameUnique(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	id, err := s.CreateExperiment(ctx, "dup", "", nil)
	require.NoError(t, err)

	_, err = s.CreateExperiment(ctx, "dup", "", nil)
	assert.Equal(t, tracking.CodeResourceAlreadyExists, tracking.CodeOf(err))

	// The name stays reserved after a soft delete.
	require.NoError(t, s.DeleteExperiment(ctx, id))
	_, err = s.CreateExperiment(ctx, "dup", "", nil)
	assert.Equal(t, tracking.CodeResourceAlreadyExists, tracking.CodeOf(err))
}

func TestRunLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()

	run, err := s.CreateRun(ctx, tracking.DefaultExperimentID, "tester", 100, nil, "my-run")
	require.NoError(t, err)
	assert.Equal(t, "my-run", run.Info.RunName)
	assert.Equal(t, "my-run", tracking.RunNameFromTags(run.Data.Tags))

	info, err := s.UpdateRun(ctx, run.Info.RunID, tracking.RunStatusFinished, 200, "")
	require.NoError(t, err)
	assert.Equal(t, tracking.RunStatusFinished, info.Status)
	assert.Equal(t, int64(200), info.EndTime)

	require.NoError(t, s.DeleteRun(ctx, run.Info.RunID))
	got, err := s.GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	assert.Equal(t, tracking.LifecycleDeleted, got.Info.LifecycleStage)
	assert.NotZero(t, got.Info.DeletedTime)

	require.NoError(t, s.RestoreRun(ctx, run.Info.RunID))
	got, err = s.GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	assert.Equal(t, tracking.LifecycleActive, got.Info.LifecycleStage)
	assert.Zero(t, got.Info.DeletedTime)
}

func TestLatestMetricFolding(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	run, err := s.CreateRun(ctx, tracking.DefaultExperimentID, "", 0, nil, "")
	require.NoError(t, err)

	points := []tracking.Metric{
		{Key: "loss", Value: 0.9, Timestamp: 10, Step: 0},
		{Key: "loss", Value: 0.5, Timestamp: 20, Step: 2},
		{Key: "loss", Value: 0.1, Timestamp: 30, Step: 1}, // lower step, must not win
	}
	for _, m := range points {
		require.NoError(t, s.LogMetric(ctx, run.Info.RunID, m))
	}

	got, err := s.GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	require.Len(t, got.Data.Metrics, 1)
	assert.Equal(t, int64(2), got.Data.Metrics[0].Step)
	assert.Equal(t, 0.5, got.Data.Metrics[0].Value)

	hist, err := s.GetMetricHistory(ctx, run.Info.RunID, "loss", 0, "")
	require.NoError(t, err)
	assert.Len(t, hist.Metrics, 3, "history keeps every point")
}

func TestParamImmutability(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	run, err := s.CreateRun(ctx, tracking.DefaultExperimentID, "", 0, nil, "")
	require.NoError(t, err)

	require.NoError(t, s.LogParam(ctx, run.Info.RunID, tracking.Param{Key: "lr", Value: "0.1"}))
	require.NoError(t, s.LogParam(ctx, run.Info.RunID, tracking.Param{Key: "lr", Value: "0.1"}))
	err = s.LogParam(ctx, run.Info.RunID, tracking.Param{Key: "lr", Value: "0.2"})
	assert.Equal(t, tracking.CodeInvalidParameterValue, tracking.CodeOf(err))
}

func TestLogBatchAtomic(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	run, err := s.CreateRun(ctx, tracking.DefaultExperimentID, "", 0, nil, "")
	require.NoError(t, err)
	require.NoError(t, s.LogParam(ctx, run.Info.RunID, tracking.Param{Key: "lr", Value: "0.1"}))

	// The conflicting param aborts the whole batch; the tag must not land.
	err = s.LogBatch(ctx, run.Info.RunID,
		nil,
		[]tracking.Param{{Key: "lr", Value: "0.9"}},
		[]tracking.RunTag{{Key: "should-not-exist", Value: "x"}})
	require.Error(t, err)

	got, err := s.GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	for _, tag := range got.Data.Tags {
		assert.NotEqual(t, "should-not-exist", tag.Key)
	}
}

func TestSearchRunsWithFilter(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()

	for _, loss := range []float64{0.2, 0.8} {
		run, err := s.CreateRun(ctx, tracking.DefaultExperimentID, "", 0, nil, "")
		require.NoError(t, err)
		require.NoError(t, s.LogMetric(ctx, run.Info.RunID, tracking.Metric{Key: "loss", Value: loss, Timestamp: 1}))
	}

	page, err := s.SearchRuns(ctx, tracking.SearchRunsRequest{
		ExperimentIDs: []string{tracking.DefaultExperimentID},
		Filter:        "metrics.loss < 0.5",
	})
	require.NoError(t, err)
	require.Len(t, page.Runs, 1)
	assert.Equal(t, 0.2, page.Runs[0].Data.Metrics[0].Value)
}

func TestHardDeleteRunRemovesDependents(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	run, err := s.CreateRun(ctx, tracking.DefaultExperimentID, "", 0, nil, "")
	require.NoError(t, err)
	require.NoError(t, s.LogMetric(ctx, run.Info.RunID, tracking.Metric{Key: "m", Value: 1, Timestamp: 1}))

	require.NoError(t, s.HardDeleteRun(ctx, run.Info.RunID))
	_, err = s.GetRun(ctx, run.Info.RunID)
	assert.Equal(t, tracking.CodeResourceDoesNotExist, tracking.CodeOf(err))
	_, err = s.GetMetricHistory(ctx, run.Info.RunID, "m", 0, "")
	assert.Equal(t, tracking.CodeResourceDoesNotExist, tracking.CodeOf(err))
}

func TestListDeletedCutoff(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	run, err := s.CreateRun(ctx, tracking.DefaultExperimentID, "", 0, nil, "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteRun(ctx, run.Info.RunID))

	got, _, err := s.ListDeleted(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, got, run.Info.RunID)

	// A cutoff in the past excludes the fresh deletion.
	got, _, err = s.ListDeleted(ctx, 1)
	require.NoError(t, err)
	assert.NotContains(t, got, run.Info.RunID)
}
