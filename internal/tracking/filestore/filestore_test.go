// SPDX-License-Identifier: MIT

package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlfoundry/trackd/internal/tracking"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateRun(t *testing.T, s *Store, expID string) *tracking.Run {
	t.Helper()
	run, err := s.CreateRun(t.Context(), expID, "tester", 1000, nil, "")
	require.NoError(t, err)
	return run
}

func TestNewCreatesDefaultExperiment(t *testing.T) {
	s := newStore(t)
	exp, err := s.GetExperiment(t.Context(), tracking.DefaultExperimentID)
	require.NoError(t, err)
	assert.Equal(t, tracking.DefaultExperimentName, exp.Name)
	assert.Equal(t, tracking.LifecycleActive, exp.LifecycleStage)
}

func TestCreateExperimentRoundTrip(t *testing.T) {
	s := newStore(t)
	id, err := s.CreateExperiment(t.Context(), "vision", "", []tracking.ExperimentTag{{Key: "team", Value: "cv"}})
	require.NoError(t, err)

	exp, err := s.GetExperiment(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "vision", exp.Name)
	assert.NotEmpty(t, exp.ArtifactLocation)
	require.Len(t, exp.Tags, 1)
	assert.Equal(t, "cv", exp.Tags[0].Value)

	byName, err := s.GetExperimentByName(t.Context(), "vision")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)
}

func TestCreateExperimentNameUniqueAcrossTrash(t *testing.T) {
	s := newStore(t)
	id, err := s.CreateExperiment(t.Context(), "dup", "", nil)
	require.NoError(t, err)

	_, err = s.CreateExperiment(t.Context(), "dup", "", nil)
	require.Error(t, err)
	assert.Equal(t, tracking.CodeResourceAlreadyExists, tracking.CodeOf(err))

	require.NoError(t, s.DeleteExperiment(t.Context(), id))
	_, err = s.CreateExperiment(t.Context(), "dup", "", nil)
	require.Error(t, err, "deleted experiments still reserve their name")
	assert.Equal(t, tracking.CodeResourceAlreadyExists, tracking.CodeOf(err))
}

func TestDeleteRestoreExperiment(t *testing.T) {
	s := newStore(t)
	id, err := s.CreateExperiment(t.Context(), "churn", "", nil)
	require.NoError(t, err)
	run := mustCreateRun(t, s, id)

	require.NoError(t, s.DeleteExperiment(t.Context(), id))

	exp, err := s.GetExperiment(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, tracking.LifecycleDeleted, exp.LifecycleStage)

	got, err := s.GetRun(t.Context(), run.Info.RunID)
	require.NoError(t, err)
	assert.Equal(t, tracking.LifecycleDeleted, got.Info.LifecycleStage)
	assert.NotZero(t, got.Info.DeletedTime)

	require.NoError(t, s.RestoreExperiment(t.Context(), id))
	exp, err = s.GetExperiment(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, tracking.LifecycleActive, exp.LifecycleStage)

	got, err = s.GetRun(t.Context(), run.Info.RunID)
	require.NoError(t, err)
	assert.Equal(t, tracking.LifecycleActive, got.Info.LifecycleStage)
	assert.Zero(t, got.Info.DeletedTime)
}

func TestDeleteDefaultExperimentRejected(t *testing.T) {
	s := newStore(t)
	err := s.DeleteExperiment(t.Context(), tracking.DefaultExperimentID)
	require.Error(t, err)
	assert.Equal(t, tracking.CodeInvalidParameterValue, tracking.CodeOf(err))
}

func TestRenameExperiment(t *testing.T) {
	s := newStore(t)
	id, err := s.CreateExperiment(t.Context(), "old", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.RenameExperiment(t.Context(), id, "new"))

	_, err = s.GetExperimentByName(t.Context(), "old")
	assert.Equal(t, tracking.CodeResourceDoesNotExist, tracking.CodeOf(err))
	exp, err := s.GetExperimentByName(t.Context(), "new")
	require.NoError(t, err)
	assert.Equal(t, id, exp.ID)
}

func TestCreateRunDefaults(t *testing.T) {
	s := newStore(t)
	run := mustCreateRun(t, s, tracking.DefaultExperimentID)

	assert.NoError(t, tracking.ValidateRunID(run.Info.RunID))
	assert.Equal(t, tracking.RunStatusRunning, run.Info.Status)
	assert.NotEmpty(t, run.Info.RunName, "a name is generated when none is given")
	assert.Equal(t, run.Info.RunName, tracking.RunNameFromTags(run.Data.Tags),
		"the run-name tag mirrors the generated name")

	// The artifact directory exists right away.
	_, err := os.Stat(run.Info.ArtifactURI)
	assert.NoError(t, err)
}

func TestCreateRunUnderDeletedExperimentRejected(t *testing.T) {
	s := newStore(t)
	id, err := s.CreateExperiment(t.Context(), "gone", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.DeleteExperiment(t.Context(), id))

	_, err = s.CreateRun(t.Context(), id, "tester", 0, nil, "")
	require.Error(t, err)
	assert.Equal(t, tracking.CodeInvalidState, tracking.CodeOf(err))
}

func TestUpdateRunSyncsNameTag(t *testing.T) {
	s := newStore(t)
	run := mustCreateRun(t, s, tracking.DefaultExperimentID)

	info, err := s.UpdateRun(t.Context(), run.Info.RunID, tracking.RunStatusFinished, 2000, "renamed")
	require.NoError(t, err)
	assert.Equal(t, tracking.RunStatusFinished, info.Status)
	assert.Equal(t, int64(2000), info.EndTime)
	assert.Equal(t, "renamed", info.RunName)

	got, err := s.GetRun(t.Context(), run.Info.RunID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", tracking.RunNameFromTags(got.Data.Tags))
}

func TestSetRunNameTagRenamesRun(t *testing.T) {
	s := newStore(t)
	run := mustCreateRun(t, s, tracking.DefaultExperimentID)

	err := s.SetTag(t.Context(), run.Info.RunID, tracking.RunTag{Key: tracking.TagRunName, Value: "via-tag"})
	require.NoError(t, err)

	got, err := s.GetRun(t.Context(), run.Info.RunID)
	require.NoError(t, err)
	assert.Equal(t, "via-tag", got.Info.RunName)
}

func TestParamImmutability(t *testing.T) {
	s := newStore(t)
	run := mustCreateRun(t, s, tracking.DefaultExperimentID)
	ctx := t.Context()

	require.NoError(t, s.LogParam(ctx, run.Info.RunID, tracking.Param{Key: "lr", Value: "0.01"}))
	require.NoError(t, s.LogParam(ctx, run.Info.RunID, tracking.Param{Key: "lr", Value: "0.01"}),
		"re-logging the same value is a no-op")

	err := s.LogParam(ctx, run.Info.RunID, tracking.Param{Key: "lr", Value: "0.02"})
	require.Error(t, err)
	assert.Equal(t, tracking.CodeInvalidParameterValue, tracking.CodeOf(err))
}

func TestMetricHistoryAndLatest(t *testing.T) {
	s := newStore(t)
	run := mustCreateRun(t, s, tracking.DefaultExperimentID)
	ctx := t.Context()

	points := []tracking.Metric{
		{Key: "loss", Value: 0.9, Timestamp: 10, Step: 0},
		{Key: "loss", Value: 0.5, Timestamp: 20, Step: 1},
		{Key: "loss", Value: 0.7, Timestamp: 30, Step: 1},
	}
	for _, m := range points {
		require.NoError(t, s.LogMetric(ctx, run.Info.RunID, m))
	}

	hist, err := s.GetMetricHistory(ctx, run.Info.RunID, "loss", 0, "")
	require.NoError(t, err)
	require.Len(t, hist.Metrics, 3)
	assert.Equal(t, points, hist.Metrics, "history preserves log order")

	got, err := s.GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	require.Len(t, got.Data.Metrics, 1)
	latest := got.Data.Metrics[0]
	assert.Equal(t, int64(30), latest.Timestamp, "same step: later timestamp wins")
	assert.Equal(t, 0.7, latest.Value)
}

func TestMetricHistoryAcceptsLegacyTwoFieldLines(t *testing.T) {
	s := newStore(t)
	run := mustCreateRun(t, s, tracking.DefaultExperimentID)

	runDir, err := s.findRunDir(run.Info.RunID)
	require.NoError(t, err)
	path := filepath.Join(runDir, metricsDir, "old")
	require.NoError(t, os.WriteFile(path, []byte("100 1.5\n200 2.5 3\n"), 0o644))

	hist, err := s.GetMetricHistory(t.Context(), run.Info.RunID, "old", 0, "")
	require.NoError(t, err)
	require.Len(t, hist.Metrics, 2)
	assert.Equal(t, int64(0), hist.Metrics[0].Step)
	assert.Equal(t, int64(3), hist.Metrics[1].Step)
}

func TestLogBatch(t *testing.T) {
	s := newStore(t)
	run := mustCreateRun(t, s, tracking.DefaultExperimentID)
	ctx := t.Context()

	err := s.LogBatch(ctx, run.Info.RunID,
		[]tracking.Metric{{Key: "acc", Value: 0.8, Timestamp: 1}},
		[]tracking.Param{{Key: "opt", Value: "adam"}},
		[]tracking.RunTag{{Key: "stage", Value: "dev"}})
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	assert.Len(t, got.Data.Metrics, 1)
	assert.Len(t, got.Data.Params, 1)
}

func TestLoggingOnDeletedRunRejected(t *testing.T) {
	s := newStore(t)
	run := mustCreateRun(t, s, tracking.DefaultExperimentID)
	require.NoError(t, s.DeleteRun(t.Context(), run.Info.RunID))

	err := s.LogMetric(t.Context(), run.Info.RunID, tracking.Metric{Key: "m", Value: 1})
	require.Error(t, err)
	assert.Equal(t, tracking.CodeInvalidState, tracking.CodeOf(err))

	// The run itself is still readable.
	got, err := s.GetRun(t.Context(), run.Info.RunID)
	require.NoError(t, err)
	assert.Equal(t, tracking.LifecycleDeleted, got.Info.LifecycleStage)
}

func TestSearchRunsFilterOrderPaginate(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	expID, err := s.CreateExperiment(ctx, "searchable", "", nil)
	require.NoError(t, err)

	for i, loss := range []float64{0.9, 0.1, 0.5} {
		run, err := s.CreateRun(ctx, expID, "tester", int64(100+i), nil, "")
		require.NoError(t, err)
		require.NoError(t, s.LogMetric(ctx, run.Info.RunID, tracking.Metric{Key: "loss", Value: loss, Timestamp: 1}))
		require.NoError(t, s.LogParam(ctx, run.Info.RunID, tracking.Param{Key: "opt", Value: "adam"}))
	}

	page, err := s.SearchRuns(ctx, tracking.SearchRunsRequest{
		ExperimentIDs: []string{expID},
		Filter:        "metrics.loss < 0.8 AND params.opt = 'adam'",
		OrderBy:       []string{"metrics.loss ASC"},
	})
	require.NoError(t, err)
	require.Len(t, page.Runs, 2)
	assert.Less(t, page.Runs[0].Data.Metrics[0].Value, page.Runs[1].Data.Metrics[0].Value)

	// Two pages of size 2 over the unfiltered set.
	first, err := s.SearchRuns(ctx, tracking.SearchRunsRequest{ExperimentIDs: []string{expID}, MaxResults: 2})
	require.NoError(t, err)
	require.Len(t, first.Runs, 2)
	require.NotEmpty(t, first.NextPageToken)

	second, err := s.SearchRuns(ctx, tracking.SearchRunsRequest{
		ExperimentIDs: []string{expID}, MaxResults: 2, PageToken: first.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, second.Runs, 1)
	assert.Empty(t, second.NextPageToken)
}

func TestSearchRunsViewFilter(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	alive := mustCreateRun(t, s, tracking.DefaultExperimentID)
	dead := mustCreateRun(t, s, tracking.DefaultExperimentID)
	require.NoError(t, s.DeleteRun(ctx, dead.Info.RunID))

	page, err := s.SearchRuns(ctx, tracking.SearchRunsRequest{
		ExperimentIDs: []string{tracking.DefaultExperimentID},
		View:          tracking.ViewActiveOnly,
	})
	require.NoError(t, err)
	require.Len(t, page.Runs, 1)
	assert.Equal(t, alive.Info.RunID, page.Runs[0].Info.RunID)

	page, err = s.SearchRuns(ctx, tracking.SearchRunsRequest{
		ExperimentIDs: []string{tracking.DefaultExperimentID},
		View:          tracking.ViewDeletedOnly,
	})
	require.NoError(t, err)
	require.Len(t, page.Runs, 1)
	assert.Equal(t, dead.Info.RunID, page.Runs[0].Info.RunID)
}

func TestSearchExperimentsSkipsMalformedDir(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	_, err := s.CreateExperiment(ctx, "good", "", nil)
	require.NoError(t, err)

	// A directory without meta.yaml must not break listings.
	require.NoError(t, os.MkdirAll(filepath.Join(s.root, "999999"), 0o755))

	page, err := s.SearchExperiments(ctx, tracking.SearchExperimentsRequest{View: tracking.ViewActiveOnly})
	require.NoError(t, err)
	assert.Len(t, page.Experiments, 2, "default + good")
}

func TestHardDeleteAndListDeleted(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	run := mustCreateRun(t, s, tracking.DefaultExperimentID)
	require.NoError(t, s.DeleteRun(ctx, run.Info.RunID))

	expID, err := s.CreateExperiment(ctx, "doomed", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.DeleteExperiment(ctx, expID))

	runIDs, expIDs, err := s.ListDeleted(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{run.Info.RunID}, runIDs)
	assert.Equal(t, []string{expID}, expIDs)

	require.NoError(t, s.HardDeleteRun(ctx, run.Info.RunID))
	_, err = s.GetRun(ctx, run.Info.RunID)
	assert.Equal(t, tracking.CodeResourceDoesNotExist, tracking.CodeOf(err))

	require.NoError(t, s.HardDeleteExperiment(ctx, expID))
	_, err = s.GetExperiment(ctx, expID)
	assert.Equal(t, tracking.CodeResourceDoesNotExist, tracking.CodeOf(err))
}

func TestExperimentTags(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	id, err := s.CreateExperiment(ctx, "tagged", "", nil)
	require.NoError(t, err)

	require.NoError(t, s.SetExperimentTag(ctx, id, tracking.ExperimentTag{Key: "owner", Value: "ml"}))
	exp, err := s.GetExperiment(ctx, id)
	require.NoError(t, err)
	require.Len(t, exp.Tags, 1)

	require.NoError(t, s.DeleteExperimentTag(ctx, id, "owner"))
	err = s.DeleteExperimentTag(ctx, id, "owner")
	assert.Equal(t, tracking.CodeResourceDoesNotExist, tracking.CodeOf(err))
}

func TestPing(t *testing.T) {
	s := newStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
