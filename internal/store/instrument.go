// SPDX-License-Identifier: MIT

package store

import (
	"context"

	"github.com/mlfoundry/trackd/internal/metrics"
	"github.com/mlfoundry/trackd/internal/tracking"
)

// instrumented decorates a tracking.Store with per-operation Prometheus
// counters. Every backend opened through this package reports the same
// metric regardless of implementation.
type instrumented struct {
	next tracking.Store
}

var _ tracking.Store = (*instrumented)(nil)

func instrument(next tracking.Store) tracking.Store {
	return &instrumented{next: next}
}

func (s *instrumented) CreateExperiment(ctx context.Context, name, artifactLocation string, tags []tracking.ExperimentTag) (string, error) {
	id, err := s.next.CreateExperiment(ctx, name, artifactLocation, tags)
	metrics.ObserveStoreOp("CreateExperiment", err)
	return id, err
}

func (s *instrumented) GetExperiment(ctx context.Context, id string) (*tracking.Experiment, error) {
	exp, err := s.next.GetExperiment(ctx, id)
	metrics.ObserveStoreOp("GetExperiment", err)
	return exp, err
}

func (s *instrumented) GetExperimentByName(ctx context.Context, name string) (*tracking.Experiment, error) {
	exp, err := s.next.GetExperimentByName(ctx, name)
	metrics.ObserveStoreOp("GetExperimentByName", err)
	return exp, err
}

func (s *instrumented) SearchExperiments(ctx context.Context, req tracking.SearchExperimentsRequest) (*tracking.ExperimentPage, error) {
	page, err := s.next.SearchExperiments(ctx, req)
	metrics.ObserveStoreOp("SearchExperiments", err)
	return page, err
}

func (s *instrumented) RenameExperiment(ctx context.Context, id, newName string) error {
	err := s.next.RenameExperiment(ctx, id, newName)
	metrics.ObserveStoreOp("RenameExperiment", err)
	return err
}

func (s *instrumented) DeleteExperiment(ctx context.Context, id string) error {
	err := s.next.DeleteExperiment(ctx, id)
	metrics.ObserveStoreOp("DeleteExperiment", err)
	return err
}

func (s *instrumented) RestoreExperiment(ctx context.Context, id string) error {
	err := s.next.RestoreExperiment(ctx, id)
	metrics.ObserveStoreOp("RestoreExperiment", err)
	return err
}

func (s *instrumented) SetExperimentTag(ctx context.Context, id string, tag tracking.ExperimentTag) error {
	err := s.next.SetExperimentTag(ctx, id, tag)
	metrics.ObserveStoreOp("SetExperimentTag", err)
	return err
}

func (s *instrumented) DeleteExperimentTag(ctx context.Context, id, key string) error {
	err := s.next.DeleteExperimentTag(ctx, id, key)
	metrics.ObserveStoreOp("DeleteExperimentTag", err)
	return err
}

func (s *instrumented) CreateRun(ctx context.Context, experimentID, userID string, startTime int64, tags []tracking.RunTag, runName string) (*tracking.Run, error) {
	run, err := s.next.CreateRun(ctx, experimentID, userID, startTime, tags, runName)
	metrics.ObserveStoreOp("CreateRun", err)
	return run, err
}

func (s *instrumented) GetRun(ctx context.Context, runID string) (*tracking.Run, error) {
	run, err := s.next.GetRun(ctx, runID)
	metrics.ObserveStoreOp("GetRun", err)
	return run, err
}

func (s *instrumented) UpdateRun(ctx context.Context, runID string, status tracking.RunStatus, endTime int64, runName string) (*tracking.RunInfo, error) {
	info, err := s.next.UpdateRun(ctx, runID, status, endTime, runName)
	metrics.ObserveStoreOp("UpdateRun", err)
	return info, err
}

func (s *instrumented) DeleteRun(ctx context.Context, runID string) error {
	err := s.next.DeleteRun(ctx, runID)
	metrics.ObserveStoreOp("DeleteRun", err)
	return err
}

func (s *instrumented) RestoreRun(ctx context.Context, runID string) error {
	err := s.next.RestoreRun(ctx, runID)
	metrics.ObserveStoreOp("RestoreRun", err)
	return err
}

func (s *instrumented) SearchRuns(ctx context.Context, req tracking.SearchRunsRequest) (*tracking.RunPage, error) {
	page, err := s.next.SearchRuns(ctx, req)
	metrics.ObserveStoreOp("SearchRuns", err)
	return page, err
}

func (s *instrumented) LogMetric(ctx context.Context, runID string, metric tracking.Metric) error {
	err := s.next.LogMetric(ctx, runID, metric)
	metrics.ObserveStoreOp("LogMetric", err)
	return err
}

func (s *instrumented) LogParam(ctx context.Context, runID string, param tracking.Param) error {
	err := s.next.LogParam(ctx, runID, param)
	metrics.ObserveStoreOp("LogParam", err)
	return err
}

func (s *instrumented) SetTag(ctx context.Context, runID string, tag tracking.RunTag) error {
	err := s.next.SetTag(ctx, runID, tag)
	metrics.ObserveStoreOp("SetTag", err)
	return err
}

func (s *instrumented) DeleteTag(ctx context.Context, runID, key string) error {
	err := s.next.DeleteTag(ctx, runID, key)
	metrics.ObserveStoreOp("DeleteTag", err)
	return err
}

func (s *instrumented) LogBatch(ctx context.Context, runID string, ms []tracking.Metric, params []tracking.Param, tags []tracking.RunTag) error {
	err := s.next.LogBatch(ctx, runID, ms, params, tags)
	metrics.ObserveStoreOp("LogBatch", err)
	return err
}

func (s *instrumented) GetMetricHistory(ctx context.Context, runID, key string, maxResults int, pageToken string) (*tracking.MetricPage, error) {
	page, err := s.next.GetMetricHistory(ctx, runID, key, maxResults, pageToken)
	metrics.ObserveStoreOp("GetMetricHistory", err)
	return page, err
}

func (s *instrumented) HardDeleteRun(ctx context.Context, runID string) error {
	err := s.next.HardDeleteRun(ctx, runID)
	metrics.ObserveStoreOp("HardDeleteRun", err)
	return err
}

func (s *instrumented) HardDeleteExperiment(ctx context.Context, experimentID string) error {
	err := s.next.HardDeleteExperiment(ctx, experimentID)
	metrics.ObserveStoreOp("HardDeleteExperiment", err)
	return err
}

func (s *instrumented) ListDeleted(ctx context.Context, olderThanMillis int64) ([]string, []string, error) {
	runIDs, expIDs, err := s.next.ListDeleted(ctx, olderThanMillis)
	metrics.ObserveStoreOp("ListDeleted", err)
	return runIDs, expIDs, err
}

func (s *instrumented) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

func (s *instrumented) Close() error {
	return s.next.Close()
}
