// SPDX-License-Identifier: MIT

package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	xglog "github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/search"
	"github.com/mlfoundry/trackd/internal/tracking"
)

// CreateRun creates a run under an active experiment. When runName is empty
// it falls back to the reserved run-name tag and then to a generated name.
func (s *Store) CreateRun(ctx context.Context, experimentID, userID string, startTime int64, tags []tracking.RunTag, runName string) (*tracking.Run, error) {
	if err := tracking.ValidateExperimentID(experimentID); err != nil {
		return nil, err
	}
	for _, t := range tags {
		if err := tracking.ValidateTag(t.Key, t.Value); err != nil {
			return nil, err
		}
	}
	if runName != "" && tracking.RunNameFromTags(tags) != "" && runName != tracking.RunNameFromTags(tags) {
		return nil, tracking.NewError(tracking.CodeInvalidParameterValue,
			"run name %q does not match the %s tag", runName, tracking.TagRunName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expDir, stage, err := s.findExperimentDir(experimentID)
	if err != nil {
		return nil, err
	}
	if stage != tracking.LifecycleActive {
		return nil, tracking.NewError(tracking.CodeInvalidState,
			"cannot create run under deleted experiment %q", experimentID)
	}

	if runName == "" {
		runName = tracking.RunNameFromTags(tags)
	}
	if runName == "" {
		runName = tracking.NewRunName()
	}

	runID := tracking.NewRunID()
	runDir := filepath.Join(expDir, runID)
	info := tracking.RunInfo{
		RunID:          runID,
		RunName:        runName,
		ExperimentID:   experimentID,
		UserID:         userID,
		Status:         tracking.RunStatusRunning,
		StartTime:      startTime,
		ArtifactURI:    filepath.Join(runDir, artifactDir),
		LifecycleStage: tracking.LifecycleActive,
	}
	for _, sub := range []string{metricsDir, paramsDir, tagsDir, artifactDir} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("filestore: create run dir: %w", err)
		}
	}
	if err := writeYAML(filepath.Join(runDir, metaFile), &info); err != nil {
		return nil, err
	}

	// The run-name tag always mirrors the effective name.
	allTags := withRunNameTag(tags, runName)
	for _, t := range allTags {
		if err := writeKVFile(filepath.Join(runDir, tagsDir), t.Key, t.Value); err != nil {
			return nil, err
		}
	}

	s.log.Info().
		Str(xglog.FieldExperimentID, experimentID).
		Str(xglog.FieldRunID, runID).
		Msg("run created")
	return &tracking.Run{Info: info, Data: tracking.RunData{Tags: allTags}}, nil
}

func withRunNameTag(tags []tracking.RunTag, runName string) []tracking.RunTag {
	out := make([]tracking.RunTag, 0, len(tags)+1)
	found := false
	for _, t := range tags {
		if t.Key == tracking.TagRunName {
			t.Value = runName
			found = true
		}
		out = append(out, t)
	}
	if !found {
		out = append(out, tracking.RunTag{Key: tracking.TagRunName, Value: runName})
	}
	return out
}

// findRunDir locates a run across all experiments, trash included.
func (s *Store) findRunDir(runID string) (string, error) {
	roots := []string{s.root, filepath.Join(s.root, trashDir)}
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("filestore: list %s: %w", root, err)
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			candidate := filepath.Join(root, e.Name(), runID)
			if _, err := os.Stat(filepath.Join(candidate, metaFile)); err == nil {
				return candidate, nil
			}
		}
	}
	return "", tracking.NewError(tracking.CodeResourceDoesNotExist, "run %q not found", runID)
}

func (s *Store) readRun(runDir string) (*tracking.Run, error) {
	var info tracking.RunInfo
	if err := readYAML(filepath.Join(runDir, metaFile), &info); err != nil {
		return nil, err
	}
	run := &tracking.Run{Info: info}

	params, err := readKVDir(filepath.Join(runDir, paramsDir))
	if err != nil {
		return nil, err
	}
	for _, kv := range params {
		run.Data.Params = append(run.Data.Params, tracking.Param{Key: kv.key, Value: kv.value})
	}

	tags, err := readKVDir(filepath.Join(runDir, tagsDir))
	if err != nil {
		return nil, err
	}
	for _, kv := range tags {
		run.Data.Tags = append(run.Data.Tags, tracking.RunTag{Key: kv.key, Value: kv.value})
	}

	latest, err := s.latestMetrics(runDir)
	if err != nil {
		return nil, err
	}
	run.Data.Metrics = latest
	return run, nil
}

// latestMetrics folds each metric history file down to the winning point
// under the (step, timestamp, value) ordering.
func (s *Store) latestMetrics(runDir string) ([]tracking.Metric, error) {
	dir := filepath.Join(runDir, metricsDir)
	entries, err := readKVDir(dir)
	if err != nil {
		return nil, err
	}
	var out []tracking.Metric
	for _, kv := range entries {
		points, err := parseMetricHistory(kv.key, kv.value)
		if err != nil {
			s.log.Warn().Err(err).Str(xglog.FieldMetricKey, kv.key).Msg("skipping malformed metric file")
			continue
		}
		if len(points) == 0 {
			continue
		}
		best := points[0]
		for _, p := range points[1:] {
			if p.Better(best) {
				best = p
			}
		}
		out = append(out, best)
	}
	return out, nil
}

// parseMetricHistory parses "<timestamp> <value> [step]" lines. Two-field
// lines are accepted for histories written before steps existed.
func parseMetricHistory(key, content string) ([]tracking.Metric, error) {
	var out []tracking.Metric
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 && len(fields) != 3 {
			return nil, fmt.Errorf("metric %q: malformed line %q", key, line)
		}
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("metric %q: bad timestamp in %q", key, line)
		}
		val, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("metric %q: bad value in %q", key, line)
		}
		var step int64
		if len(fields) == 3 {
			step, err = strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("metric %q: bad step in %q", key, line)
			}
		}
		out = append(out, tracking.Metric{Key: key, Value: val, Timestamp: ts, Step: step})
	}
	return out, nil
}

// GetRun returns a run in any lifecycle stage, with latest metrics, params
// and tags.
func (s *Store) GetRun(ctx context.Context, runID string) (*tracking.Run, error) {
	if err := tracking.ValidateRunID(runID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	runDir, err := s.findRunDir(runID)
	if err != nil {
		return nil, err
	}
	return s.readRun(runDir)
}

// UpdateRun updates status, end time and optionally the run name of an
// active run. Renaming also rewrites the run-name tag.
func (s *Store) UpdateRun(ctx context.Context, runID string, status tracking.RunStatus, endTime int64, runName string) (*tracking.RunInfo, error) {
	if err := tracking.ValidateRunID(runID); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, tracking.NewError(tracking.CodeInvalidParameterValue, "invalid run status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir, err := s.findRunDir(runID)
	if err != nil {
		return nil, err
	}
	var info tracking.RunInfo
	if err := readYAML(filepath.Join(runDir, metaFile), &info); err != nil {
		return nil, err
	}
	if err := tracking.CheckRunActive(info); err != nil {
		return nil, err
	}

	info.Status = status
	if endTime != 0 {
		info.EndTime = endTime
	}
	if runName != "" {
		info.RunName = runName
		if err := writeKVFile(filepath.Join(runDir, tagsDir), tracking.TagRunName, runName); err != nil {
			return nil, err
		}
	}
	if err := writeYAML(filepath.Join(runDir, metaFile), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteRun soft-deletes a run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	return s.setRunStage(runID, tracking.LifecycleDeleted)
}

// RestoreRun reactivates a soft-deleted run.
func (s *Store) RestoreRun(ctx context.Context, runID string) error {
	return s.setRunStage(runID, tracking.LifecycleActive)
}

func (s *Store) setRunStage(runID string, stage tracking.LifecycleStage) error {
	if err := tracking.ValidateRunID(runID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir, err := s.findRunDir(runID)
	if err != nil {
		return err
	}
	var info tracking.RunInfo
	if err := readYAML(filepath.Join(runDir, metaFile), &info); err != nil {
		return err
	}
	if info.LifecycleStage == stage {
		return tracking.NewError(tracking.CodeInvalidState, "run %q is already %s", runID, stage)
	}
	info.LifecycleStage = stage
	if stage == tracking.LifecycleDeleted {
		info.DeletedTime = s.now()
	} else {
		info.DeletedTime = 0
	}
	return writeYAML(filepath.Join(runDir, metaFile), &info)
}

// HardDeleteRun permanently removes a run directory.
func (s *Store) HardDeleteRun(ctx context.Context, runID string) error {
	if err := tracking.ValidateRunID(runID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir, err := s.findRunDir(runID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(runDir); err != nil {
		return fmt.Errorf("filestore: hard-delete run: %w", err)
	}
	s.log.Info().Str(xglog.FieldRunID, runID).Msg("run hard-deleted")
	return nil
}

// ListDeleted returns soft-deleted runs and trashed experiments whose
// deletion is older than the cutoff. A zero cutoff returns everything
// deleted.
func (s *Store) ListDeleted(ctx context.Context, olderThanMillis int64) ([]string, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runIDs, expIDs []string

	exps, err := s.readExperimentsIn(filepath.Join(s.root, trashDir), tracking.LifecycleDeleted)
	if err != nil {
		return nil, nil, err
	}
	for _, exp := range exps {
		if olderThanMillis == 0 || exp.LastUpdateTime < olderThanMillis {
			expIDs = append(expIDs, exp.ID)
		}
	}

	active, err := s.readExperimentsIn(s.root, tracking.LifecycleActive)
	if err != nil {
		return nil, nil, err
	}
	for _, exp := range active {
		err := s.eachRunMeta(s.expDir(exp.ID, tracking.LifecycleActive), func(_ string, info *tracking.RunInfo) error {
			if info.LifecycleStage != tracking.LifecycleDeleted {
				return nil
			}
			if olderThanMillis == 0 || info.DeletedTime < olderThanMillis {
				runIDs = append(runIDs, info.RunID)
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return runIDs, expIDs, nil
}

// SearchRuns searches runs across the requested experiments.
func (s *Store) SearchRuns(ctx context.Context, req tracking.SearchRunsRequest) (*tracking.RunPage, error) {
	maxResults, err := search.NormalizeMaxResults(req.MaxResults)
	if err != nil {
		return nil, err
	}
	filter, err := search.ParseFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	orderBy, err := search.ParseOrderBy(req.OrderBy)
	if err != nil {
		return nil, err
	}
	if len(req.ExperimentIDs) == 0 {
		return nil, tracking.NewError(tracking.CodeInvalidParameterValue, "at least one experiment id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*tracking.Run
	for _, expID := range req.ExperimentIDs {
		expDir, _, err := s.findExperimentDir(expID)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(expDir)
		if err != nil {
			return nil, fmt.Errorf("filestore: list runs in %s: %w", expDir, err)
		}
		for _, e := range entries {
			if !e.IsDir() || !runDirPattern.MatchString(e.Name()) {
				continue
			}
			run, err := s.readRun(filepath.Join(expDir, e.Name()))
			if err != nil {
				s.log.Warn().Err(err).Str(xglog.FieldRunID, e.Name()).Msg("skipping malformed run directory")
				continue
			}
			if !req.View.Matches(run.Info.LifecycleStage) {
				continue
			}
			if !filter.MatchRun(run) {
				continue
			}
			matched = append(matched, run)
		}
	}

	search.SortRuns(matched, orderBy)
	page, next, err := search.Paginate(matched, req.PageToken, maxResults)
	if err != nil {
		return nil, err
	}
	return &tracking.RunPage{Runs: page, NextPageToken: next}, nil
}
