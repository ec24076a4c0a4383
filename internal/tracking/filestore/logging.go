// SPDX-License-Identifier: MIT

package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mlfoundry/trackd/internal/search"
	"github.com/mlfoundry/trackd/internal/tracking"
)

// activeRunDir resolves the run and enforces the active-stage requirement
// shared by all logging operations. Caller must hold the lock.
func (s *Store) activeRunDir(runID string) (string, error) {
	if err := tracking.ValidateRunID(runID); err != nil {
		return "", err
	}
	runDir, err := s.findRunDir(runID)
	if err != nil {
		return "", err
	}
	var info tracking.RunInfo
	if err := readYAML(filepath.Join(runDir, metaFile), &info); err != nil {
		return "", err
	}
	if err := tracking.CheckRunActive(info); err != nil {
		return "", err
	}
	return runDir, nil
}

// LogMetric appends one metric point to the run's history for that key.
func (s *Store) LogMetric(ctx context.Context, runID string, metric tracking.Metric) error {
	if err := tracking.ValidateMetric(metric); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir, err := s.activeRunDir(runID)
	if err != nil {
		return err
	}
	return appendMetricLine(runDir, metric)
}

func appendMetricLine(runDir string, m tracking.Metric) error {
	path := filepath.Join(runDir, metricsDir, filepath.FromSlash(m.Key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("filestore: create metric dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: open metric file: %w", err)
	}
	line := fmt.Sprintf("%d %s %d\n", m.Timestamp, strconv.FormatFloat(m.Value, 'g', -1, 64), m.Step)
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("filestore: append metric: %w", err)
	}
	return f.Close()
}

// LogParam records a param. Params are immutable: re-logging the same value
// is a no-op, a different value is rejected.
func (s *Store) LogParam(ctx context.Context, runID string, param tracking.Param) error {
	if err := tracking.ValidateParam(param); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir, err := s.activeRunDir(runID)
	if err != nil {
		return err
	}
	return writeParam(runDir, param)
}

func writeParam(runDir string, param tracking.Param) error {
	path := filepath.Join(runDir, paramsDir, filepath.FromSlash(param.Key))
	if existing, err := os.ReadFile(path); err == nil {
		if string(existing) == param.Value {
			return nil
		}
		return tracking.NewError(tracking.CodeInvalidParameterValue,
			"param %q already logged with value %q; params are immutable", param.Key, string(existing))
	}
	return writeKVFile(filepath.Join(runDir, paramsDir), param.Key, param.Value)
}

// SetTag sets or overwrites a run tag. Setting the reserved run-name tag
// renames the run.
func (s *Store) SetTag(ctx context.Context, runID string, tag tracking.RunTag) error {
	if err := tracking.ValidateTag(tag.Key, tag.Value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir, err := s.activeRunDir(runID)
	if err != nil {
		return err
	}
	return s.writeTag(runDir, tag)
}

func (s *Store) writeTag(runDir string, tag tracking.RunTag) error {
	if err := writeKVFile(filepath.Join(runDir, tagsDir), tag.Key, tag.Value); err != nil {
		return err
	}
	if tag.Key != tracking.TagRunName {
		return nil
	}
	metaPath := filepath.Join(runDir, metaFile)
	var info tracking.RunInfo
	if err := readYAML(metaPath, &info); err != nil {
		return err
	}
	info.RunName = tag.Value
	return writeYAML(metaPath, &info)
}

// DeleteTag removes a run tag.
func (s *Store) DeleteTag(ctx context.Context, runID, key string) error {
	if err := tracking.ValidateKey(key, "tag"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir, err := s.activeRunDir(runID)
	if err != nil {
		return err
	}
	path := filepath.Join(runDir, tagsDir, filepath.FromSlash(key))
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return tracking.NewError(tracking.CodeResourceDoesNotExist, "tag %q not found on run %q", key, runID)
		}
		return fmt.Errorf("filestore: delete tag: %w", err)
	}
	return nil
}

// LogBatch logs metrics, params and tags in one call. The batch is validated
// up front; on a mid-batch failure already-written entries remain, matching
// the at-least-once contract of batch logging.
func (s *Store) LogBatch(ctx context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.RunTag) error {
	if err := tracking.ValidateBatch(metrics, params, tags); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir, err := s.activeRunDir(runID)
	if err != nil {
		return err
	}
	for _, p := range params {
		if err := writeParam(runDir, p); err != nil {
			return err
		}
	}
	for _, t := range tags {
		if err := s.writeTag(runDir, t); err != nil {
			return err
		}
	}
	for _, m := range metrics {
		if err := appendMetricLine(runDir, m); err != nil {
			return err
		}
	}
	return nil
}

// GetMetricHistory returns all logged points for one metric key in log
// order, paginated.
func (s *Store) GetMetricHistory(ctx context.Context, runID, key string, maxResults int, pageToken string) (*tracking.MetricPage, error) {
	if err := tracking.ValidateRunID(runID); err != nil {
		return nil, err
	}
	if err := tracking.ValidateKey(key, "metric"); err != nil {
		return nil, err
	}
	normalized, err := search.NormalizeMaxResults(maxResults)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	runDir, err := s.findRunDir(runID)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(runDir, metricsDir, filepath.FromSlash(key))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tracking.NewError(tracking.CodeResourceDoesNotExist,
				"metric %q not found for run %q", key, runID)
		}
		return nil, fmt.Errorf("filestore: read metric history: %w", err)
	}
	points, err := parseMetricHistory(key, string(data))
	if err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	page, next, err := search.Paginate(points, pageToken, normalized)
	if err != nil {
		return nil, err
	}
	return &tracking.MetricPage{Metrics: page, NextPageToken: next}, nil
}
