// SPDX-License-Identifier: MIT

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	xglog "github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/search"
	"github.com/mlfoundry/trackd/internal/tracking"
)

const runCols = `run_id, run_name, experiment_id, user_id, status, start_time, end_time, artifact_uri, lifecycle_stage, deleted_time`

// CreateRun creates a run under an active experiment.
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

	exp, err := s.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.LifecycleStage != tracking.LifecycleActive {
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
	info := tracking.RunInfo{
		RunID:          runID,
		RunName:        runName,
		ExperimentID:   experimentID,
		UserID:         userID,
		Status:         tracking.RunStatusRunning,
		StartTime:      startTime,
		ArtifactURI:    filepath.Join(exp.ArtifactLocation, runID, "artifacts"),
		LifecycleStage: tracking.LifecycleActive,
	}

	allTags := make([]tracking.RunTag, 0, len(tags)+1)
	hasNameTag := false
	for _, t := range tags {
		if t.Key == tracking.TagRunName {
			t.Value = runName
			hasNameTag = true
		}
		allTags = append(allTags, t)
	}
	if !hasNameTag {
		allTags = append(allTags, tracking.RunTag{Key: tracking.TagRunName, Value: runName})
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO runs
			(run_id, run_name, experiment_id, user_id, status, start_time, end_time, artifact_uri, lifecycle_stage, deleted_time)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, 'active', 0)`,
			info.RunID, info.RunName, info.ExperimentID, info.UserID, info.Status,
			info.StartTime, info.ArtifactURI)
		if err != nil {
			return fmt.Errorf("sqlstore: insert run: %w", err)
		}
		for _, t := range allTags {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO run_tags
				(run_id, key, value) VALUES (?, ?, ?)`, runID, t.Key, t.Value); err != nil {
				return fmt.Errorf("sqlstore: insert run tag: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str(xglog.FieldExperimentID, experimentID).
		Str(xglog.FieldRunID, runID).
		Msg("run created")
	return &tracking.Run{Info: info, Data: tracking.RunData{Tags: allTags}}, nil
}

func (s *Store) runInfo(ctx context.Context, runID string) (*tracking.RunInfo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE run_id = ?`, runID)
	var info tracking.RunInfo
	err := row.Scan(&info.RunID, &info.RunName, &info.ExperimentID, &info.UserID,
		&info.Status, &info.StartTime, &info.EndTime, &info.ArtifactURI,
		&info.LifecycleStage, &info.DeletedTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracking.NewError(tracking.CodeResourceDoesNotExist, "run %q not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: scan run: %w", err)
	}
	return &info, nil
}

func (s *Store) runData(ctx context.Context, runID string) (tracking.RunData, error) {
	var data tracking.RunData

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, timestamp, step FROM latest_metrics WHERE run_id = ? ORDER BY key`, runID)
	if err != nil {
		return data, fmt.Errorf("sqlstore: query latest metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m := tracking.Metric{}
		if err := rows.Scan(&m.Key, &m.Value, &m.Timestamp, &m.Step); err != nil {
			return data, fmt.Errorf("sqlstore: scan latest metric: %w", err)
		}
		data.Metrics = append(data.Metrics, m)
	}
	if err := rows.Err(); err != nil {
		return data, fmt.Errorf("sqlstore: iterate latest metrics: %w", err)
	}

	prows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM params WHERE run_id = ? ORDER BY key`, runID)
	if err != nil {
		return data, fmt.Errorf("sqlstore: query params: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var p tracking.Param
		if err := prows.Scan(&p.Key, &p.Value); err != nil {
			return data, fmt.Errorf("sqlstore: scan param: %w", err)
		}
		data.Params = append(data.Params, p)
	}
	if err := prows.Err(); err != nil {
		return data, fmt.Errorf("sqlstore: iterate params: %w", err)
	}

	trows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM run_tags WHERE run_id = ? ORDER BY key`, runID)
	if err != nil {
		return data, fmt.Errorf("sqlstore: query tags: %w", err)
	}
	defer trows.Close()
	for trows.Next() {
		var t tracking.RunTag
		if err := trows.Scan(&t.Key, &t.Value); err != nil {
			return data, fmt.Errorf("sqlstore: scan tag: %w", err)
		}
		data.Tags = append(data.Tags, t)
	}
	return data, trows.Err()
}

// GetRun returns a run in any lifecycle stage with its latest metrics,
// params and tags.
func (s *Store) GetRun(ctx context.Context, runID string) (*tracking.Run, error) {
	if err := tracking.ValidateRunID(runID); err != nil {
		return nil, err
	}
	info, err := s.runInfo(ctx, runID)
	if err != nil {
		return nil, err
	}
	data, err := s.runData(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &tracking.Run{Info: *info, Data: data}, nil
}

// UpdateRun updates status, end time and optionally the name of an active run.
func (s *Store) UpdateRun(ctx context.Context, runID string, status tracking.RunStatus, endTime int64, runName string) (*tracking.RunInfo, error) {
	if err := tracking.ValidateRunID(runID); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, tracking.NewError(tracking.CodeInvalidParameterValue, "invalid run status %q", status)
	}
	info, err := s.runInfo(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := tracking.CheckRunActive(*info); err != nil {
		return nil, err
	}

	info.Status = status
	if endTime != 0 {
		info.EndTime = endTime
	}
	if runName != "" {
		info.RunName = runName
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, end_time = ?, run_name = ? WHERE run_id = ?`,
			info.Status, info.EndTime, info.RunName, runID); err != nil {
			return fmt.Errorf("sqlstore: update run: %w", err)
		}
		if runName != "" {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO run_tags
				(run_id, key, value) VALUES (?, ?, ?)`, runID, tracking.TagRunName, runName); err != nil {
				return fmt.Errorf("sqlstore: sync run-name tag: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// DeleteRun soft-deletes a run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	return s.setRunStage(ctx, runID, tracking.LifecycleDeleted)
}

// RestoreRun reactivates a soft-deleted run.
func (s *Store) RestoreRun(ctx context.Context, runID string) error {
	return s.setRunStage(ctx, runID, tracking.LifecycleActive)
}

func (s *Store) setRunStage(ctx context.Context, runID string, stage tracking.LifecycleStage) error {
	if err := tracking.ValidateRunID(runID); err != nil {
		return err
	}
	info, err := s.runInfo(ctx, runID)
	if err != nil {
		return err
	}
	if info.LifecycleStage == stage {
		return tracking.NewError(tracking.CodeInvalidState, "run %q is already %s", runID, stage)
	}
	deletedTime := int64(0)
	if stage == tracking.LifecycleDeleted {
		deletedTime = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET lifecycle_stage = ?, deleted_time = ? WHERE run_id = ?`,
		stage, deletedTime, runID)
	if err != nil {
		return fmt.Errorf("sqlstore: set run stage: %w", err)
	}
	return nil
}

// HardDeleteRun permanently removes a run and all dependent rows.
func (s *Store) HardDeleteRun(ctx context.Context, runID string) error {
	if err := tracking.ValidateRunID(runID); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("sqlstore: hard-delete run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return tracking.NewError(tracking.CodeResourceDoesNotExist, "run %q not found", runID)
		}
		for _, table := range []string{"metrics", "latest_metrics", "params", "run_tags"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
				return fmt.Errorf("sqlstore: hard-delete %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info().Str(xglog.FieldRunID, runID).Msg("run hard-deleted")
	return nil
}

// ListDeleted returns soft-deleted runs and experiments older than the
// cutoff. A zero cutoff returns everything deleted.
func (s *Store) ListDeleted(ctx context.Context, olderThanMillis int64) ([]string, []string, error) {
	runQuery := `SELECT run_id FROM runs WHERE lifecycle_stage = 'deleted'`
	expQuery := `SELECT experiment_id FROM experiments WHERE lifecycle_stage = 'deleted'`
	var args []any
	if olderThanMillis > 0 {
		runQuery += ` AND deleted_time < ?`
		expQuery += ` AND last_update_time < ?`
		args = append(args, olderThanMillis)
	}

	runIDs, err := s.queryStrings(ctx, runQuery, args...)
	if err != nil {
		return nil, nil, err
	}
	expIDs, err := s.queryStrings(ctx, expQuery, args...)
	if err != nil {
		return nil, nil, err
	}
	return runIDs, expIDs, nil
}

func (s *Store) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("sqlstore: scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SearchRuns searches runs across the requested experiments. Candidate rows
// are selected by experiment; filtering, ordering and pagination run in
// memory so behaviour matches the file backend exactly.
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

	var matched []*tracking.Run
	for _, expID := range req.ExperimentIDs {
		if _, err := s.GetExperiment(ctx, expID); err != nil {
			return nil, err
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+runCols+` FROM runs WHERE experiment_id = ?`, expID)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: query runs: %w", err)
		}
		var infos []tracking.RunInfo
		for rows.Next() {
			var info tracking.RunInfo
			if err := rows.Scan(&info.RunID, &info.RunName, &info.ExperimentID, &info.UserID,
				&info.Status, &info.StartTime, &info.EndTime, &info.ArtifactURI,
				&info.LifecycleStage, &info.DeletedTime); err != nil {
				rows.Close()
				return nil, fmt.Errorf("sqlstore: scan run: %w", err)
			}
			infos = append(infos, info)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlstore: iterate runs: %w", err)
		}
		rows.Close()

		for _, info := range infos {
			if !req.View.Matches(info.LifecycleStage) {
				continue
			}
			data, err := s.runData(ctx, info.RunID)
			if err != nil {
				return nil, err
			}
			run := &tracking.Run{Info: info, Data: data}
			if filter.MatchRun(run) {
				matched = append(matched, run)
			}
		}
	}

	search.SortRuns(matched, orderBy)
	page, next, err := search.Paginate(matched, req.PageToken, maxResults)
	if err != nil {
		return nil, err
	}
	return &tracking.RunPage{Runs: page, NextPageToken: next}, nil
}
