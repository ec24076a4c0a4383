// SPDX-License-Identifier: MIT

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mlfoundry/trackd/internal/search"
	"github.com/mlfoundry/trackd/internal/tracking"
)

// activeRun loads the run and enforces the active-stage requirement shared
// by all logging operations.
func (s *Store) activeRun(ctx context.Context, runID string) (*tracking.RunInfo, error) {
	if err := tracking.ValidateRunID(runID); err != nil {
		return nil, err
	}
	info, err := s.runInfo(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := tracking.CheckRunActive(*info); err != nil {
		return nil, err
	}
	return info, nil
}

// LogMetric appends one metric point and folds it into latest_metrics.
func (s *Store) LogMetric(ctx context.Context, runID string, metric tracking.Metric) error {
	if err := tracking.ValidateMetric(metric); err != nil {
		return err
	}
	if _, err := s.activeRun(ctx, runID); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertMetric(ctx, tx, runID, metric)
	})
}

func insertMetric(ctx context.Context, tx *sql.Tx, runID string, m tracking.Metric) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO metrics
		(run_id, key, value, timestamp, step) VALUES (?, ?, ?, ?, ?)`,
		runID, m.Key, m.Value, m.Timestamp, m.Step); err != nil {
		return fmt.Errorf("sqlstore: insert metric: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT value, timestamp, step FROM latest_metrics WHERE run_id = ? AND key = ?`,
		runID, m.Key)
	var cur tracking.Metric
	cur.Key = m.Key
	err := row.Scan(&cur.Value, &cur.Timestamp, &cur.Step)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first point for this key
	case err != nil:
		return fmt.Errorf("sqlstore: read latest metric: %w", err)
	default:
		if !m.Better(cur) {
			return nil
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO latest_metrics
		(run_id, key, value, timestamp, step) VALUES (?, ?, ?, ?, ?)`,
		runID, m.Key, m.Value, m.Timestamp, m.Step); err != nil {
		return fmt.Errorf("sqlstore: upsert latest metric: %w", err)
	}
	return nil
}

// LogParam records a param. Params are immutable: re-logging the same value
// is a no-op, a different value is rejected.
func (s *Store) LogParam(ctx context.Context, runID string, param tracking.Param) error {
	if err := tracking.ValidateParam(param); err != nil {
		return err
	}
	if _, err := s.activeRun(ctx, runID); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertParam(ctx, tx, runID, param)
	})
}

func insertParam(ctx context.Context, tx *sql.Tx, runID string, p tracking.Param) error {
	var existing string
	err := tx.QueryRowContext(ctx,
		`SELECT value FROM params WHERE run_id = ? AND key = ?`, runID, p.Key).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO params (run_id, key, value) VALUES (?, ?, ?)`,
			runID, p.Key, p.Value); err != nil {
			return fmt.Errorf("sqlstore: insert param: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("sqlstore: read param: %w", err)
	}
	if existing == p.Value {
		return nil
	}
	return tracking.NewError(tracking.CodeInvalidParameterValue,
		"param %q already logged with value %q; params are immutable", p.Key, existing)
}

// SetTag sets or overwrites a run tag. The reserved run-name tag renames the
// run.
func (s *Store) SetTag(ctx context.Context, runID string, tag tracking.RunTag) error {
	if err := tracking.ValidateTag(tag.Key, tag.Value); err != nil {
		return err
	}
	if _, err := s.activeRun(ctx, runID); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertTag(ctx, tx, runID, tag)
	})
}

func insertTag(ctx context.Context, tx *sql.Tx, runID string, tag tracking.RunTag) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO run_tags
		(run_id, key, value) VALUES (?, ?, ?)`, runID, tag.Key, tag.Value); err != nil {
		return fmt.Errorf("sqlstore: set tag: %w", err)
	}
	if tag.Key == tracking.TagRunName {
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET run_name = ? WHERE run_id = ?`, tag.Value, runID); err != nil {
			return fmt.Errorf("sqlstore: sync run name: %w", err)
		}
	}
	return nil
}

// DeleteTag removes a run tag.
func (s *Store) DeleteTag(ctx context.Context, runID, key string) error {
	if err := tracking.ValidateKey(key, "tag"); err != nil {
		return err
	}
	if _, err := s.activeRun(ctx, runID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM run_tags WHERE run_id = ? AND key = ?`, runID, key)
	if err != nil {
		return fmt.Errorf("sqlstore: delete tag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tracking.NewError(tracking.CodeResourceDoesNotExist, "tag %q not found on run %q", key, runID)
	}
	return nil
}

// LogBatch logs metrics, params and tags atomically in one transaction.
func (s *Store) LogBatch(ctx context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.RunTag) error {
	if err := tracking.ValidateBatch(metrics, params, tags); err != nil {
		return err
	}
	if _, err := s.activeRun(ctx, runID); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, p := range params {
			if err := insertParam(ctx, tx, runID, p); err != nil {
				return err
			}
		}
		for _, t := range tags {
			if err := insertTag(ctx, tx, runID, t); err != nil {
				return err
			}
		}
		for _, m := range metrics {
			if err := insertMetric(ctx, tx, runID, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMetricHistory returns all logged points for one metric key in insertion
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
	if _, err := s.runInfo(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT value, timestamp, step FROM metrics WHERE run_id = ? AND key = ? ORDER BY rowid`,
		runID, key)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query metric history: %w", err)
	}
	defer rows.Close()

	var points []tracking.Metric
	for rows.Next() {
		m := tracking.Metric{Key: key}
		if err := rows.Scan(&m.Value, &m.Timestamp, &m.Step); err != nil {
			return nil, fmt.Errorf("sqlstore: scan metric point: %w", err)
		}
		points = append(points, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: iterate metric history: %w", err)
	}
	if len(points) == 0 {
		return nil, tracking.NewError(tracking.CodeResourceDoesNotExist,
			"metric %q not found for run %q", key, runID)
	}

	page, next, err := search.Paginate(points, pageToken, normalized)
	if err != nil {
		return nil, err
	}
	return &tracking.MetricPage{Metrics: page, NextPageToken: next}, nil
}
