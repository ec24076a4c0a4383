// SPDX-License-Identifier: MIT

// Package sqlstore implements the tracking store on SQLite. It uses the pure
// Go driver, so deployments stay CGO-free, and opens the database in WAL
// mode with a busy timeout so concurrent API handlers do not trip over each
// other.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	xglog "github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/search"
	"github.com/mlfoundry/trackd/internal/tracking"
)

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
	experiment_id     TEXT PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	artifact_location TEXT NOT NULL DEFAULT '',
	lifecycle_stage   TEXT NOT NULL DEFAULT 'active',
	creation_time     INTEGER NOT NULL,
	last_update_time  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS experiment_tags (
	experiment_id TEXT NOT NULL REFERENCES experiments(experiment_id) ON DELETE CASCADE,
	key           TEXT NOT NULL,
	value         TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (experiment_id, key)
);
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	run_name        TEXT NOT NULL DEFAULT '',
	experiment_id   TEXT NOT NULL REFERENCES experiments(experiment_id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'RUNNING',
	start_time      INTEGER NOT NULL DEFAULT 0,
	end_time        INTEGER NOT NULL DEFAULT 0,
	artifact_uri    TEXT NOT NULL DEFAULT '',
	lifecycle_stage TEXT NOT NULL DEFAULT 'active',
	deleted_time    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment_id, lifecycle_stage);
CREATE TABLE IF NOT EXISTS metrics (
	run_id    TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	key       TEXT NOT NULL,
	value     REAL NOT NULL,
	timestamp INTEGER NOT NULL,
	step      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_metrics_run_key ON metrics(run_id, key);
CREATE TABLE IF NOT EXISTS latest_metrics (
	run_id    TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	key       TEXT NOT NULL,
	value     REAL NOT NULL,
	timestamp INTEGER NOT NULL,
	step      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, key)
);
CREATE TABLE IF NOT EXISTS params (
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, key)
);
CREATE TABLE IF NOT EXISTS run_tags (
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, key)
);
`

// Store is a SQLite-backed tracking store.
type Store struct {
	db           *sql.DB
	log          zerolog.Logger
	artifactRoot string
	now          func() int64
}

var _ tracking.Store = (*Store)(nil)

// New opens (or creates) the SQLite database at path. Run artifact URIs are
// rooted next to the database file.
func New(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	// SQLite allows one writer; a small pool avoids lock thrash.
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: apply schema: %w", err)
	}

	s := &Store{
		db:           db,
		log:          xglog.WithComponent("sqlstore"),
		artifactRoot: filepath.Join(filepath.Dir(path), "artifacts"),
		now:          func() int64 { return time.Now().UnixMilli() },
	}
	if err := s.ensureDefaultExperiment(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info().Str(xglog.FieldPath, path).Msg("sqlite store opened")
	return s, nil
}

func (s *Store) ensureDefaultExperiment() error {
	now := s.now()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO experiments
		(experiment_id, name, artifact_location, lifecycle_stage, creation_time, last_update_time)
		VALUES (?, ?, ?, 'active', ?, ?)`,
		tracking.DefaultExperimentID, tracking.DefaultExperimentName,
		filepath.Join(s.artifactRoot, tracking.DefaultExperimentID), now, now)
	if err != nil {
		return fmt.Errorf("sqlstore: create default experiment: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateExperiment inserts a new active experiment. Names are unique across
// active and deleted experiments via the table constraint.
func (s *Store) CreateExperiment(ctx context.Context, name, artifactLocation string, tags []tracking.ExperimentTag) (string, error) {
	if err := tracking.ValidateExperimentName(name); err != nil {
		return "", err
	}
	for _, t := range tags {
		if err := tracking.ValidateTag(t.Key, t.Value); err != nil {
			return "", err
		}
	}

	id := tracking.NewExperimentID()
	if artifactLocation == "" {
		artifactLocation = filepath.Join(s.artifactRoot, id)
	}
	now := s.now()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO experiments
			(experiment_id, name, artifact_location, lifecycle_stage, creation_time, last_update_time)
			VALUES (?, ?, ?, 'active', ?, ?)`,
			id, name, artifactLocation, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return tracking.NewError(tracking.CodeResourceAlreadyExists, "experiment %q already exists", name)
			}
			return fmt.Errorf("sqlstore: insert experiment: %w", err)
		}
		for _, t := range tags {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO experiment_tags
				(experiment_id, key, value) VALUES (?, ?, ?)`, id, t.Key, t.Value); err != nil {
				return fmt.Errorf("sqlstore: insert experiment tag: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Info().Str(xglog.FieldExperimentID, id).Str("name", name).Msg("experiment created")
	return id, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn().Err(rbErr).Msg("tx rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation detects constraint errors without importing the driver's
// internal error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) scanExperiment(ctx context.Context, row *sql.Row) (*tracking.Experiment, error) {
	var exp tracking.Experiment
	err := row.Scan(&exp.ID, &exp.Name, &exp.ArtifactLocation, &exp.LifecycleStage,
		&exp.CreationTime, &exp.LastUpdateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracking.NewError(tracking.CodeResourceDoesNotExist, "experiment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: scan experiment: %w", err)
	}
	tags, err := s.experimentTags(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	exp.Tags = tags
	return &exp, nil
}

func (s *Store) experimentTags(ctx context.Context, id string) ([]tracking.ExperimentTag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM experiment_tags WHERE experiment_id = ? ORDER BY key`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query experiment tags: %w", err)
	}
	defer rows.Close()
	var tags []tracking.ExperimentTag
	for rows.Next() {
		var t tracking.ExperimentTag
		if err := rows.Scan(&t.Key, &t.Value); err != nil {
			return nil, fmt.Errorf("sqlstore: scan experiment tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

const experimentCols = `experiment_id, name, artifact_location, lifecycle_stage, creation_time, last_update_time`

// GetExperiment returns an experiment in any lifecycle stage.
func (s *Store) GetExperiment(ctx context.Context, id string) (*tracking.Experiment, error) {
	if err := tracking.ValidateExperimentID(id); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentCols+` FROM experiments WHERE experiment_id = ?`, id)
	exp, err := s.scanExperiment(ctx, row)
	if err != nil && tracking.CodeOf(err) == tracking.CodeResourceDoesNotExist {
		return nil, tracking.NewError(tracking.CodeResourceDoesNotExist, "experiment %q not found", id)
	}
	return exp, err
}

// GetExperimentByName returns the experiment with the given name.
func (s *Store) GetExperimentByName(ctx context.Context, name string) (*tracking.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentCols+` FROM experiments WHERE name = ?`, name)
	exp, err := s.scanExperiment(ctx, row)
	if err != nil && tracking.CodeOf(err) == tracking.CodeResourceDoesNotExist {
		return nil, tracking.NewError(tracking.CodeResourceDoesNotExist, "experiment with name %q not found", name)
	}
	return exp, err
}

// SearchExperiments lists experiments matching the request. Filtering,
// ordering and pagination run in memory over the selected lifecycle stages
// so behaviour matches the file backend exactly.
func (s *Store) SearchExperiments(ctx context.Context, req tracking.SearchExperimentsRequest) (*tracking.ExperimentPage, error) {
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

	rows, err := s.db.QueryContext(ctx, `SELECT `+experimentCols+` FROM experiments`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query experiments: %w", err)
	}
	defer rows.Close()

	var matched []*tracking.Experiment
	for rows.Next() {
		var exp tracking.Experiment
		if err := rows.Scan(&exp.ID, &exp.Name, &exp.ArtifactLocation, &exp.LifecycleStage,
			&exp.CreationTime, &exp.LastUpdateTime); err != nil {
			return nil, fmt.Errorf("sqlstore: scan experiment: %w", err)
		}
		if !req.View.Matches(exp.LifecycleStage) {
			continue
		}
		matched = append(matched, &exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: iterate experiments: %w", err)
	}

	for _, exp := range matched {
		tags, err := s.experimentTags(ctx, exp.ID)
		if err != nil {
			return nil, err
		}
		exp.Tags = tags
	}

	filtered := matched[:0]
	for _, exp := range matched {
		if filter.MatchExperiment(exp) {
			filtered = append(filtered, exp)
		}
	}
	search.SortExperiments(filtered, orderBy)

	page, next, err := search.Paginate(filtered, req.PageToken, maxResults)
	if err != nil {
		return nil, err
	}
	return &tracking.ExperimentPage{Experiments: page, NextPageToken: next}, nil
}

// RenameExperiment renames an active experiment.
func (s *Store) RenameExperiment(ctx context.Context, id, newName string) error {
	if err := tracking.ValidateExperimentName(newName); err != nil {
		return err
	}
	exp, err := s.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.LifecycleStage != tracking.LifecycleActive {
		return tracking.NewError(tracking.CodeInvalidState, "cannot rename deleted experiment %q", id)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE experiments SET name = ?, last_update_time = ? WHERE experiment_id = ?`,
		newName, s.now(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return tracking.NewError(tracking.CodeResourceAlreadyExists, "experiment %q already exists", newName)
		}
		return fmt.Errorf("sqlstore: rename experiment: %w", err)
	}
	return nil
}

// DeleteExperiment soft-deletes an experiment and its runs.
func (s *Store) DeleteExperiment(ctx context.Context, id string) error {
	if id == tracking.DefaultExperimentID {
		return tracking.NewError(tracking.CodeInvalidParameterValue, "the default experiment cannot be deleted")
	}
	exp, err := s.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.LifecycleStage != tracking.LifecycleActive {
		return tracking.NewError(tracking.CodeInvalidState, "experiment %q is already deleted", id)
	}
	now := s.now()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE experiments SET lifecycle_stage = 'deleted', last_update_time = ? WHERE experiment_id = ?`,
			now, id); err != nil {
			return fmt.Errorf("sqlstore: delete experiment: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET lifecycle_stage = 'deleted', deleted_time = ?
			 WHERE experiment_id = ? AND lifecycle_stage = 'active'`, now, id); err != nil {
			return fmt.Errorf("sqlstore: delete experiment runs: %w", err)
		}
		return nil
	})
	if err == nil {
		s.log.Info().Str(xglog.FieldExperimentID, id).Msg("experiment deleted")
	}
	return err
}

// RestoreExperiment reactivates a soft-deleted experiment and its runs.
func (s *Store) RestoreExperiment(ctx context.Context, id string) error {
	exp, err := s.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.LifecycleStage != tracking.LifecycleDeleted {
		return tracking.NewError(tracking.CodeInvalidState, "experiment %q is not deleted", id)
	}
	now := s.now()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE experiments SET lifecycle_stage = 'active', last_update_time = ? WHERE experiment_id = ?`,
			now, id); err != nil {
			return fmt.Errorf("sqlstore: restore experiment: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET lifecycle_stage = 'active', deleted_time = 0
			 WHERE experiment_id = ? AND lifecycle_stage = 'deleted'`, id); err != nil {
			return fmt.Errorf("sqlstore: restore experiment runs: %w", err)
		}
		return nil
	})
	if err == nil {
		s.log.Info().Str(xglog.FieldExperimentID, id).Msg("experiment restored")
	}
	return err
}

// SetExperimentTag sets a tag on an active experiment.
func (s *Store) SetExperimentTag(ctx context.Context, id string, tag tracking.ExperimentTag) error {
	if err := tracking.ValidateTag(tag.Key, tag.Value); err != nil {
		return err
	}
	exp, err := s.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.LifecycleStage != tracking.LifecycleActive {
		return tracking.NewError(tracking.CodeInvalidState, "cannot tag deleted experiment %q", id)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO experiment_tags (experiment_id, key, value) VALUES (?, ?, ?)`,
		id, tag.Key, tag.Value)
	if err != nil {
		return fmt.Errorf("sqlstore: set experiment tag: %w", err)
	}
	return nil
}

// DeleteExperimentTag removes a tag from an active experiment.
func (s *Store) DeleteExperimentTag(ctx context.Context, id, key string) error {
	if err := tracking.ValidateKey(key, "tag"); err != nil {
		return err
	}
	exp, err := s.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.LifecycleStage != tracking.LifecycleActive {
		return tracking.NewError(tracking.CodeInvalidState, "cannot untag deleted experiment %q", id)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM experiment_tags WHERE experiment_id = ? AND key = ?`, id, key)
	if err != nil {
		return fmt.Errorf("sqlstore: delete experiment tag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tracking.NewError(tracking.CodeResourceDoesNotExist, "tag %q not found on experiment %q", key, id)
	}
	return nil
}

// HardDeleteExperiment permanently removes a soft-deleted experiment and all
// dependent rows. Dependent tables are cleared explicitly so the operation
// does not depend on the foreign_keys pragma.
func (s *Store) HardDeleteExperiment(ctx context.Context, id string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM experiments WHERE experiment_id = ? AND lifecycle_stage = 'deleted'`, id)
		if err != nil {
			return fmt.Errorf("sqlstore: hard-delete experiment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return tracking.NewError(tracking.CodeResourceDoesNotExist, "deleted experiment %q not found", id)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM experiment_tags WHERE experiment_id = ?`, id); err != nil {
			return fmt.Errorf("sqlstore: hard-delete experiment tags: %w", err)
		}
		for _, table := range []string{"metrics", "latest_metrics", "params", "run_tags"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE run_id IN (SELECT run_id FROM runs WHERE experiment_id = ?)`, id); err != nil {
				return fmt.Errorf("sqlstore: hard-delete %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE experiment_id = ?`, id); err != nil {
			return fmt.Errorf("sqlstore: hard-delete runs: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info().Str(xglog.FieldExperimentID, id).Msg("experiment hard-deleted")
	return nil
}
