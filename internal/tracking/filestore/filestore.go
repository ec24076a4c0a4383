// SPDX-License-Identifier: MIT

// Package filestore implements the tracking store on the local filesystem.
//
// Layout under the store root:
//
//	<root>/<experiment_id>/meta.yaml
//	<root>/<experiment_id>/tags/<key>
//	<root>/<experiment_id>/<run_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/metrics/<key>
//	<root>/<experiment_id>/<run_id>/params/<key>
//	<root>/<experiment_id>/<run_id>/tags/<key>
//	<root>/<experiment_id>/<run_id>/artifacts/
//	<root>/.trash/<experiment_id>/...
//
// Metadata files are written atomically (write-to-temp then rename) so a
// crash never leaves a half-written meta.yaml behind. Deleted experiments
// are moved whole into .trash and restored from there.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	xglog "github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/search"
	"github.com/mlfoundry/trackd/internal/tracking"
)

const (
	metaFile    = "meta.yaml"
	trashDir    = ".trash"
	tagsDir     = "tags"
	metricsDir  = "metrics"
	paramsDir   = "params"
	artifactDir = "artifacts"
)

var runDirPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Store is a file-backed tracking store. A single process-wide mutex
// serialises mutations; reads take the shared lock.
type Store struct {
	root string
	log  zerolog.Logger
	mu   sync.RWMutex
	now  func() int64
}

var _ tracking.Store = (*Store)(nil)

// New opens (or initialises) a file store rooted at dir. The default
// experiment is created on first use.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: resolve root %q: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(abs, trashDir), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create root: %w", err)
	}
	s := &Store{
		root: abs,
		log:  xglog.WithComponent("filestore"),
		now:  func() int64 { return time.Now().UnixMilli() },
	}
	if err := s.ensureDefaultExperiment(); err != nil {
		return nil, err
	}
	s.log.Info().Str(xglog.FieldDataDir, abs).Msg("file store opened")
	return s, nil
}

func (s *Store) ensureDefaultExperiment() error {
	dir := s.expDir(tracking.DefaultExperimentID, tracking.LifecycleActive)
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err == nil {
		return nil
	}
	trashed := s.expDir(tracking.DefaultExperimentID, tracking.LifecycleDeleted)
	if _, err := os.Stat(filepath.Join(trashed, metaFile)); err == nil {
		return nil
	}
	now := s.now()
	exp := &tracking.Experiment{
		ID:               tracking.DefaultExperimentID,
		Name:             tracking.DefaultExperimentName,
		ArtifactLocation: filepath.Join(s.root, tracking.DefaultExperimentID, artifactDir),
		LifecycleStage:   tracking.LifecycleActive,
		CreationTime:     now,
		LastUpdateTime:   now,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filestore: create default experiment: %w", err)
	}
	return s.writeExperimentMeta(dir, exp)
}

// Ping verifies the store root is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(s.root); err != nil {
		return fmt.Errorf("filestore: root unavailable: %w", err)
	}
	return nil
}

// Close is a no-op; the store holds no long-lived handles.
func (s *Store) Close() error { return nil }

func (s *Store) expDir(id string, stage tracking.LifecycleStage) string {
	if stage == tracking.LifecycleDeleted {
		return filepath.Join(s.root, trashDir, id)
	}
	return filepath.Join(s.root, id)
}

// findExperimentDir locates an experiment in the active area or the trash.
func (s *Store) findExperimentDir(id string) (string, tracking.LifecycleStage, error) {
	active := s.expDir(id, tracking.LifecycleActive)
	if _, err := os.Stat(filepath.Join(active, metaFile)); err == nil {
		return active, tracking.LifecycleActive, nil
	}
	trashed := s.expDir(id, tracking.LifecycleDeleted)
	if _, err := os.Stat(filepath.Join(trashed, metaFile)); err == nil {
		return trashed, tracking.LifecycleDeleted, nil
	}
	return "", "", tracking.NewError(tracking.CodeResourceDoesNotExist, "experiment %q not found", id)
}

func (s *Store) writeExperimentMeta(dir string, exp *tracking.Experiment) error {
	return writeYAML(filepath.Join(dir, metaFile), exp)
}

func (s *Store) readExperiment(dir string, stage tracking.LifecycleStage) (*tracking.Experiment, error) {
	var exp tracking.Experiment
	if err := readYAML(filepath.Join(dir, metaFile), &exp); err != nil {
		return nil, err
	}
	// The directory location is authoritative for the lifecycle stage.
	exp.LifecycleStage = stage
	tags, err := readKVDir(filepath.Join(dir, tagsDir))
	if err != nil {
		return nil, err
	}
	for _, kv := range tags {
		exp.Tags = append(exp.Tags, tracking.ExperimentTag{Key: kv.key, Value: kv.value})
	}
	return &exp, nil
}

// CreateExperiment creates a new active experiment. Names must be unique
// across active and deleted experiments.
func (s *Store) CreateExperiment(ctx context.Context, name, artifactLocation string, tags []tracking.ExperimentTag) (string, error) {
	if err := tracking.ValidateExperimentName(name); err != nil {
		return "", err
	}
	for _, t := range tags {
		if err := tracking.ValidateTag(t.Key, t.Value); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, _ := s.experimentByNameLocked(name); existing != nil {
		return "", tracking.NewError(tracking.CodeResourceAlreadyExists,
			"experiment %q already exists in the %s state", name, existing.LifecycleStage)
	}

	id := tracking.NewExperimentID()
	dir := s.expDir(id, tracking.LifecycleActive)
	if artifactLocation == "" {
		artifactLocation = filepath.Join(dir, artifactDir)
	}
	now := s.now()
	exp := &tracking.Experiment{
		ID:               id,
		Name:             name,
		ArtifactLocation: artifactLocation,
		LifecycleStage:   tracking.LifecycleActive,
		CreationTime:     now,
		LastUpdateTime:   now,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("filestore: create experiment dir: %w", err)
	}
	if err := s.writeExperimentMeta(dir, exp); err != nil {
		return "", err
	}
	for _, t := range tags {
		if err := writeKVFile(filepath.Join(dir, tagsDir), t.Key, t.Value); err != nil {
			return "", err
		}
	}
	s.log.Info().
		Str(xglog.FieldExperimentID, id).
		Str("name", name).
		Msg("experiment created")
	return id, nil
}

// GetExperiment returns an experiment in any lifecycle stage.
func (s *Store) GetExperiment(ctx context.Context, id string) (*tracking.Experiment, error) {
	if err := tracking.ValidateExperimentID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	dir, stage, err := s.findExperimentDir(id)
	if err != nil {
		return nil, err
	}
	return s.readExperiment(dir, stage)
}

// GetExperimentByName returns the experiment with the given name, searching
// active experiments before deleted ones.
func (s *Store) GetExperimentByName(ctx context.Context, name string) (*tracking.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, err := s.experimentByNameLocked(name)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, tracking.NewError(tracking.CodeResourceDoesNotExist, "experiment with name %q not found", name)
	}
	return exp, nil
}

func (s *Store) experimentByNameLocked(name string) (*tracking.Experiment, error) {
	exps, err := s.listExperimentsLocked(tracking.ViewAll)
	if err != nil {
		return nil, err
	}
	var deleted *tracking.Experiment
	for _, exp := range exps {
		if exp.Name != name {
			continue
		}
		if exp.LifecycleStage == tracking.LifecycleActive {
			return exp, nil
		}
		deleted = exp
	}
	return deleted, nil
}

func (s *Store) listExperimentsLocked(view tracking.ViewType) ([]*tracking.Experiment, error) {
	var out []*tracking.Experiment
	if view.Matches(tracking.LifecycleActive) {
		exps, err := s.readExperimentsIn(s.root, tracking.LifecycleActive)
		if err != nil {
			return nil, err
		}
		out = append(out, exps...)
	}
	if view.Matches(tracking.LifecycleDeleted) {
		exps, err := s.readExperimentsIn(filepath.Join(s.root, trashDir), tracking.LifecycleDeleted)
		if err != nil {
			return nil, err
		}
		out = append(out, exps...)
	}
	return out, nil
}

func (s *Store) readExperimentsIn(dir string, stage tracking.LifecycleStage) ([]*tracking.Experiment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: list %s: %w", dir, err)
	}
	var out []*tracking.Experiment
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		exp, err := s.readExperiment(filepath.Join(dir, e.Name()), stage)
		if err != nil {
			// Malformed directories are skipped so one bad experiment
			// cannot take down every listing.
			s.log.Warn().Err(err).
				Str(xglog.FieldExperimentID, e.Name()).
				Msg("skipping malformed experiment directory")
			continue
		}
		out = append(out, exp)
	}
	return out, nil
}

// SearchExperiments lists experiments matching the request.
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

	s.mu.RLock()
	exps, err := s.listExperimentsLocked(req.View)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	matched := exps[:0]
	for _, exp := range exps {
		if filter.MatchExperiment(exp) {
			matched = append(matched, exp)
		}
	}
	search.SortExperiments(matched, orderBy)

	page, next, err := search.Paginate(matched, req.PageToken, maxResults)
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
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, stage, err := s.findExperimentDir(id)
	if err != nil {
		return err
	}
	if stage != tracking.LifecycleActive {
		return tracking.NewError(tracking.CodeInvalidState, "cannot rename deleted experiment %q", id)
	}
	if existing, _ := s.experimentByNameLocked(newName); existing != nil && existing.ID != id {
		return tracking.NewError(tracking.CodeResourceAlreadyExists, "experiment %q already exists", newName)
	}
	exp, err := s.readExperiment(dir, stage)
	if err != nil {
		return err
	}
	exp.Name = newName
	exp.LastUpdateTime = s.now()
	return s.writeExperimentMeta(dir, exp)
}

// DeleteExperiment soft-deletes an experiment by moving it into the trash.
// Its runs are marked deleted with the deletion timestamp.
func (s *Store) DeleteExperiment(ctx context.Context, id string) error {
	if id == tracking.DefaultExperimentID {
		return tracking.NewError(tracking.CodeInvalidParameterValue, "the default experiment cannot be deleted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, stage, err := s.findExperimentDir(id)
	if err != nil {
		return err
	}
	if stage != tracking.LifecycleActive {
		return tracking.NewError(tracking.CodeInvalidState, "experiment %q is already deleted", id)
	}

	now := s.now()
	exp, err := s.readExperiment(dir, stage)
	if err != nil {
		return err
	}
	exp.LifecycleStage = tracking.LifecycleDeleted
	exp.LastUpdateTime = now
	if err := s.writeExperimentMeta(dir, exp); err != nil {
		return err
	}
	if err := s.markRunsDeleted(dir, now); err != nil {
		return err
	}

	dest := s.expDir(id, tracking.LifecycleDeleted)
	if err := os.Rename(dir, dest); err != nil {
		return fmt.Errorf("filestore: move experiment to trash: %w", err)
	}
	s.log.Info().Str(xglog.FieldExperimentID, id).Msg("experiment deleted")
	return nil
}

// RestoreExperiment moves a trashed experiment back and reactivates its runs.
func (s *Store) RestoreExperiment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, stage, err := s.findExperimentDir(id)
	if err != nil {
		return err
	}
	if stage != tracking.LifecycleDeleted {
		return tracking.NewError(tracking.CodeInvalidState, "experiment %q is not deleted", id)
	}

	exp, err := s.readExperiment(dir, stage)
	if err != nil {
		return err
	}
	if existing, _ := s.experimentByNameLocked(exp.Name); existing != nil && existing.LifecycleStage == tracking.LifecycleActive {
		return tracking.NewError(tracking.CodeResourceAlreadyExists,
			"cannot restore experiment %q: an active experiment named %q exists", id, exp.Name)
	}

	exp.LifecycleStage = tracking.LifecycleActive
	exp.LastUpdateTime = s.now()
	if err := s.writeExperimentMeta(dir, exp); err != nil {
		return err
	}
	if err := s.restoreRunsIn(dir); err != nil {
		return err
	}

	dest := s.expDir(id, tracking.LifecycleActive)
	if err := os.Rename(dir, dest); err != nil {
		return fmt.Errorf("filestore: restore experiment from trash: %w", err)
	}
	s.log.Info().Str(xglog.FieldExperimentID, id).Msg("experiment restored")
	return nil
}

func (s *Store) markRunsDeleted(expDir string, now int64) error {
	return s.eachRunMeta(expDir, func(path string, info *tracking.RunInfo) error {
		if info.LifecycleStage == tracking.LifecycleDeleted {
			return nil
		}
		info.LifecycleStage = tracking.LifecycleDeleted
		info.DeletedTime = now
		return writeYAML(path, info)
	})
}

func (s *Store) restoreRunsIn(expDir string) error {
	return s.eachRunMeta(expDir, func(path string, info *tracking.RunInfo) error {
		if info.LifecycleStage == tracking.LifecycleActive {
			return nil
		}
		info.LifecycleStage = tracking.LifecycleActive
		info.DeletedTime = 0
		return writeYAML(path, info)
	})
}

func (s *Store) eachRunMeta(expDir string, fn func(path string, info *tracking.RunInfo) error) error {
	entries, err := os.ReadDir(expDir)
	if err != nil {
		return fmt.Errorf("filestore: list runs in %s: %w", expDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() || !runDirPattern.MatchString(e.Name()) {
			continue
		}
		path := filepath.Join(expDir, e.Name(), metaFile)
		var info tracking.RunInfo
		if err := readYAML(path, &info); err != nil {
			s.log.Warn().Err(err).Str(xglog.FieldRunID, e.Name()).Msg("skipping malformed run directory")
			continue
		}
		if err := fn(path, &info); err != nil {
			return err
		}
	}
	return nil
}

// SetExperimentTag sets a tag on an active experiment.
func (s *Store) SetExperimentTag(ctx context.Context, id string, tag tracking.ExperimentTag) error {
	if err := tracking.ValidateTag(tag.Key, tag.Value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, stage, err := s.findExperimentDir(id)
	if err != nil {
		return err
	}
	if stage != tracking.LifecycleActive {
		return tracking.NewError(tracking.CodeInvalidState, "cannot tag deleted experiment %q", id)
	}
	return writeKVFile(filepath.Join(dir, tagsDir), tag.Key, tag.Value)
}

// DeleteExperimentTag removes a tag from an active experiment.
func (s *Store) DeleteExperimentTag(ctx context.Context, id, key string) error {
	if err := tracking.ValidateKey(key, "tag"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, stage, err := s.findExperimentDir(id)
	if err != nil {
		return err
	}
	if stage != tracking.LifecycleActive {
		return tracking.NewError(tracking.CodeInvalidState, "cannot untag deleted experiment %q", id)
	}
	path := filepath.Join(dir, tagsDir, filepath.FromSlash(key))
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return tracking.NewError(tracking.CodeResourceDoesNotExist, "tag %q not found on experiment %q", key, id)
		}
		return fmt.Errorf("filestore: delete experiment tag: %w", err)
	}
	return nil
}

// HardDeleteExperiment permanently removes a trashed experiment.
func (s *Store) HardDeleteExperiment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.expDir(id, tracking.LifecycleDeleted)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return tracking.NewError(tracking.CodeResourceDoesNotExist, "deleted experiment %q not found", id)
		}
		return fmt.Errorf("filestore: stat trashed experiment: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("filestore: hard-delete experiment: %w", err)
	}
	s.log.Info().Str(xglog.FieldExperimentID, id).Msg("experiment hard-deleted")
	return nil
}

// yaml helpers

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("filestore: create dir for %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	return nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("filestore: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("filestore: parse %s: %w", path, err)
	}
	return nil
}

// kv-file helpers: one file per key, content is the value. Keys may contain
// slashes, which map to subdirectories.

type kvEntry struct {
	key   string
	value string
}

func writeKVFile(dir, key, value string) error {
	path := filepath.Join(dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("filestore: create dir for key %q: %w", key, err)
	}
	if err := renameio.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("filestore: write key %q: %w", key, err)
	}
	return nil
}

func readKVDir(dir string) ([]kvEntry, error) {
	var out []kvEntry
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, kvEntry{key: filepath.ToSlash(rel), value: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filestore: read kv dir %s: %w", dir, err)
	}
	return out, nil
}
