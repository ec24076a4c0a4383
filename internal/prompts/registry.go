// SPDX-License-Identifier: MIT

package prompts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	xglog "github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/search"
	"github.com/mlfoundry/trackd/internal/tracking"
)

const schema = `
CREATE TABLE IF NOT EXISTS prompts (
	name             TEXT PRIMARY KEY,
	description      TEXT NOT NULL DEFAULT '',
	creation_time    INTEGER NOT NULL,
	last_update_time INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS prompt_tags (
	name  TEXT NOT NULL,
	key   TEXT NOT NULL,
	value TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (name, key)
);
CREATE TABLE IF NOT EXISTS prompt_versions (
	name           TEXT NOT NULL REFERENCES prompts(name),
	version        INTEGER NOT NULL,
	template       TEXT NOT NULL,
	commit_message TEXT NOT NULL DEFAULT '',
	creation_time  INTEGER NOT NULL,
	PRIMARY KEY (name, version)
);
CREATE TABLE IF NOT EXISTS prompt_version_tags (
	name    TEXT NOT NULL,
	version INTEGER NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (name, version, key)
);
CREATE TABLE IF NOT EXISTS prompt_aliases (
	name    TEXT NOT NULL,
	alias   TEXT NOT NULL,
	version INTEGER NOT NULL,
	PRIMARY KEY (name, alias)
);
`

// Registry is the SQLite-backed prompt registry.
type Registry struct {
	db  *sql.DB
	log zerolog.Logger
	now func() int64
}

// Open opens (or creates) the registry database at path.
func Open(path string) (*Registry, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("prompts: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("prompts: apply schema: %w", err)
	}
	logger := xglog.WithComponent("prompts")
	logger.Info().Str(xglog.FieldPath, path).Msg("prompt registry opened")
	return &Registry{
		db:  db,
		log: logger,
		now: func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// Ping verifies database connectivity.
func (r *Registry) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// CreatePrompt registers a new prompt name with no versions yet.
func (r *Registry) CreatePrompt(ctx context.Context, name, description string, tags map[string]string) (*Prompt, error) {
	if err := ValidateName(name, "prompt"); err != nil {
		return nil, err
	}
	for k, v := range tags {
		if err := tracking.ValidateTag(k, v); err != nil {
			return nil, err
		}
	}
	now := r.now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("prompts: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO prompts
		(name, description, creation_time, last_update_time) VALUES (?, ?, ?, ?)`,
		name, description, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, tracking.NewError(tracking.CodeResourceAlreadyExists, "prompt %q already exists", name)
		}
		return nil, fmt.Errorf("prompts: insert prompt: %w", err)
	}
	for k, v := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO prompt_tags
			(name, key, value) VALUES (?, ?, ?)`, name, k, v); err != nil {
			return nil, fmt.Errorf("prompts: insert prompt tag: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("prompts: commit: %w", err)
	}
	r.log.Info().Str(xglog.FieldPromptName, name).Msg("prompt created")
	return &Prompt{Name: name, Description: description, CreationTime: now, LastUpdateTime: now, Tags: tags}, nil
}

// GetPrompt returns a prompt with its latest version number.
func (r *Registry) GetPrompt(ctx context.Context, name string) (*Prompt, error) {
	if err := ValidateName(name, "prompt"); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, `SELECT p.name, p.description, p.creation_time, p.last_update_time,
		COALESCE((SELECT MAX(version) FROM prompt_versions v WHERE v.name = p.name), 0)
		FROM prompts p WHERE p.name = ?`, name)
	var p Prompt
	err := row.Scan(&p.Name, &p.Description, &p.CreationTime, &p.LastUpdateTime, &p.LatestVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracking.NewError(tracking.CodeResourceDoesNotExist, "prompt %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("prompts: scan prompt: %w", err)
	}
	p.Tags, err = r.promptTags(ctx, name)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Registry) promptTags(ctx context.Context, name string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM prompt_tags WHERE name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("prompts: query prompt tags: %w", err)
	}
	defer rows.Close()
	var tags map[string]string
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("prompts: scan prompt tag: %w", err)
		}
		if tags == nil {
			tags = make(map[string]string)
		}
		tags[k] = v
	}
	return tags, rows.Err()
}

// SetPromptTag sets one tag on a prompt, overwriting any previous value.
func (r *Registry) SetPromptTag(ctx context.Context, name, key, value string) error {
	if err := ValidateName(name, "prompt"); err != nil {
		return err
	}
	if err := tracking.ValidateTag(key, value); err != nil {
		return err
	}
	if _, err := r.GetPrompt(ctx, name); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `INSERT OR REPLACE INTO prompt_tags
		(name, key, value) VALUES (?, ?, ?)`, name, key, value); err != nil {
		return fmt.Errorf("prompts: set prompt tag: %w", err)
	}
	return nil
}

// DeletePromptTag removes one tag from a prompt.
func (r *Registry) DeletePromptTag(ctx context.Context, name, key string) error {
	if err := ValidateName(name, "prompt"); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM prompt_tags WHERE name = ? AND key = ?`, name, key)
	if err != nil {
		return fmt.Errorf("prompts: delete prompt tag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tracking.NewError(tracking.CodeResourceDoesNotExist,
			"tag %q not found on prompt %q", key, name)
	}
	return nil
}

// SearchPrompts lists prompts whose name contains the filter substring.
func (r *Registry) SearchPrompts(ctx context.Context, nameContains string, maxResults int, pageToken string) ([]*Prompt, string, error) {
	normalized, err := search.NormalizeMaxResults(maxResults)
	if err != nil {
		return nil, "", err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT p.name, p.description, p.creation_time, p.last_update_time,
		COALESCE((SELECT MAX(version) FROM prompt_versions v WHERE v.name = p.name), 0)
		FROM prompts p WHERE instr(p.name, ?) > 0 OR ? = '' ORDER BY p.name`,
		nameContains, nameContains)
	if err != nil {
		return nil, "", fmt.Errorf("prompts: query prompts: %w", err)
	}
	defer rows.Close()
	var all []*Prompt
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.Name, &p.Description, &p.CreationTime, &p.LastUpdateTime, &p.LatestVersion); err != nil {
			return nil, "", fmt.Errorf("prompts: scan prompt: %w", err)
		}
		all = append(all, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("prompts: iterate prompts: %w", err)
	}
	page, next, err := search.Paginate(all, pageToken, normalized)
	if err != nil {
		return nil, "", err
	}
	return page, next, nil
}

// DeletePrompt removes a prompt together with its tags and aliases. A prompt
// that still has versions cannot be deleted; versions must go first.
func (r *Registry) DeletePrompt(ctx context.Context, name string) error {
	if err := ValidateName(name, "prompt"); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("prompts: begin tx: %w", err)
	}
	defer tx.Rollback()

	var versions int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prompt_versions WHERE name = ?`, name).Scan(&versions); err != nil {
		return fmt.Errorf("prompts: count versions: %w", err)
	}
	if versions > 0 {
		return tracking.NewError(tracking.CodeInvalidState,
			"prompt %q still has %d versions; delete them first", name, versions)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM prompts WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("prompts: delete prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tracking.NewError(tracking.CodeResourceDoesNotExist, "prompt %q not found", name)
	}
	for _, table := range []string{"prompt_tags", "prompt_version_tags", "prompt_aliases"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE name = ?`, name); err != nil {
			return fmt.Errorf("prompts: delete %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("prompts: commit: %w", err)
	}
	r.log.Info().Str(xglog.FieldPromptName, name).Msg("prompt deleted")
	return nil
}

// CreateVersion registers the next version of a prompt. Template variables
// are extracted at write time and stored with the version.
func (r *Registry) CreateVersion(ctx context.Context, name, template, commitMessage string, tags map[string]string) (*Version, error) {
	if err := ValidateName(name, "prompt"); err != nil {
		return nil, err
	}
	if template == "" {
		return nil, tracking.NewError(tracking.CodeInvalidParameterValue, "template must not be empty")
	}
	if len(template) > MaxTemplateLength {
		return nil, tracking.NewError(tracking.CodeInvalidParameterValue,
			"template exceeds %d characters", MaxTemplateLength)
	}
	for k, v := range tags {
		if err := tracking.ValidateTag(k, v); err != nil {
			return nil, err
		}
	}
	if _, err := r.GetPrompt(ctx, name); err != nil {
		return nil, err
	}

	now := r.now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("prompts: begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM prompt_versions WHERE name = ?`, name).Scan(&version); err != nil {
		return nil, fmt.Errorf("prompts: next version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO prompt_versions
		(name, version, template, commit_message, creation_time) VALUES (?, ?, ?, ?, ?)`,
		name, version, template, commitMessage, now); err != nil {
		return nil, fmt.Errorf("prompts: insert version: %w", err)
	}
	for k, v := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO prompt_version_tags
			(name, version, key, value) VALUES (?, ?, ?, ?)`, name, version, k, v); err != nil {
			return nil, fmt.Errorf("prompts: insert version tag: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE prompts SET last_update_time = ? WHERE name = ?`, now, name); err != nil {
		return nil, fmt.Errorf("prompts: touch prompt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("prompts: commit: %w", err)
	}

	r.log.Info().Str(xglog.FieldPromptName, name).Int("version", version).Msg("prompt version created")
	return &Version{
		Name:          name,
		Version:       version,
		Template:      template,
		CommitMessage: commitMessage,
		Variables:     ExtractVariables(template),
		CreationTime:  now,
		Tags:          tags,
	}, nil
}

// GetVersion resolves a version reference: a number ("3"), an alias
// ("@production"), or "latest".
func (r *Registry) GetVersion(ctx context.Context, name, ref string) (*Version, error) {
	if err := ValidateName(name, "prompt"); err != nil {
		return nil, err
	}
	version, err := r.resolveRef(ctx, name, ref)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRowContext(ctx, `SELECT name, version, template, commit_message, creation_time
		FROM prompt_versions WHERE name = ? AND version = ?`, name, version)
	var v Version
	err = row.Scan(&v.Name, &v.Version, &v.Template, &v.CommitMessage, &v.CreationTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracking.NewError(tracking.CodeResourceDoesNotExist,
			"version %d of prompt %q not found", version, name)
	}
	if err != nil {
		return nil, fmt.Errorf("prompts: scan version: %w", err)
	}
	v.Variables = ExtractVariables(v.Template)

	v.Tags, err = r.versionTags(ctx, name, version)
	if err != nil {
		return nil, err
	}
	v.Aliases, err = r.versionAliases(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *Registry) resolveRef(ctx context.Context, name, ref string) (int, error) {
	switch {
	case ref == "" || ref == "latest":
		p, err := r.GetPrompt(ctx, name)
		if err != nil {
			return 0, err
		}
		if p.LatestVersion == 0 {
			return 0, tracking.NewError(tracking.CodeResourceDoesNotExist, "prompt %q has no versions", name)
		}
		return p.LatestVersion, nil
	case strings.HasPrefix(ref, "@"):
		alias := strings.TrimPrefix(ref, "@")
		var version int
		err := r.db.QueryRowContext(ctx,
			`SELECT version FROM prompt_aliases WHERE name = ? AND alias = ?`, name, alias).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, tracking.NewError(tracking.CodeResourceDoesNotExist,
				"alias %q not found on prompt %q", alias, name)
		}
		if err != nil {
			return 0, fmt.Errorf("prompts: resolve alias: %w", err)
		}
		return version, nil
	default:
		version, err := strconv.Atoi(ref)
		if err != nil || version <= 0 {
			return 0, tracking.NewError(tracking.CodeInvalidParameterValue,
				"version reference %q must be a positive number, @alias or \"latest\"", ref)
		}
		return version, nil
	}
}

func (r *Registry) versionTags(ctx context.Context, name string, version int) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value FROM prompt_version_tags WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return nil, fmt.Errorf("prompts: query version tags: %w", err)
	}
	defer rows.Close()
	var tags map[string]string
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("prompts: scan version tag: %w", err)
		}
		if tags == nil {
			tags = make(map[string]string)
		}
		tags[k] = v
	}
	return tags, rows.Err()
}

// SetVersionTag sets one tag on an existing version, overwriting any previous
// value.
func (r *Registry) SetVersionTag(ctx context.Context, name string, version int, key, value string) error {
	if err := ValidateName(name, "prompt"); err != nil {
		return err
	}
	if err := tracking.ValidateTag(key, value); err != nil {
		return err
	}
	if err := r.requireVersion(ctx, name, version); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `INSERT OR REPLACE INTO prompt_version_tags
		(name, version, key, value) VALUES (?, ?, ?, ?)`, name, version, key, value); err != nil {
		return fmt.Errorf("prompts: set version tag: %w", err)
	}
	return nil
}

// DeleteVersionTag removes one tag from a version.
func (r *Registry) DeleteVersionTag(ctx context.Context, name string, version int, key string) error {
	if err := ValidateName(name, "prompt"); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM prompt_version_tags WHERE name = ? AND version = ? AND key = ?`, name, version, key)
	if err != nil {
		return fmt.Errorf("prompts: delete version tag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tracking.NewError(tracking.CodeResourceDoesNotExist,
			"tag %q not found on version %d of prompt %q", key, version, name)
	}
	return nil
}

func (r *Registry) requireVersion(ctx context.Context, name string, version int) error {
	var exists int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM prompt_versions WHERE name = ? AND version = ?`, name, version).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return tracking.NewError(tracking.CodeResourceDoesNotExist,
			"version %d of prompt %q not found", version, name)
	}
	if err != nil {
		return fmt.Errorf("prompts: check version: %w", err)
	}
	return nil
}

func (r *Registry) versionAliases(ctx context.Context, name string, version int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT alias FROM prompt_aliases WHERE name = ? AND version = ? ORDER BY alias`, name, version)
	if err != nil {
		return nil, fmt.Errorf("prompts: query aliases: %w", err)
	}
	defer rows.Close()
	var aliases []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("prompts: scan alias: %w", err)
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// ListVersions returns all versions of a prompt, newest first, without tags
// or aliases.
func (r *Registry) ListVersions(ctx context.Context, name string) ([]*Version, error) {
	if _, err := r.GetPrompt(ctx, name); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT name, version, template, commit_message, creation_time
		FROM prompt_versions WHERE name = ? ORDER BY version DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("prompts: query versions: %w", err)
	}
	defer rows.Close()
	var out []*Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.Name, &v.Version, &v.Template, &v.CommitMessage, &v.CreationTime); err != nil {
			return nil, fmt.Errorf("prompts: scan version: %w", err)
		}
		v.Variables = ExtractVariables(v.Template)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// DeleteVersion removes one version and any aliases pointing at it.
func (r *Registry) DeleteVersion(ctx context.Context, name string, version int) error {
	if err := ValidateName(name, "prompt"); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("prompts: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM prompt_versions WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return fmt.Errorf("prompts: delete version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tracking.NewError(tracking.CodeResourceDoesNotExist,
			"version %d of prompt %q not found", version, name)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM prompt_version_tags WHERE name = ? AND version = ?`, name, version); err != nil {
		return fmt.Errorf("prompts: delete version tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM prompt_aliases WHERE name = ? AND version = ?`, name, version); err != nil {
		return fmt.Errorf("prompts: delete version aliases: %w", err)
	}
	return tx.Commit()
}

// SetAlias points an alias at a version, creating or moving it.
func (r *Registry) SetAlias(ctx context.Context, name, alias string, version int) error {
	if err := ValidateName(name, "prompt"); err != nil {
		return err
	}
	if err := ValidateName(alias, "alias"); err != nil {
		return err
	}
	if err := r.requireVersion(ctx, name, version); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `INSERT OR REPLACE INTO prompt_aliases
		(name, alias, version) VALUES (?, ?, ?)`, name, alias, version); err != nil {
		return fmt.Errorf("prompts: set alias: %w", err)
	}
	return nil
}

// DeleteAlias removes an alias.
func (r *Registry) DeleteAlias(ctx context.Context, name, alias string) error {
	if err := ValidateName(name, "prompt"); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM prompt_aliases WHERE name = ? AND alias = ?`, name, alias)
	if err != nil {
		return fmt.Errorf("prompts: delete alias: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tracking.NewError(tracking.CodeResourceDoesNotExist,
			"alias %q not found on prompt %q", alias, name)
	}
	return nil
}
