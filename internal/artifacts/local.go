// SPDX-License-Identifier: MIT

package artifacts

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	xglog "github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/tracking"
)

// Local stores artifacts on the local filesystem. Writes go through a
// temp-file rename so readers never observe partial uploads.
type Local struct {
	log zerolog.Logger
}

var _ Store = (*Local)(nil)

// NewLocal returns a local filesystem artifact store.
func NewLocal() *Local {
	return &Local{log: xglog.WithComponent("artifacts")}
}

func (l *Local) resolve(root, artifactPath string) (string, error) {
	cleaned, err := CleanPath(artifactPath)
	if err != nil {
		return "", err
	}
	if cleaned == "" {
		return filepath.Clean(root), nil
	}
	return filepath.Join(root, filepath.FromSlash(cleaned)), nil
}

// Put writes one artifact file.
func (l *Local) Put(ctx context.Context, root, artifactPath string, r io.Reader) error {
	if artifactPath == "" {
		return tracking.NewError(tracking.CodeInvalidParameterValue, "artifact path must not be empty")
	}
	dest, err := l.resolve(root, artifactPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("artifacts: create parent dirs: %w", err)
	}

	tmp, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("artifacts: stage upload: %w", err)
	}
	defer tmp.Cleanup()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("artifacts: write upload: %w", err)
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("artifacts: finalize upload: %w", err)
	}
	l.log.Debug().
		Str(xglog.FieldPath, artifactPath).
		Int64("bytes", n).
		Msg("artifact stored")
	return nil
}

// Get opens one artifact for reading.
func (l *Local) Get(ctx context.Context, root, artifactPath string) (io.ReadCloser, int64, error) {
	if artifactPath == "" {
		return nil, 0, tracking.NewError(tracking.CodeInvalidParameterValue, "artifact path must not be empty")
	}
	dest, err := l.resolve(root, artifactPath)
	if err != nil {
		return nil, 0, err
	}
	fi, err := os.Stat(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, tracking.NewError(tracking.CodeResourceDoesNotExist, "artifact %q not found", artifactPath)
		}
		return nil, 0, fmt.Errorf("artifacts: stat: %w", err)
	}
	if fi.IsDir() {
		return nil, 0, tracking.NewError(tracking.CodeInvalidParameterValue, "artifact %q is a directory", artifactPath)
	}
	f, err := os.Open(dest)
	if err != nil {
		return nil, 0, fmt.Errorf("artifacts: open: %w", err)
	}
	return f, fi.Size(), nil
}

// List walks the subtree below a directory and returns every entry with file
// sizes, directories first, each group sorted by path.
func (l *Local) List(ctx context.Context, root, artifactPath string) ([]FileInfo, error) {
	dest, err := l.resolve(root, artifactPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dest); err != nil {
		if os.IsNotExist(err) {
			// A missing root means no artifacts were ever written.
			return nil, nil
		}
		return nil, fmt.Errorf("artifacts: list: %w", err)
	}

	cleaned, _ := CleanPath(artifactPath)
	var out []FileInfo
	err = filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dest {
			return nil
		}
		rel, err := filepath.Rel(dest, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if cleaned != "" {
			rel = cleaned + "/" + rel
		}
		info := FileInfo{Path: rel, IsDir: d.IsDir()}
		if !d.IsDir() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			info.Size = fi.Size()
		}
		out = append(out, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: list: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// Delete removes one artifact file or directory subtree.
func (l *Local) Delete(ctx context.Context, root, artifactPath string) error {
	if artifactPath == "" {
		return tracking.NewError(tracking.CodeInvalidParameterValue, "artifact path must not be empty")
	}
	dest, err := l.resolve(root, artifactPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err != nil {
		if os.IsNotExist(err) {
			return tracking.NewError(tracking.CodeResourceDoesNotExist, "artifact %q not found", artifactPath)
		}
		return fmt.Errorf("artifacts: stat: %w", err)
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("artifacts: delete: %w", err)
	}
	return nil
}
