// SPDX-License-Identifier: MIT

// Package artifacts stores and serves run artifact files. Paths are always
// interpreted relative to a run's artifact root and are hardened against
// traversal out of it.
package artifacts

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/mlfoundry/trackd/internal/tracking"
)

// FileInfo describes one entry of an artifact listing.
type FileInfo struct {
	// Path is relative to the artifact root, slash-separated.
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"file_size,omitempty"`
}

// Store reads and writes artifacts under per-run roots.
type Store interface {
	// Put writes one artifact, creating parent directories as needed.
	Put(ctx context.Context, root, artifactPath string, r io.Reader) error
	// Get opens one artifact for reading and reports its size.
	Get(ctx context.Context, root, artifactPath string) (io.ReadCloser, int64, error)
	// List returns every entry under a directory, recursively, with file
	// sizes. An empty path lists the whole root.
	List(ctx context.Context, root, artifactPath string) ([]FileInfo, error)
	// Delete removes one artifact file or directory subtree.
	Delete(ctx context.Context, root, artifactPath string) error
}

// CleanPath normalises and validates an artifact path: relative,
// slash-separated, no traversal, no NUL bytes. An empty path refers to the
// root and is allowed where noted.
func CleanPath(artifactPath string) (string, error) {
	if strings.ContainsRune(artifactPath, 0) {
		return "", tracking.NewError(tracking.CodeInvalidParameterValue, "artifact path contains a NUL byte")
	}
	p := strings.ReplaceAll(artifactPath, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", tracking.NewError(tracking.CodeInvalidParameterValue, "artifact path %q must be relative", artifactPath)
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", tracking.NewError(tracking.CodeInvalidParameterValue,
			"artifact path %q escapes the artifact root", artifactPath)
	}
	return cleaned, nil
}
