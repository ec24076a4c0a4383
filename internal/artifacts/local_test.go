// SPDX-License-Identifier: MIT

package artifacts

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlfoundry/trackd/internal/tracking"
)

func TestCleanPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"model/weights.bin", "model/weights.bin", true},
		{"a/./b", "a/b", true},
		{"", "", true},
		{".", "", true},
		{"../escape", "", false},
		{"a/../../b", "", false},
		{"/absolute", "", false},
		{"win\\..\\..\\x", "", false},
		{"nested/../ok.txt", "ok.txt", true},
	}
	for _, tc := range cases {
		got, err := CleanPath(tc.in)
		if tc.ok {
			require.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, got, tc.in)
		} else {
			assert.Error(t, err, tc.in)
		}
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	l := NewLocal()
	root := t.TempDir()
	ctx := t.Context()

	require.NoError(t, l.Put(ctx, root, "model/weights.bin", strings.NewReader("abc123")))

	rc, size, err := l.Get(ctx, root, "model/weights.bin")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(6), size)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "abc123", string(data))

	// Overwrite replaces content atomically.
	require.NoError(t, l.Put(ctx, root, "model/weights.bin", strings.NewReader("xy")))
	rc, size, err = l.Get(ctx, root, "model/weights.bin")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(2), size)
}

func TestGetMissing(t *testing.T) {
	l := NewLocal()
	_, _, err := l.Get(t.Context(), t.TempDir(), "nope.txt")
	assert.Equal(t, tracking.CodeResourceDoesNotExist, tracking.CodeOf(err))
}

func TestTraversalRejected(t *testing.T) {
	l := NewLocal()
	root := t.TempDir()
	ctx := t.Context()

	err := l.Put(ctx, root, "../outside.txt", strings.NewReader("x"))
	assert.Equal(t, tracking.CodeInvalidParameterValue, tracking.CodeOf(err))
	_, _, err = l.Get(ctx, root, "../../etc/passwd")
	assert.Equal(t, tracking.CodeInvalidParameterValue, tracking.CodeOf(err))
	err = l.Delete(ctx, root, "..")
	assert.Equal(t, tracking.CodeInvalidParameterValue, tracking.CodeOf(err))
}

func TestListRecursiveWithSizes(t *testing.T) {
	l := NewLocal()
	root := t.TempDir()
	ctx := t.Context()

	require.NoError(t, l.Put(ctx, root, "b.txt", strings.NewReader("1")))
	require.NoError(t, l.Put(ctx, root, "a/nested.txt", strings.NewReader("22")))
	require.NoError(t, l.Put(ctx, root, "a/deep/leaf.bin", strings.NewReader("333")))

	entries, err := l.List(ctx, root, "")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	// Directories first, then files, each sorted by path.
	assert.Equal(t, FileInfo{Path: "a", IsDir: true}, entries[0])
	assert.Equal(t, FileInfo{Path: "a/deep", IsDir: true}, entries[1])
	assert.Equal(t, FileInfo{Path: "a/deep/leaf.bin", IsDir: false, Size: 3}, entries[2])
	assert.Equal(t, FileInfo{Path: "a/nested.txt", IsDir: false, Size: 2}, entries[3])
	assert.Equal(t, FileInfo{Path: "b.txt", IsDir: false, Size: 1}, entries[4])

	// Listing a subdirectory keeps paths relative to the artifact root.
	nested, err := l.List(ctx, root, "a")
	require.NoError(t, err)
	require.Len(t, nested, 3)
	assert.Equal(t, "a/deep", nested[0].Path)
	assert.Equal(t, "a/deep/leaf.bin", nested[1].Path)
	assert.Equal(t, "a/nested.txt", nested[2].Path)

	empty, err := l.List(ctx, root, "missing-dir")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDelete(t *testing.T) {
	l := NewLocal()
	root := t.TempDir()
	ctx := t.Context()

	require.NoError(t, l.Put(ctx, root, "dir/f.txt", strings.NewReader("x")))
	require.NoError(t, l.Delete(ctx, root, "dir"))

	err := l.Delete(ctx, root, "dir")
	assert.Equal(t, tracking.CodeResourceDoesNotExist, tracking.CodeOf(err))
}
