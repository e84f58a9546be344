// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scanner

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkLibrary_SkipsHiddenAndNonVideo(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	write := func(rel string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}

	write("Heat (1995)/Heat.1995.mkv")
	write("Heat (1995)/Heat.nfo")
	write("Heat (1995)/.partial.mkv")
	write(".trash/Ronin (1998)/Ronin.mkv")
	write("notes.txt")

	files, err := walkLibrary(t.Context(), root)
	require.NoError(t, err)

	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join("Heat (1995)", "Heat.1995.mkv"), files[0].RelPath)
	assert.Equal(t, filepath.Join(root, "Heat (1995)", "Heat.1995.mkv"), files[0].AbsPath)
	assert.Equal(t, int64(1), files[0].Size)
	assert.False(t, files[0].ModTime.IsZero())
}

func TestWalkLibrary_SkipsSymlinks(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on Windows")
	}

	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "real.mkv"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "real.mkv"), filepath.Join(root, "linked.mkv")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "linked-dir")))

	files, err := walkLibrary(t.Context(), root)
	require.NoError(t, err)
	assert.Empty(t, files, "symlinked files and directories are never followed")
}

func TestWalkLibrary_MissingRoot(t *testing.T) {
	t.Parallel()

	_, err := walkLibrary(t.Context(), filepath.Join(t.TempDir(), "gone"))
	require.Error(t, err)
}

func TestIsVideoFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want bool
	}{
		{"Heat.1995.mkv", true},
		{"Heat.1995.MKV", true},
		{"clip.mp4", true},
		{"broadcast.ts", true},
		{"Heat.1995.nfo", false},
		{"cover.jpg", false},
		{"sample.srt", false},
		{"noext", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isVideoFile(tt.name))
		})
	}
}
