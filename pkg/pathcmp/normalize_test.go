// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pathcmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/data/movies/", "/data/movies"},
		{"/data//movies/./film.mkv", "/data/movies/film.mkv"},
		{`C:\Downloads\Film`, "C:/Downloads/Film"},
		{`C:\`, "C:/"},
		{"C:", "C:"},
		{"c:/downloads/../media", "c:/media"},
		{"/", "/"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePath(tt.in), "input %q", tt.in)
	}
}

func TestIsWindowsDriveAbs(t *testing.T) {
	t.Parallel()

	assert.True(t, IsWindowsDriveAbs("C:/Downloads"))
	assert.True(t, IsWindowsDriveAbs("d:/media"))
	assert.False(t, IsWindowsDriveAbs("C:Downloads"))
	assert.False(t, IsWindowsDriveAbs("/data/movies"))
	assert.False(t, IsWindowsDriveAbs("C:"))
}

func TestNormalizePathFold(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "c:/downloads/film", NormalizePathFold(`C:\Downloads\Film\`))
}
