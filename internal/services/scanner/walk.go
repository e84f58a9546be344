// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// videoExtensions defines the file extensions the scanner manages.
// Everything else under a library root is ignored.
var videoExtensions = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".avi": {}, ".mov": {},
	".m4v": {}, ".wmv": {}, ".flv": {}, ".ts": {},
}

// scannedFile is one managed file found under a library root.
type scannedFile struct {
	RelPath string // Library-relative path, filepath separators
	AbsPath string // Absolute path on disk
	Size    int64
	ModTime time.Time
}

// walkLibrary walks a library root and returns every managed video file.
// Hidden entries are skipped, which also keeps the walk out of the trash
// namespace at the root. Symlinks are never followed. Permission errors on
// individual entries are tolerated so a single unreadable directory does not
// fail the whole scan.
func walkLibrary(ctx context.Context, root string) ([]scannedFile, error) {
	root = filepath.Clean(root)

	var files []scannedFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsPermission(walkErr) {
				return nil
			}
			return fmt.Errorf("walk entry %s: %w", path, walkErr)
		}

		if ctx.Err() != nil {
			return fmt.Errorf("walk canceled: %w", ctx.Err())
		}

		if path == root {
			return nil
		}

		if shouldSkipEntry(d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !isVideoFile(d.Name()) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // skip files we can't stat
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", path, err)
		}

		files = append(files, scannedFile{
			RelPath: relPath,
			AbsPath: path,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// shouldSkipEntry checks if an entry should be skipped entirely.
func shouldSkipEntry(d fs.DirEntry) bool {
	// Skip hidden files/directories
	if strings.HasPrefix(d.Name(), ".") {
		return true
	}
	// Skip symlinks
	if d.Type()&fs.ModeSymlink != 0 {
		return true
	}
	return false
}

// isVideoFile checks if a filename has a managed video extension.
func isVideoFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	_, ok := videoExtensions[ext]
	return ok
}
