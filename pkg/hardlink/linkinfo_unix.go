// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !windows

// Package hardlink reports physical file identity and link counts. Trash
// previews use the link count to warn when moving a path will not reclaim
// space because other directory entries still reference the same inode.
package hardlink

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// FileID identifies a physical file on disk. On Unix this is the
// (device, inode) pair. The type is comparable and usable as a map key.
type FileID struct {
	Dev uint64
	Ino uint64
}

// IsZero reports whether the FileID is uninitialized.
func (f FileID) IsZero() bool {
	return f.Dev == 0 && f.Ino == 0
}

// String renders the FileID for logs and index keys.
func (f FileID) String() string {
	return fmt.Sprintf("%x:%x", f.Dev, f.Ino)
}

// LinkInfo returns the physical identity and hardlink count for a file.
// A count above one means other paths share the same content.
func LinkInfo(fi os.FileInfo, _ string) (FileID, uint64, error) {
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return FileID{}, 0, errors.New("file info does not carry syscall.Stat_t")
	}
	return FileID{Dev: uint64(sys.Dev), Ino: sys.Ino}, uint64(sys.Nlink), nil //nolint:gosec // sys.Dev is always non-negative
}
