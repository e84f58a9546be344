// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build windows

package hardlink

import (
	"fmt"
	"os"
	"syscall"
)

// fileReadAttributes is the access right needed for
// GetFileInformationByHandle to work on all filesystem types.
const fileReadAttributes = 0x0080

// FileID identifies a physical file on disk. On Windows this is the
// (VolumeSerialNumber, FileIndexHigh, FileIndexLow) tuple. The type is
// comparable and usable as a map key.
type FileID struct {
	VolumeSerialNumber uint32
	FileIndexHigh      uint32
	FileIndexLow       uint32
}

// IsZero reports whether the FileID is uninitialized.
func (f FileID) IsZero() bool {
	return f.VolumeSerialNumber == 0 && f.FileIndexHigh == 0 && f.FileIndexLow == 0
}

// String renders the FileID for logs and index keys.
func (f FileID) String() string {
	return fmt.Sprintf("%x:%x:%x", f.VolumeSerialNumber, f.FileIndexHigh, f.FileIndexLow)
}

// LinkInfo returns the physical identity and hardlink count for a file.
// A count above one means other paths share the same content.
func LinkInfo(fi os.FileInfo, path string) (FileID, uint64, error) {
	pathp, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return FileID{}, 0, err
	}

	attrs := uint32(syscall.FILE_FLAG_BACKUP_SEMANTICS)
	if fi.Mode()&os.ModeSymlink != 0 {
		attrs |= syscall.FILE_FLAG_OPEN_REPARSE_POINT
	}

	// Full sharing mode so files opened by other processes still resolve.
	shareMode := uint32(syscall.FILE_SHARE_READ | syscall.FILE_SHARE_WRITE | syscall.FILE_SHARE_DELETE)
	h, err := syscall.CreateFile(pathp, fileReadAttributes, shareMode, nil, syscall.OPEN_EXISTING, attrs, 0)
	if err != nil {
		return FileID{}, 0, err
	}
	defer syscall.CloseHandle(h)

	var info syscall.ByHandleFileInformation
	if err := syscall.GetFileInformationByHandle(h, &info); err != nil {
		return FileID{}, 0, err
	}

	return FileID{
		VolumeSerialNumber: info.VolumeSerialNumber,
		FileIndexHigh:      info.FileIndexHigh,
		FileIndexLow:       info.FileIndexLow,
	}, uint64(info.NumberOfLinks), nil
}
