// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !windows

package fsutil

import (
	"errors"
	"os"
	"syscall"
)

func sameFilesystem(path1, path2 string) (bool, error) {
	dev1, err := deviceID(path1)
	if err != nil {
		return false, err
	}
	dev2, err := deviceID(path2)
	if err != nil {
		return false, err
	}
	return dev1 == dev2, nil
}

func deviceID(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, errors.New("file info does not carry syscall.Stat_t")
	}
	return uint64(sys.Dev), nil //nolint:gosec // sys.Dev is always non-negative
}
