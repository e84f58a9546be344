// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scanner

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// sampleBytes is how much of the head and tail of a file the hash
// fingerprint covers. Media files differ in their container headers and
// trailing indexes long before they differ in the middle, so sampling
// keeps hashing cheap on multi-gigabyte files.
const sampleBytes = 64 << 10

// hashFile computes the content hash fingerprint of a file: an xxhash over
// the first and last sampleBytes plus the file length. Files small enough
// to fit in two samples are hashed in full.
func hashFile(path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	if size <= 2*sampleBytes {
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("hash %s: %w", path, err)
		}
	} else {
		if _, err := io.CopyN(h, f, sampleBytes); err != nil {
			return "", fmt.Errorf("hash head of %s: %w", path, err)
		}
		if _, err := f.Seek(size-sampleBytes, io.SeekStart); err != nil {
			return "", fmt.Errorf("seek tail of %s: %w", path, err)
		}
		if _, err := io.CopyN(h, f, sampleBytes); err != nil {
			return "", fmt.Errorf("hash tail of %s: %w", path, err)
		}
	}

	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(size))
	_, _ = h.Write(length[:])

	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// fastKey builds the rename-matching key for fast fingerprint mode.
// Modification times are compared at second precision so values that round
// tripped through the database still match the filesystem.
func fastKey(size int64, modTime time.Time) string {
	return strconv.FormatInt(size, 10) + ":" + strconv.FormatInt(modTime.Unix(), 10)
}
