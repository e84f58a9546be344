// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package testdb hands tests fresh migrated databases without paying the
// migration cost in every test. A template database is migrated once per
// process and cloned file-by-file into each test's temp dir.
package testdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/autobrr/warden/internal/database"
)

var (
	templateOnce sync.Once
	templatePath string
	templateErr  error
)

// Open returns a migrated database rooted in the test's temp dir. The
// handle is closed automatically when the test finishes.
func Open(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(Path(t, "warden.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close test database: %v", err)
		}
	})

	return db
}

// Path returns a fresh database file path for a test by cloning the migrated
// template database.
func Path(t *testing.T, filename string) string {
	t.Helper()

	templateOnce.Do(func() {
		templatePath, templateErr = createTemplate()
	})
	if templateErr != nil {
		t.Fatalf("prepare test database template: %v", templateErr)
	}

	dbPath := filepath.Join(t.TempDir(), filename)
	if err := cloneDatabase(templatePath, dbPath); err != nil {
		t.Fatalf("clone test database template to %s: %v", dbPath, err)
	}

	return dbPath
}

func createTemplate() (string, error) {
	dir, err := os.MkdirTemp("", "warden-testdb-")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, "template.db")
	db, err := database.New(path)
	if err != nil {
		return "", fmt.Errorf("migrate template: %w", err)
	}
	if err := db.Close(); err != nil {
		return "", fmt.Errorf("close template: %w", err)
	}

	return path, nil
}

// cloneDatabase copies the main database file plus any WAL sidecars left
// behind by the template migration.
func cloneDatabase(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		return err
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(src + suffix); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := copyFile(src+suffix, dst+suffix); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
