// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autobrr/warden/internal/database"
	"github.com/autobrr/warden/internal/models"
)

var testEncryptionKey = []byte("01234567890123456789012345678901")

func createTestLibrary(t *testing.T, db *database.DB, name string) *models.Library {
	t.Helper()

	store, err := models.NewLibraryStore(db, testEncryptionKey)
	require.NoError(t, err)

	lib, err := store.Create(t.Context(), &models.Library{
		Name:               name,
		RootPath:           "/data/" + name,
		TrashRetentionDays: 7,
		MissingGraceHours:  24,
	})
	require.NoError(t, err)

	return lib
}
