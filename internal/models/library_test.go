// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/warden/internal/domain"
	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/testdb"
)

func TestLibraryStore_CreateEncryptsCredentials(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()

	store, err := models.NewLibraryStore(db, testEncryptionKey)
	require.NoError(t, err)

	lib, err := store.Create(ctx, &models.Library{
		Name:               "movies",
		RootPath:           "/data/movies",
		TrashRetentionDays: 14,
		QbitURL:            "http://localhost:8080",
		QbitUsername:       "admin",
		// plaintext on the way in, encrypted at rest
		QbitPasswordEncrypted: "adminadmin",
		PlexURL:               "http://localhost:32400",
		PlexTokenEncrypted:    "plex-token",
	})
	require.NoError(t, err)

	assert.NotEqual(t, "adminadmin", lib.QbitPasswordEncrypted)
	assert.NotEqual(t, "plex-token", lib.PlexTokenEncrypted)

	password, err := store.GetDecryptedQbitPassword(lib)
	require.NoError(t, err)
	assert.Equal(t, "adminadmin", password)

	token, err := store.GetDecryptedPlexToken(lib)
	require.NoError(t, err)
	assert.Equal(t, "plex-token", token)
}

func TestLibraryStore_CreateValidation(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()

	store, err := models.NewLibraryStore(db, testEncryptionKey)
	require.NoError(t, err)

	tests := []struct {
		name string
		lib  *models.Library
	}{
		{"empty name", &models.Library{RootPath: "/data/x"}},
		{"relative root", &models.Library{Name: "x", RootPath: "data/x"}},
		{"negative retention", &models.Library{Name: "x", RootPath: "/data/x", TrashRetentionDays: -1}},
		{"bad fingerprint mode", &models.Library{Name: "x", RootPath: "/data/x", FingerprintMode: "crc32"}},
		{"bad qbit scheme", &models.Library{Name: "x", RootPath: "/data/x", QbitURL: "ftp://host"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Create(ctx, tt.lib)
			assert.Error(t, err)
		})
	}
}

func TestLibraryStore_CreateDuplicate(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()

	store, err := models.NewLibraryStore(db, testEncryptionKey)
	require.NoError(t, err)

	_, err = store.Create(ctx, &models.Library{Name: "movies", RootPath: "/data/movies"})
	require.NoError(t, err)

	_, err = store.Create(ctx, &models.Library{Name: "movies", RootPath: "/data/other"})
	assert.ErrorIs(t, err, models.ErrLibraryExists)

	_, err = store.Create(ctx, &models.Library{Name: "other", RootPath: "/data/movies"})
	assert.ErrorIs(t, err, models.ErrLibraryExists)
}

func TestLibraryStore_UpdateKeepsStoredSecrets(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()

	store, err := models.NewLibraryStore(db, testEncryptionKey)
	require.NoError(t, err)

	lib, err := store.Create(ctx, &models.Library{
		Name:                  "movies",
		RootPath:              "/data/movies",
		QbitURL:               "http://localhost:8080",
		QbitUsername:          "admin",
		QbitPasswordEncrypted: "secret-one",
	})
	require.NoError(t, err)

	// update without touching the password
	lib.TrashRetentionDays = 30
	lib.QbitPasswordEncrypted = ""
	updated, err := store.Update(ctx, lib)
	require.NoError(t, err)
	assert.Equal(t, 30, updated.TrashRetentionDays)

	password, err := store.GetDecryptedQbitPassword(updated)
	require.NoError(t, err)
	assert.Equal(t, "secret-one", password)

	// replacing the password takes effect
	updated.QbitPasswordEncrypted = "secret-two"
	updated, err = store.Update(ctx, updated)
	require.NoError(t, err)

	password, err = store.GetDecryptedQbitPassword(updated)
	require.NoError(t, err)
	assert.Equal(t, "secret-two", password)

	// clearing the endpoint drops its credentials
	updated.QbitURL = ""
	updated, err = store.Update(ctx, updated)
	require.NoError(t, err)
	assert.Empty(t, updated.QbitUsername)
	assert.Empty(t, updated.QbitPasswordEncrypted)
}

func TestLibrary_MarshalJSONRedactsSecrets(t *testing.T) {
	t.Parallel()

	lib := models.Library{
		ID:                    1,
		Name:                  "movies",
		RootPath:              "/data/movies",
		QbitURL:               "http://localhost:8080",
		QbitPasswordEncrypted: "encrypted-blob",
		PlexURL:               "http://localhost:32400",
		PlexTokenEncrypted:    "encrypted-token",
	}

	data, err := json.Marshal(lib)
	require.NoError(t, err)

	payload := string(data)
	assert.NotContains(t, payload, "encrypted-blob")
	assert.NotContains(t, payload, "encrypted-token")
	assert.True(t, strings.Contains(payload, domain.RedactedStr))
}

func TestLibrary_UnmarshalJSONIgnoresRedactedSecrets(t *testing.T) {
	t.Parallel()

	var lib models.Library
	err := json.Unmarshal([]byte(`{
		"name": "movies",
		"rootPath": "/data/movies",
		"qbitUrl": "http://localhost:8080",
		"qbitPassword": "`+domain.RedactedStr+`",
		"plexUrl": "http://localhost:32400",
		"plexToken": "fresh-token"
	}`), &lib)
	require.NoError(t, err)

	assert.Empty(t, lib.QbitPasswordEncrypted)
	assert.Equal(t, "fresh-token", lib.PlexTokenEncrypted)
}

func TestLibraryStore_SetState(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()

	store, err := models.NewLibraryStore(db, testEncryptionKey)
	require.NoError(t, err)

	lib, err := store.Create(ctx, &models.Library{Name: "movies", RootPath: "/data/movies"})
	require.NoError(t, err)
	assert.Equal(t, models.LibraryStateActive, lib.State)

	require.NoError(t, store.SetState(ctx, lib.ID, models.LibraryStateError, "root path unreachable"))

	got, err := store.Get(ctx, lib.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LibraryStateError, got.State)
	assert.Equal(t, "root path unreachable", got.LastError)

	require.NoError(t, store.SetState(ctx, lib.ID, models.LibraryStateActive, ""))
	got, err = store.Get(ctx, lib.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastError)

	err = store.SetState(ctx, 999, models.LibraryStateError, "nope")
	assert.ErrorIs(t, err, models.ErrLibraryNotFound)
}

func TestLibraryStore_DeleteCascadesItems(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()

	libStore, err := models.NewLibraryStore(db, testEncryptionKey)
	require.NoError(t, err)
	itemStore := models.NewItemStore(db)

	lib, err := libStore.Create(ctx, &models.Library{Name: "movies", RootPath: "/data/movies"})
	require.NoError(t, err)

	item, err := itemStore.Create(ctx, &models.Item{LibraryID: lib.ID, RelPath: "a.mkv"})
	require.NoError(t, err)

	require.NoError(t, libStore.Delete(ctx, lib.ID))

	_, err = libStore.Get(ctx, lib.ID)
	assert.ErrorIs(t, err, models.ErrLibraryNotFound)

	_, err = itemStore.Get(ctx, item.ID)
	assert.ErrorIs(t, err, models.ErrItemNotFound)

	assert.ErrorIs(t, libStore.Delete(ctx, lib.ID), models.ErrLibraryNotFound)
}
