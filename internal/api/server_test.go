// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/warden/internal/config"
	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/services/actions"
	"github.com/autobrr/warden/internal/services/scanner"
	"github.com/autobrr/warden/internal/services/trash"
	"github.com/autobrr/warden/internal/testdb"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	deps    *Dependencies
	root    string
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	db := testdb.Open(t)
	root := t.TempDir()

	libraries, err := models.NewLibraryStore(db, []byte("01234567890123456789012345678901"))
	require.NoError(t, err)
	items := models.NewItemStore(db)
	batches := models.NewActionBatchStore(db)
	audit := models.NewAuditStore(db)
	runs := models.NewScanRunStore(db)

	trashSvc := trash.NewService(items, audit)
	scanSvc := scanner.NewService(libraries, items, runs, trashSvc, nil, nil)
	actionSvc := actions.NewService(libraries, items, batches, audit, trashSvc, nil, nil)

	deps := &Dependencies{
		Config: &config.AppConfig{Config: &config.Config{
			Host:    "127.0.0.1",
			Port:    0,
			BaseURL: "/",
		}},
		DB:           db,
		LibraryStore: libraries,
		ItemStore:    items,
		BatchStore:   batches,
		AuditStore:   audit,
		Scanner:      scanSvc,
		Actions:      actionSvc,
		Trash:        trashSvc,
	}

	server := NewServer(deps)

	return &testEnv{
		server:  server,
		handler: server.Handler(),
		deps:    deps,
		root:    root,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func (e *testEnv) createLibrary(t *testing.T) map[string]any {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/api/libraries", map[string]any{
		"name":               "movies",
		"rootPath":           e.root,
		"trashRetentionDays": 7,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeInto[map[string]any](t, rec)
}

func TestServer_HealthEndpoints(t *testing.T) {
	t.Parallel()

	env := setup(t)

	rec := env.do(t, http.MethodGet, "/health/liveness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/health/readiness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_LibraryCRUD(t *testing.T) {
	t.Parallel()

	env := setup(t)

	created := env.createLibrary(t)
	libID := int(created["id"].(float64))
	require.Positive(t, libID)

	// Duplicate name conflicts.
	rec := env.do(t, http.MethodPost, "/api/libraries", map[string]any{
		"name":     "movies",
		"rootPath": env.root,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/libraries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeInto[[]map[string]any](t, rec)
	assert.Len(t, list, 1)

	rec = env.do(t, http.MethodPut, "/api/libraries/1", map[string]any{
		"name":               "movies",
		"rootPath":           env.root,
		"trashRetentionDays": 14,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeInto[map[string]any](t, rec)
	assert.Equal(t, float64(14), updated["trashRetentionDays"])

	rec = env.do(t, http.MethodGet, "/api/libraries/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/libraries/1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_SecretsNeverEchoed(t *testing.T) {
	t.Parallel()

	env := setup(t)

	rec := env.do(t, http.MethodPost, "/api/libraries", map[string]any{
		"name":         "movies",
		"rootPath":     env.root,
		"qbitUrl":      "http://localhost:8080",
		"qbitUsername": "admin",
		"qbitPassword": "hunter2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestServer_ActionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	env := setup(t)
	env.createLibrary(t)
	ctx := t.Context()

	// Seed one on-disk file and its item row.
	path := filepath.Join(env.root, "Heat (1995)/Heat.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	item, err := env.deps.ItemStore.Create(ctx, &models.Item{
		LibraryID: 1,
		RelPath:   "Heat (1995)/Heat.mkv",
		SizeBytes: 7,
		ModTime:   time.Now().UTC(),
	})
	require.NoError(t, err)

	// Preview
	rec := env.do(t, http.MethodPost, "/api/libraries/1/actions/preview", map[string]any{
		"action":  "trash",
		"itemIds": []int64{item.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	plan := decodeInto[map[string]any](t, rec)
	entries := plan["entries"].([]any)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].(map[string]any)["eligible"].(bool))

	// Confirm
	rec = env.do(t, http.MethodPost, "/api/libraries/1/actions/confirm", map[string]any{
		"action":  "trash",
		"itemIds": []int64{item.ID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	batch := decodeInto[map[string]any](t, rec)
	batchID := int64(batch["id"].(float64))

	// Execute
	rec = env.do(t, http.MethodPost, "/api/batches/1/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeInto[map[string]any](t, rec)
	assert.Equal(t, float64(1), result["staged"])
	assert.Equal(t, float64(0), result["failed"])

	// Executing the same batch again conflicts.
	rec = env.do(t, http.MethodPost, "/api/batches/1/execute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// File now sits in the trash mirror.
	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(env.root, ".trash", "Heat (1995)", "Heat.mkv"))

	// Trash view reports the staged entry with remaining retention.
	rec = env.do(t, http.MethodGet, "/api/libraries/1/trash", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trashEntries := decodeInto[[]map[string]any](t, rec)
	require.Len(t, trashEntries, 1)

	// Restore brings it back.
	rec = env.do(t, http.MethodPost, "/api/items/1/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	restored := decodeInto[map[string]any](t, rec)
	assert.Equal(t, "active", restored["state"])
	assert.FileExists(t, path)

	// Audit trail recorded the whole journey.
	rec = env.do(t, http.MethodGet, "/api/audit?libraryId=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records := decodeInto[[]map[string]any](t, rec)
	actionsSeen := make(map[string]bool)
	for _, record := range records {
		actionsSeen[record["action"].(string)] = true
	}
	assert.True(t, actionsSeen["preview"], "expected preview audit record")
	assert.True(t, actionsSeen["confirm"], "expected confirm audit record")
	assert.True(t, actionsSeen["trash"], "expected trash audit record")
	assert.True(t, actionsSeen["restore"], "expected restore audit record")

	_ = batchID
}

func TestServer_RestoreOccupiedDestinationConflicts(t *testing.T) {
	t.Parallel()

	env := setup(t)
	env.createLibrary(t)
	ctx := t.Context()

	path := filepath.Join(env.root, "Heat (1995)/Heat.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	item, err := env.deps.ItemStore.Create(ctx, &models.Item{
		LibraryID: 1,
		RelPath:   "Heat (1995)/Heat.mkv",
		SizeBytes: 7,
		ModTime:   time.Now().UTC(),
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/libraries/1/actions/confirm", map[string]any{
		"action":  "trash",
		"itemIds": []int64{item.ID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/batches/1/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// An unrelated file now occupies the original path; the restore must
	// refuse as a client-visible conflict, not a server error.
	require.NoError(t, os.WriteFile(path, []byte("new arrival"), 0o644))

	rec = env.do(t, http.MethodPost, "/api/items/1/restore", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "already exists at the destination")

	// The staged copy stays put and the item stays trashed.
	assert.FileExists(t, filepath.Join(env.root, ".trash", "Heat (1995)", "Heat.mkv"))
	got, err := env.deps.ItemStore.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateTrashed, got.State)
}

func TestServer_ItemsListFilters(t *testing.T) {
	t.Parallel()

	env := setup(t)
	env.createLibrary(t)
	ctx := t.Context()

	seed := []struct {
		rel  string
		size int64
	}{
		{"Heat (1995)/Heat.1995.1080p.mkv", 4 << 30},
		{"Ronin (1998)/Ronin.1998.720p.mkv", 2 << 30},
		{"Sneakers (1992)/Sneakers.1992.576p.mkv", 1 << 30},
	}
	for _, s := range seed {
		_, err := env.deps.ItemStore.Create(ctx, &models.Item{
			LibraryID: 1,
			RelPath:   s.rel,
			SizeBytes: s.size,
			ModTime:   time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	// Plain list returns everything.
	rec := env.do(t, http.MethodGet, "/api/libraries/1/items", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeInto[map[string]any](t, rec)
	assert.Equal(t, float64(3), page["total"])

	// Fuzzy search narrows by name.
	rec = env.do(t, http.MethodGet, "/api/libraries/1/items?search=ronin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decodeInto[map[string]any](t, rec)
	assert.Equal(t, float64(1), page["total"])

	// Expression filter over size.
	rec = env.do(t, http.MethodGet, "/api/libraries/1/items?filter="+
		"sizeBytes+%3E+1610612736", nil) // > 1.5 GiB
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page = decodeInto[map[string]any](t, rec)
	assert.Equal(t, float64(2), page["total"])

	// Broken filter expression is a client error.
	rec = env.do(t, http.MethodGet, "/api/libraries/1/items?filter=%28broken", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown state is rejected.
	rec = env.do(t, http.MethodGet, "/api/libraries/1/items?states=nonsense", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_LibraryYAMLImportExport(t *testing.T) {
	t.Parallel()

	env := setup(t)

	moviesRoot := filepath.Join(env.root, "movies")
	showsRoot := filepath.Join(env.root, "shows")
	doc := "libraries:\n" +
		"  - name: movies\n" +
		"    rootPath: " + moviesRoot + "\n" +
		"    trashRetentionDays: 10\n" +
		"  - name: shows\n" +
		"    rootPath: " + showsRoot + "\n"

	req := httptest.NewRequest(http.MethodPost, "/api/libraries/import", bytes.NewReader([]byte(doc)))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decodeInto[map[string]any](t, rec)
	assert.Len(t, result["created"], 2)

	// Re-import updates instead of duplicating.
	req = httptest.NewRequest(http.MethodPost, "/api/libraries/import", bytes.NewReader([]byte(doc)))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result = decodeInto[map[string]any](t, rec)
	assert.Len(t, result["updated"], 2)

	rec2 := env.do(t, http.MethodGet, "/api/libraries/export", nil)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Contains(t, rec2.Body.String(), "name: movies")
	assert.Contains(t, rec2.Body.String(), "name: shows")
}
