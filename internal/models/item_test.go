// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/testdb"
)

func TestItemState_Transitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    models.ItemState
		to      models.ItemState
		allowed bool
	}{
		{"discovered to previewed", models.ItemStateDiscovered, models.ItemStatePreviewed, true},
		{"discovered to confirmed", models.ItemStateDiscovered, models.ItemStateConfirmed, true},
		{"discovered to missing", models.ItemStateDiscovered, models.ItemStateMissing, true},
		{"discovered to trashed skips confirm", models.ItemStateDiscovered, models.ItemStateTrashed, false},
		{"previewed to confirmed", models.ItemStatePreviewed, models.ItemStateConfirmed, true},
		{"confirmed to trashed", models.ItemStateConfirmed, models.ItemStateTrashed, true},
		{"trashed to purged", models.ItemStateTrashed, models.ItemStatePurged, true},
		{"trashed to active restore", models.ItemStateTrashed, models.ItemStateActive, true},
		{"trashed to discovered", models.ItemStateTrashed, models.ItemStateDiscovered, false},
		{"active to previewed", models.ItemStateActive, models.ItemStatePreviewed, true},
		{"active to confirmed", models.ItemStateActive, models.ItemStateConfirmed, true},
		{"missing to active reappear", models.ItemStateMissing, models.ItemStateActive, true},
		{"missing to trashed", models.ItemStateMissing, models.ItemStateTrashed, false},
		{"purged is terminal", models.ItemStatePurged, models.ItemStateActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestItemState_Terminal(t *testing.T) {
	t.Parallel()

	assert.True(t, models.ItemStatePurged.IsTerminal())
	assert.False(t, models.ItemStateTrashed.IsTerminal())
	assert.False(t, models.ItemStateMissing.IsTerminal())
	assert.True(t, models.ItemStateDiscovered.IsValid())
	assert.False(t, models.ItemState("gone").IsValid())
}

func TestItemStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewItemStore(db)

	modTime := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	seen := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

	created, err := store.Create(ctx, &models.Item{
		LibraryID:         lib.ID,
		RelPath:           "Heat (1995)/Heat.1995.1080p.mkv",
		SizeBytes:         4 << 30,
		ModTime:           modTime,
		LastSeenAt:        &seen,
		ReleaseTitle:      "Heat",
		ReleaseYear:       1995,
		ReleaseResolution: "1080p",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateDiscovered, created.State)
	assert.NotZero(t, created.ID)

	got, err := store.GetByPath(ctx, lib.ID, "Heat (1995)/Heat.1995.1080p.mkv")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, int64(4<<30), got.SizeBytes)
	assert.True(t, got.ModTime.Equal(modTime))
	assert.Equal(t, "Heat", got.ReleaseTitle)
	assert.Equal(t, 1995, got.ReleaseYear)
	assert.Nil(t, got.Probe)
	assert.Empty(t, got.Annotations)
}

func TestItemStore_CreateDuplicatePath(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewItemStore(db)

	_, err := store.Create(ctx, &models.Item{LibraryID: lib.ID, RelPath: "a.mkv"})
	require.NoError(t, err)

	_, err = store.Create(ctx, &models.Item{LibraryID: lib.ID, RelPath: "a.mkv"})
	require.Error(t, err)
}

func TestItemStore_GetMissing(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	store := models.NewItemStore(db)

	_, err := store.Get(t.Context(), 999)
	assert.ErrorIs(t, err, models.ErrItemNotFound)
}

func TestItemStore_TransitionGuard(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewItemStore(db)

	item, err := store.Create(ctx, &models.Item{LibraryID: lib.ID, RelPath: "a.mkv"})
	require.NoError(t, err)

	// discovered -> previewed succeeds
	require.NoError(t, store.Transition(ctx, item.ID, models.ItemStateDiscovered, models.ItemStatePreviewed))

	// repeating the same transition now conflicts: the row is previewed
	err = store.Transition(ctx, item.ID, models.ItemStateDiscovered, models.ItemStatePreviewed)
	assert.ErrorIs(t, err, models.ErrStateConflict)

	// a transition outside the lifecycle graph is rejected before touching the db
	err = store.Transition(ctx, item.ID, models.ItemStatePreviewed, models.ItemStatePurged)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestItemStore_TrashPurgeFlow(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewItemStore(db)

	item, err := store.Create(ctx, &models.Item{LibraryID: lib.ID, RelPath: "old/show.mkv"})
	require.NoError(t, err)

	require.NoError(t, store.Transition(ctx, item.ID, models.ItemStateDiscovered, models.ItemStateConfirmed))

	trashedAt := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkTrashed(ctx, item.ID, models.ItemStateConfirmed, ".trash/old/show.mkv", trashedAt))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateTrashed, got.State)
	assert.Equal(t, ".trash/old/show.mkv", got.TrashPath)
	require.NotNil(t, got.TrashedAt)
	assert.True(t, got.TrashedAt.Equal(trashedAt))

	// double trash conflicts
	err = store.MarkTrashed(ctx, item.ID, models.ItemStateConfirmed, ".trash/old/show.mkv", trashedAt)
	assert.ErrorIs(t, err, models.ErrStateConflict)

	purgedAt := trashedAt.AddDate(0, 0, 8)
	require.NoError(t, store.MarkPurged(ctx, item.ID, purgedAt))

	got, err = store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatePurged, got.State)
	require.NotNil(t, got.PurgedAt)
	// tombstone keeps its trash path for audit cross-referencing
	assert.Equal(t, ".trash/old/show.mkv", got.TrashPath)

	// purged is terminal, restore conflicts
	err = store.MarkRestored(ctx, item.ID, purgedAt)
	assert.ErrorIs(t, err, models.ErrStateConflict)
}

func TestItemStore_RestoreClearsTrashBookkeeping(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewItemStore(db)

	item, err := store.Create(ctx, &models.Item{LibraryID: lib.ID, RelPath: "keep.mkv"})
	require.NoError(t, err)

	require.NoError(t, store.Transition(ctx, item.ID, models.ItemStateDiscovered, models.ItemStateConfirmed))
	require.NoError(t, store.MarkTrashed(ctx, item.ID, models.ItemStateConfirmed, ".trash/keep.mkv", time.Now().UTC()))
	require.NoError(t, store.MarkRestored(ctx, item.ID, time.Now().UTC()))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateActive, got.State)
	assert.Empty(t, got.TrashPath)
	assert.Nil(t, got.TrashedAt)
}

func TestItemStore_MissingAndReappear(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewItemStore(db)

	item, err := store.Create(ctx, &models.Item{LibraryID: lib.ID, RelPath: "flaky.mkv", SizeBytes: 100})
	require.NoError(t, err)

	missingSince := time.Date(2025, 7, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkMissing(ctx, item.ID, models.ItemStateDiscovered, missingSince))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateMissing, got.State)
	require.NotNil(t, got.MissingSince)

	reappeared := missingSince.Add(2 * time.Hour)
	require.NoError(t, store.MarkReappeared(ctx, item.ID, 120, reappeared, reappeared))

	got, err = store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateActive, got.State)
	assert.Nil(t, got.MissingSince)
	assert.Equal(t, int64(120), got.SizeBytes)
}

func TestItemStore_UpdateRelPathPreservesState(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewItemStore(db)

	item, err := store.Create(ctx, &models.Item{LibraryID: lib.ID, RelPath: "Old Name.mkv"})
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, item.ID, models.ItemStateDiscovered, models.ItemStatePreviewed))

	seen := time.Now().UTC()
	require.NoError(t, store.UpdateRelPath(ctx, item.ID, "New Name.mkv", seen))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "New Name.mkv", got.RelPath)
	assert.Equal(t, models.ItemStatePreviewed, got.State)

	_, err = store.GetByPath(ctx, lib.ID, "Old Name.mkv")
	assert.ErrorIs(t, err, models.ErrItemNotFound)
}

func TestItemStore_MergeAnnotations(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewItemStore(db)

	item, err := store.Create(ctx, &models.Item{LibraryID: lib.ID, RelPath: "seeded.mkv"})
	require.NoError(t, err)

	require.NoError(t, store.MergeAnnotations(ctx, item.ID, "qbittorrent", map[string]any{
		"ratio":    1.5,
		"seeders":  float64(12),
		"seedTime": float64(86400),
	}))
	require.NoError(t, store.MergeAnnotations(ctx, item.ID, "plex", map[string]any{
		"sectionKey": "3",
	}))

	// updating one source must not clobber the other
	require.NoError(t, store.MergeAnnotations(ctx, item.ID, "qbittorrent", map[string]any{
		"ratio": 2.0,
	}))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Contains(t, got.Annotations, "qbittorrent")
	require.Contains(t, got.Annotations, "plex")
	assert.Equal(t, 2.0, got.Annotations["qbittorrent"]["ratio"])
	assert.Equal(t, "3", got.Annotations["plex"]["sectionKey"])
}

func TestItemStore_ListTrashedBefore(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewItemStore(db)

	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	age := func(relPath string, trashedAt time.Time) int64 {
		item, err := store.Create(ctx, &models.Item{LibraryID: lib.ID, RelPath: relPath})
		require.NoError(t, err)
		require.NoError(t, store.Transition(ctx, item.ID, models.ItemStateDiscovered, models.ItemStateConfirmed))
		require.NoError(t, store.MarkTrashed(ctx, item.ID, models.ItemStateConfirmed, ".trash/"+relPath, trashedAt))
		return item.ID
	}

	oldID := age("old.mkv", now.AddDate(0, 0, -10))
	edgeID := age("edge.mkv", now.AddDate(0, 0, -7))
	_ = age("fresh.mkv", now.AddDate(0, 0, -2))

	expired, err := store.ListTrashedBefore(ctx, lib.ID, now.AddDate(0, 0, -7))
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, oldID, expired[0].ID)
	assert.Equal(t, edgeID, expired[1].ID)
}

func TestItemStore_SetMediaInfo(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewItemStore(db)

	item, err := store.Create(ctx, &models.Item{LibraryID: lib.ID, RelPath: "probe.mkv"})
	require.NoError(t, err)

	require.NoError(t, store.SetMediaInfo(ctx, item.ID, models.MediaInfo{
		DurationSeconds: 5400.5,
		Width:           1920,
		Height:          1080,
		Codec:           "hevc",
	}))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Probe)
	assert.Equal(t, 5400.5, got.Probe.DurationSeconds)
	assert.Equal(t, 1920, got.Probe.Width)
	assert.Equal(t, "hevc", got.Probe.Codec)
}

func TestItemStore_CountByStates(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewItemStore(db)

	for _, relPath := range []string{"a.mkv", "b.mkv", "c.mkv"} {
		_, err := store.Create(ctx, &models.Item{LibraryID: lib.ID, RelPath: relPath})
		require.NoError(t, err)
	}

	item, err := store.GetByPath(ctx, lib.ID, "c.mkv")
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, item.ID, models.ItemStateDiscovered, models.ItemStatePreviewed))

	counts, err := store.CountByStates(ctx)
	require.NoError(t, err)

	byState := make(map[models.ItemState]int64)
	for _, c := range counts {
		require.Equal(t, lib.ID, c.LibraryID)
		byState[c.State] = c.Count
	}
	assert.Equal(t, int64(2), byState[models.ItemStateDiscovered])
	assert.Equal(t, int64(1), byState[models.ItemStatePreviewed])
}
