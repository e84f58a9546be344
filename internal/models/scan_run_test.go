// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/testdb"
)

func TestScanRunStore_CreateRunIfNoActive(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewScanRunStore(db)

	runID, err := store.CreateRunIfNoActive(ctx, lib.ID)
	require.NoError(t, err)
	require.NotZero(t, runID)

	// second attempt while the first is still running is rejected
	_, err = store.CreateRunIfNoActive(ctx, lib.ID)
	assert.ErrorIs(t, err, models.ErrScanRunAlreadyActive)

	// a different library is unaffected
	other := createTestLibrary(t, db, "shows")
	otherRunID, err := store.CreateRunIfNoActive(ctx, other.ID)
	require.NoError(t, err)
	assert.NotEqual(t, runID, otherRunID)

	// finishing the run frees the slot
	require.NoError(t, store.CompleteRun(ctx, runID, models.ScanCounts{FilesSeen: 10, ItemsNew: 3}))

	nextRunID, err := store.CreateRunIfNoActive(ctx, lib.ID)
	require.NoError(t, err)
	assert.NotEqual(t, runID, nextRunID)
}

func TestScanRunStore_CompleteRunRecordsCounts(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewScanRunStore(db)

	runID, err := store.CreateRunIfNoActive(ctx, lib.ID)
	require.NoError(t, err)

	require.NoError(t, store.CompleteRun(ctx, runID, models.ScanCounts{
		FilesSeen:           42,
		ItemsNew:            5,
		ItemsUpdated:        30,
		ItemsMissing:        2,
		ItemsMissingOverdue: 1,
		RenamesDetected:     1,
	}))

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.ScanRunStatusCompleted, run.Status)
	assert.Equal(t, 42, run.FilesSeen)
	assert.Equal(t, 1, run.ItemsMissingOverdue)
	assert.Equal(t, 1, run.RenamesDetected)
	assert.NotNil(t, run.FinishedAt)
}

func TestScanRunStore_FailRun(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewScanRunStore(db)

	runID, err := store.CreateRunIfNoActive(ctx, lib.ID)
	require.NoError(t, err)

	require.NoError(t, store.FailRun(ctx, runID, "root path unreachable"))

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.ScanRunStatusFailed, run.Status)
	assert.Equal(t, "root path unreachable", run.Error)
}

func TestScanRunStore_MarkInterrupted(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewScanRunStore(db)

	runID, err := store.CreateRunIfNoActive(ctx, lib.ID)
	require.NoError(t, err)

	affected, err := store.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.ScanRunStatusInterrupted, run.Status)

	// interrupted runs no longer block new ones
	_, err = store.CreateRunIfNoActive(ctx, lib.ID)
	require.NoError(t, err)
}

func TestScanRunStore_GetRunMissing(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	store := models.NewScanRunStore(db)

	run, err := store.GetRun(t.Context(), 12345)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestScanRunStore_ListRuns(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	ctx := t.Context()
	lib := createTestLibrary(t, db, "movies")
	store := models.NewScanRunStore(db)

	for i := 0; i < 3; i++ {
		runID, err := store.CreateRunIfNoActive(ctx, lib.ID)
		require.NoError(t, err)
		require.NoError(t, store.CompleteRun(ctx, runID, models.ScanCounts{FilesSeen: i}))
	}

	runs, err := store.ListRuns(ctx, lib.ID, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// newest first
	assert.Equal(t, 2, runs[0].FilesSeen)
	assert.Equal(t, 1, runs[1].FilesSeen)
}
