// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/services/trash"
	"github.com/autobrr/warden/internal/testdb"
)

type testEnv struct {
	svc       *Service
	lib       *models.Library
	libraries *models.LibraryStore
	items     *models.ItemStore
	runs      *models.ScanRunStore
	root      string
}

type stubProber struct {
	info *models.MediaInfo
}

func (p *stubProber) Probe(_ context.Context, _ string) (*models.MediaInfo, error) {
	return p.info, nil
}

func setup(t *testing.T, mutate func(lib *models.Library)) *testEnv {
	t.Helper()

	db := testdb.Open(t)
	root := filepath.Join(t.TempDir(), "library")
	require.NoError(t, os.MkdirAll(root, 0o755))

	libraryStore, err := models.NewLibraryStore(db, []byte("01234567890123456789012345678901"))
	require.NoError(t, err)

	libSpec := &models.Library{
		Name:               "movies",
		RootPath:           root,
		TrashRetentionDays: 7,
	}
	if mutate != nil {
		mutate(libSpec)
	}
	lib, err := libraryStore.Create(t.Context(), libSpec)
	require.NoError(t, err)

	items := models.NewItemStore(db)
	runs := models.NewScanRunStore(db)
	trashSvc := trash.NewService(items, models.NewAuditStore(db))

	var prober Prober
	if libSpec.ProbeEnabled {
		prober = &stubProber{info: &models.MediaInfo{
			DurationSeconds: 5400,
			Width:           1920,
			Height:          1080,
			Codec:           "h264",
		}}
	}

	return &testEnv{
		svc:       NewService(libraryStore, items, runs, trashSvc, prober, nil),
		lib:       lib,
		libraries: libraryStore,
		items:     items,
		runs:      runs,
		root:      root,
	}
}

func (e *testEnv) writeFile(t *testing.T, relPath, content string) string {
	t.Helper()

	path := filepath.Join(e.root, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (e *testEnv) scan(t *testing.T, ctx context.Context) *models.ScanRun {
	t.Helper()

	runID, err := e.svc.Scan(ctx, e.lib.ID)
	require.NoError(t, err)

	run, err := e.runs.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Equal(t, models.ScanRunStatusCompleted, run.Status)
	return run
}

func TestService_ScanDiscoversNewFiles(t *testing.T) {
	t.Parallel()

	env := setup(t, nil)
	ctx := t.Context()

	env.writeFile(t, "Heat.1995.1080p.BluRay.mkv", "heat payload")
	env.writeFile(t, "Ronin (1998)/Ronin.1998.720p.mkv", "ronin payload")
	env.writeFile(t, "Ronin (1998)/Ronin.nfo", "not a video")
	env.writeFile(t, ".trash/Old.mkv", "staged file")
	env.writeFile(t, ".hidden.mkv", "hidden")

	run := env.scan(t, ctx)
	assert.Equal(t, 2, run.FilesSeen)
	assert.Equal(t, 2, run.ItemsNew)
	assert.Zero(t, run.ItemsUpdated)
	assert.Zero(t, run.ItemsMissing)

	heat, err := env.items.GetByPath(ctx, env.lib.ID, "Heat.1995.1080p.BluRay.mkv")
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateDiscovered, heat.State)
	assert.Equal(t, int64(len("heat payload")), heat.SizeBytes)
	assert.Equal(t, "Heat", heat.ReleaseTitle)
	assert.Equal(t, 1995, heat.ReleaseYear)
	assert.True(t, strings.EqualFold(heat.ReleaseResolution, "1080p"))
	require.NotNil(t, heat.LastSeenAt)

	ronin, err := env.items.GetByPath(ctx, env.lib.ID, filepath.Join("Ronin (1998)", "Ronin.1998.720p.mkv"))
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateDiscovered, ronin.State)
}

func TestService_RescanOfUnchangedLibraryWritesNothing(t *testing.T) {
	t.Parallel()

	env := setup(t, nil)
	ctx := t.Context()

	env.writeFile(t, "Heat.1995.mkv", "heat payload")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return base }
	env.scan(t, ctx)

	first, err := env.items.GetByPath(ctx, env.lib.ID, "Heat.1995.mkv")
	require.NoError(t, err)

	env.svc.now = func() time.Time { return base.Add(time.Hour) }
	second := env.scan(t, ctx)
	assert.Equal(t, 1, second.FilesSeen)
	assert.Zero(t, second.ItemsNew)
	assert.Zero(t, second.ItemsUpdated)
	assert.Zero(t, second.ItemsMissing)
	assert.Zero(t, second.RenamesDetected)

	after, err := env.items.Get(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastSeenAt)
	assert.True(t, after.LastSeenAt.Equal(*first.LastSeenAt), "unchanged file must not refresh last seen")
}

func TestService_ScanRefreshesChangedFile(t *testing.T) {
	t.Parallel()

	env := setup(t, nil)
	ctx := t.Context()

	path := env.writeFile(t, "Heat.1995.mkv", "first cut")
	env.scan(t, ctx)

	require.NoError(t, os.WriteFile(path, []byte("the directors cut runs longer"), 0o644))
	newMod := time.Now().Add(2 * time.Hour)
	require.NoError(t, os.Chtimes(path, newMod, newMod))

	run := env.scan(t, ctx)
	assert.Equal(t, 1, run.ItemsUpdated)
	assert.Zero(t, run.ItemsNew)

	got, err := env.items.GetByPath(ctx, env.lib.ID, "Heat.1995.mkv")
	require.NoError(t, err)
	assert.Equal(t, int64(len("the directors cut runs longer")), got.SizeBytes)
	assert.Equal(t, models.ItemStateDiscovered, got.State)
}

func TestService_ScanMarksMissingThenReappeared(t *testing.T) {
	t.Parallel()

	env := setup(t, nil)
	ctx := t.Context()

	path := env.writeFile(t, "Heat.1995.mkv", "heat payload")
	env.scan(t, ctx)

	require.NoError(t, os.Remove(path))
	run := env.scan(t, ctx)
	assert.Equal(t, 1, run.ItemsMissing)

	got, err := env.items.GetByPath(ctx, env.lib.ID, "Heat.1995.mkv")
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateMissing, got.State)
	require.NotNil(t, got.MissingSince)

	env.writeFile(t, "Heat.1995.mkv", "heat payload")
	run = env.scan(t, ctx)
	assert.Equal(t, 1, run.ItemsUpdated)
	assert.Zero(t, run.ItemsNew, "reappeared file must not spawn a second item")

	got, err = env.items.Get(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateActive, got.State)
	assert.Nil(t, got.MissingSince)
}

func TestService_MissingPastGraceReported(t *testing.T) {
	t.Parallel()

	env := setup(t, func(lib *models.Library) {
		lib.MissingGraceHours = 1
	})
	ctx := t.Context()

	path := env.writeFile(t, "Heat.1995.mkv", "heat payload")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return base }
	env.scan(t, ctx)

	require.NoError(t, os.Remove(path))
	run := env.scan(t, ctx)
	assert.Equal(t, 1, run.ItemsMissing)
	assert.Zero(t, run.ItemsMissingOverdue, "grace clock starts when the file vanishes")

	// Still within the grace period.
	env.svc.now = func() time.Time { return base.Add(30 * time.Minute) }
	run = env.scan(t, ctx)
	assert.Zero(t, run.ItemsMissing)
	assert.Zero(t, run.ItemsMissingOverdue)

	// Gone past the grace period.
	env.svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	run = env.scan(t, ctx)
	assert.Zero(t, run.ItemsMissing, "already-missing items are not re-marked")
	assert.Equal(t, 1, run.ItemsMissingOverdue)

	// Reappearing clears the report.
	env.writeFile(t, "Heat.1995.mkv", "heat payload")
	run = env.scan(t, ctx)
	assert.Zero(t, run.ItemsMissingOverdue)
}

func TestService_ScanDetectsRename(t *testing.T) {
	t.Parallel()

	env := setup(t, nil)
	ctx := t.Context()

	path := env.writeFile(t, "heat.mkv", "heat payload")
	env.scan(t, ctx)

	before, err := env.items.GetByPath(ctx, env.lib.ID, "heat.mkv")
	require.NoError(t, err)

	renamed := filepath.Join(env.root, "Heat (1995)", "Heat.1995.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(renamed), 0o755))
	require.NoError(t, os.Rename(path, renamed))

	run := env.scan(t, ctx)
	assert.Equal(t, 1, run.RenamesDetected)
	assert.Zero(t, run.ItemsNew)
	assert.Zero(t, run.ItemsMissing)

	after, err := env.items.Get(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("Heat (1995)", "Heat.1995.mkv"), after.RelPath)
	assert.Equal(t, models.ItemStateDiscovered, after.State, "rename keeps lifecycle state")
}

func TestService_AmbiguousRenameGoesMissing(t *testing.T) {
	t.Parallel()

	env := setup(t, nil)
	ctx := t.Context()

	pathA := env.writeFile(t, "a.mkv", "same payload")
	pathB := env.writeFile(t, "b.mkv", "same payload")
	stamp := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(pathA, stamp, stamp))
	require.NoError(t, os.Chtimes(pathB, stamp, stamp))
	env.scan(t, ctx)

	require.NoError(t, os.Rename(pathA, filepath.Join(env.root, "c.mkv")))
	require.NoError(t, os.Rename(pathB, filepath.Join(env.root, "d.mkv")))

	run := env.scan(t, ctx)
	assert.Zero(t, run.RenamesDetected, "two equal fingerprints cannot be told apart")
	assert.Equal(t, 2, run.ItemsMissing)
	assert.Equal(t, 2, run.ItemsNew)

	a, err := env.items.GetByPath(ctx, env.lib.ID, "a.mkv")
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateMissing, a.State)
}

func TestService_HashModeMatchesRenameAcrossTimestampChange(t *testing.T) {
	t.Parallel()

	env := setup(t, func(lib *models.Library) {
		lib.FingerprintMode = models.FingerprintModeHash
	})
	ctx := t.Context()

	path := env.writeFile(t, "heat.mkv", "heat payload")
	env.scan(t, ctx)

	before, err := env.items.GetByPath(ctx, env.lib.ID, "heat.mkv")
	require.NoError(t, err)
	assert.NotEmpty(t, before.ContentHash)

	renamed := filepath.Join(env.root, "Heat.1995.mkv")
	require.NoError(t, os.Rename(path, renamed))
	touched := time.Now().Add(3 * time.Hour)
	require.NoError(t, os.Chtimes(renamed, touched, touched))

	run := env.scan(t, ctx)
	assert.Equal(t, 1, run.RenamesDetected, "content hash survives a timestamp change")

	after, err := env.items.Get(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, "Heat.1995.mkv", after.RelPath)
	assert.Equal(t, before.ContentHash, after.ContentHash)
}

func TestService_ScanRejectedWhileRunActive(t *testing.T) {
	t.Parallel()

	env := setup(t, nil)
	ctx := t.Context()

	_, err := env.runs.CreateRunIfNoActive(ctx, env.lib.ID)
	require.NoError(t, err)

	_, err = env.svc.Scan(ctx, env.lib.ID)
	require.ErrorIs(t, err, models.ErrScanRunAlreadyActive)
}

func TestService_UnreachableRootFailsRunAndFlagsLibrary(t *testing.T) {
	t.Parallel()

	env := setup(t, nil)
	ctx := t.Context()

	require.NoError(t, os.RemoveAll(env.root))

	runID, err := env.svc.Scan(ctx, env.lib.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "library root unreachable")

	run, err := env.runs.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.ScanRunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "library root unreachable")

	lib, err := env.libraries.Get(ctx, env.lib.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LibraryStateError, lib.State)
	assert.NotEmpty(t, lib.LastError)

	// Recreating the root heals the library on the next scan.
	require.NoError(t, os.MkdirAll(env.root, 0o755))
	env.scan(t, ctx)

	lib, err = env.libraries.Get(ctx, env.lib.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LibraryStateActive, lib.State)
	assert.Empty(t, lib.LastError)
}

func TestService_ReadOnlyRootFailsRunAndFlagsLibrary(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not bind root")
	}

	env := setup(t, nil)
	ctx := t.Context()

	env.writeFile(t, "Heat.1995.mkv", "heat payload")
	require.NoError(t, os.Chmod(env.root, 0o555))
	t.Cleanup(func() { _ = os.Chmod(env.root, 0o755) })

	_, err := env.svc.Scan(ctx, env.lib.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "library root not writable")

	lib, err := env.libraries.Get(ctx, env.lib.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LibraryStateError, lib.State)

	// Restoring write access heals the library on the next scan.
	require.NoError(t, os.Chmod(env.root, 0o755))
	env.scan(t, ctx)

	lib, err = env.libraries.Get(ctx, env.lib.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LibraryStateActive, lib.State)
}

func TestService_ScanLeavesTrashedItemsAlone(t *testing.T) {
	t.Parallel()

	env := setup(t, nil)
	ctx := t.Context()

	env.writeFile(t, "Heat.1995.mkv", "heat payload")
	env.scan(t, ctx)

	item, err := env.items.GetByPath(ctx, env.lib.ID, "Heat.1995.mkv")
	require.NoError(t, err)
	require.NoError(t, env.items.Transition(ctx, item.ID, models.ItemStateDiscovered, models.ItemStateConfirmed))
	item, err = env.items.Get(ctx, item.ID)
	require.NoError(t, err)

	trashSvc := env.svc.trash
	_, err = trashSvc.Stage(ctx, env.lib, item)
	require.NoError(t, err)

	run := env.scan(t, ctx)
	assert.Zero(t, run.FilesSeen, "staged file lives under the trash namespace")
	assert.Zero(t, run.ItemsMissing, "trashed items are not missing")

	got, err := env.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateTrashed, got.State)
}

func TestService_ProbeFillsMediaInfo(t *testing.T) {
	t.Parallel()

	env := setup(t, func(lib *models.Library) {
		lib.ProbeEnabled = true
	})
	ctx := t.Context()

	env.writeFile(t, "Heat.1995.mkv", "heat payload")
	env.scan(t, ctx)
	env.svc.Stop()

	got, err := env.items.GetByPath(ctx, env.lib.ID, "Heat.1995.mkv")
	require.NoError(t, err)
	require.NotNil(t, got.Probe)
	assert.Equal(t, 1920, got.Probe.Width)
	assert.Equal(t, 1080, got.Probe.Height)
	assert.Equal(t, "h264", got.Probe.Codec)
	assert.InDelta(t, 5400, got.Probe.DurationSeconds, 0.01)
}
