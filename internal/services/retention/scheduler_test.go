// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package retention

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/warden/internal/config"
	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/services/trash"
	"github.com/autobrr/warden/internal/testdb"
)

type fakeScanner struct {
	calls atomic.Int64
}

func (f *fakeScanner) Scan(_ context.Context, _ int) (int64, error) {
	f.calls.Add(1)
	return 0, nil
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls []int
}

func (f *fakeSyncer) SyncLibrary(_ context.Context, lib *models.Library) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lib.ID)
	return nil
}

type testEnv struct {
	sched     *Scheduler
	scanner   *fakeScanner
	syncer    *fakeSyncer
	libraries *models.LibraryStore
	items     *models.ItemStore
	audit     *models.AuditStore
	trash     *trash.Service
	lib       *models.Library
	root      string
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	db := testdb.Open(t)
	root := t.TempDir()

	libraries, err := models.NewLibraryStore(db, []byte("01234567890123456789012345678901"))
	require.NoError(t, err)
	lib, err := libraries.Create(t.Context(), &models.Library{
		Name:               "movies",
		RootPath:           root,
		TrashRetentionDays: 7,
	})
	require.NoError(t, err)

	items := models.NewItemStore(db)
	audit := models.NewAuditStore(db)
	trashSvc := trash.NewService(items, audit)

	cfg := &config.AppConfig{Config: &config.Config{
		Scheduler: config.SchedulerConfig{
			ScanIntervalMinutes:  60,
			PurgeIntervalMinutes: 60,
			SyncIntervalMinutes:  30,
			JobTimeoutMinutes:    5,
			Workers:              2,
		},
	}}

	scanner := &fakeScanner{}
	syncer := &fakeSyncer{}
	sched := New(cfg, libraries, items, audit, trashSvc, scanner, syncer)
	// Buffered channel so dispatchDue can run synchronously without workers.
	sched.jobCh = make(chan job, 16)

	return &testEnv{
		sched:     sched,
		scanner:   scanner,
		syncer:    syncer,
		libraries: libraries,
		items:     items,
		audit:     audit,
		trash:     trashSvc,
		lib:       lib,
		root:      root,
	}
}

func drainJobs(s *Scheduler) []job {
	var jobs []job
	for {
		select {
		case j := <-s.jobCh:
			jobs = append(jobs, j)
		default:
			return jobs
		}
	}
}

func jobKinds(jobs []job) []JobKind {
	kinds := make([]JobKind, 0, len(jobs))
	for _, j := range jobs {
		kinds = append(kinds, j.kind)
	}
	return kinds
}

func TestScheduler_DispatchDueRespectsIntervals(t *testing.T) {
	t.Parallel()

	env := setup(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	env.sched.now = func() time.Time { return now }

	// First evaluation: scan and purge are due. No integrations are
	// configured, so no sync job.
	env.sched.dispatchDue()
	assert.ElementsMatch(t, []JobKind{JobScan, JobPurge}, jobKinds(drainJobs(env.sched)))

	// Same instant again: nothing is due.
	env.sched.dispatchDue()
	assert.Empty(t, drainJobs(env.sched))

	// Just before the hour: still nothing.
	now = base.Add(59 * time.Minute)
	env.sched.dispatchDue()
	assert.Empty(t, drainJobs(env.sched))

	// Past the hour: both fire again.
	now = base.Add(61 * time.Minute)
	env.sched.dispatchDue()
	assert.ElementsMatch(t, []JobKind{JobScan, JobPurge}, jobKinds(drainJobs(env.sched)))
}

func TestScheduler_LibraryIntervalOverridesDefault(t *testing.T) {
	t.Parallel()

	env := setup(t)
	env.lib.ScanIntervalMinutes = 10
	_, err := env.libraries.Update(t.Context(), env.lib)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	env.sched.now = func() time.Time { return now }

	env.sched.dispatchDue()
	drainJobs(env.sched)

	now = base.Add(11 * time.Minute)
	env.sched.dispatchDue()
	assert.ElementsMatch(t, []JobKind{JobScan}, jobKinds(drainJobs(env.sched)),
		"only the overridden scan should be due after 11 minutes")
}

func TestScheduler_ErrorStateLibraryOnlyScans(t *testing.T) {
	t.Parallel()

	env := setup(t)
	require.NoError(t, env.libraries.SetState(t.Context(), env.lib.ID, models.LibraryStateError, "root path missing"))

	env.sched.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	env.sched.dispatchDue()
	assert.ElementsMatch(t, []JobKind{JobScan}, jobKinds(drainJobs(env.sched)))
}

func TestScheduler_PurgeSweepDeletesExpiredItems(t *testing.T) {
	t.Parallel()

	env := setup(t)
	ctx := t.Context()

	// Stage two files into the trash for real.
	staged := make([]*models.Item, 0, 2)
	for _, rel := range []string{"Heat (1995)/Heat.mkv", "Ronin (1998)/Ronin.mkv"} {
		path := filepath.Join(env.root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

		item, err := env.items.Create(ctx, &models.Item{
			LibraryID: env.lib.ID,
			RelPath:   rel,
			SizeBytes: 7,
			ModTime:   time.Now().UTC(),
		})
		require.NoError(t, err)
		require.NoError(t, env.items.Transition(ctx, item.ID, models.ItemStateDiscovered, models.ItemStateConfirmed))
		item, err = env.items.Get(ctx, item.ID)
		require.NoError(t, err)
		_, err = env.trash.Stage(ctx, env.lib, item)
		require.NoError(t, err)
		item, err = env.items.Get(ctx, item.ID)
		require.NoError(t, err)
		staged = append(staged, item)
	}

	// Retention is 7 days; jump the clock past it.
	env.sched.now = func() time.Time { return time.Now().UTC().Add(8 * 24 * time.Hour) }

	require.NoError(t, env.sched.runPurgeSweep(ctx, env.lib))

	for _, item := range staged {
		got, err := env.items.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ItemStatePurged, got.State)
		assert.False(t, fileExists(t, filepath.Join(env.root, item.TrashPath)),
			"trashed file should be gone after the sweep")
	}

	records, err := env.audit.List(ctx, models.AuditFilter{
		LibraryID: env.lib.ID,
		Action:    models.AuditActionPurge,
	})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestScheduler_PurgeSweepSkipsItemsInsideRetention(t *testing.T) {
	t.Parallel()

	env := setup(t)
	ctx := t.Context()

	path := filepath.Join(env.root, "Heat (1995)/Heat.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	item, err := env.items.Create(ctx, &models.Item{
		LibraryID: env.lib.ID,
		RelPath:   "Heat (1995)/Heat.mkv",
		SizeBytes: 7,
		ModTime:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, env.items.Transition(ctx, item.ID, models.ItemStateDiscovered, models.ItemStateConfirmed))
	item, err = env.items.Get(ctx, item.ID)
	require.NoError(t, err)
	_, err = env.trash.Stage(ctx, env.lib, item)
	require.NoError(t, err)

	// Clock is only one day ahead; the item stays staged.
	env.sched.now = func() time.Time { return time.Now().UTC().Add(24 * time.Hour) }

	require.NoError(t, env.sched.runPurgeSweep(ctx, env.lib))

	got, err := env.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateTrashed, got.State)
	assert.True(t, fileExists(t, filepath.Join(env.root, got.TrashPath)))
}

func TestScheduler_StartRunsJobsUntilStopped(t *testing.T) {
	t.Parallel()

	env := setup(t)
	env.sched.tick = 10 * time.Millisecond

	env.sched.Start()
	assert.Eventually(t, func() bool {
		return env.scanner.calls.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond, "scan job should run shortly after start")
	env.sched.Stop()
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()

	_, err := os.Stat(path)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("stat %s: %v", path, err)
	}
	return err == nil
}
