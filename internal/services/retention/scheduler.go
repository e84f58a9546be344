// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package retention runs the recurring per-library jobs: scan, purge sweep
// and integration sync. Jobs for one library never overlap; different
// libraries run in parallel on a small worker pool. The clock is injected so
// tests drive the schedule deterministically.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/config"
	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/services/trash"
)

// JobKind names one of the recurring per-library jobs.
type JobKind string

const (
	JobScan  JobKind = "scan"
	JobPurge JobKind = "purge"
	JobSync  JobKind = "sync"
)

// tickInterval is how often due jobs are evaluated. Job intervals are
// minutes, so a coarse tick is plenty.
const tickInterval = 15 * time.Second

// Scanner triggers a library scan. Implemented by the scanner service.
type Scanner interface {
	Scan(ctx context.Context, libraryID int) (int64, error)
}

// Syncer runs one integration sync tick. Implemented by the integrations
// service.
type Syncer interface {
	SyncLibrary(ctx context.Context, lib *models.Library) error
}

type jobKey struct {
	libraryID int
	kind      JobKind
}

type job struct {
	library *models.Library
	kind    JobKind
}

// Scheduler owns the job calendar. One goroutine evaluates due jobs on a
// fixed tick and hands them to workers; a per-library mutex serializes jobs
// touching the same library.
type Scheduler struct {
	cfg       *config.AppConfig
	libraries *models.LibraryStore
	items     *models.ItemStore
	audit     *models.AuditStore
	trash     *trash.Service
	scanner   Scanner
	syncer    Syncer

	mu      sync.Mutex
	libMu   map[int]*sync.Mutex
	nextRun map[jobKey]time.Time

	jobCh  chan job
	stopCh chan struct{}
	wg     sync.WaitGroup

	now  func() time.Time
	tick time.Duration
}

// New creates a scheduler. The syncer is optional; without one the sync job
// is never scheduled.
func New(
	cfg *config.AppConfig,
	libraries *models.LibraryStore,
	items *models.ItemStore,
	audit *models.AuditStore,
	trashSvc *trash.Service,
	scanner Scanner,
	syncer Syncer,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		libraries: libraries,
		items:     items,
		audit:     audit,
		trash:     trashSvc,
		scanner:   scanner,
		syncer:    syncer,
		libMu:     make(map[int]*sync.Mutex),
		nextRun:   make(map[jobKey]time.Time),
		jobCh:     make(chan job),
		stopCh:    make(chan struct{}),
		now:       func() time.Time { return time.Now().UTC() },
		tick:      tickInterval,
	}
}

// Start launches the workers and the tick loop.
func (s *Scheduler) Start() {
	workers := s.cfg.Config.Scheduler.Workers
	if workers < 1 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.wg.Add(1)
	go s.loop()

	log.Info().Int("workers", workers).Msg("scheduler: started")
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Info().Msg("scheduler: stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// First evaluation immediately so a fresh start does not wait a tick.
	s.dispatchDue()

	for {
		select {
		case <-ticker.C:
			s.dispatchDue()
		case <-s.stopCh:
			return
		}
	}
}

// dispatchDue walks the libraries and enqueues every job whose time has
// come. Libraries in error state only get scans; a successful scan is what
// clears the error.
func (s *Scheduler) dispatchDue() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	libraries, err := s.libraries.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: failed to list libraries")
		return
	}

	now := s.now()
	for _, lib := range libraries {
		for _, kind := range []JobKind{JobScan, JobPurge, JobSync} {
			interval := s.jobInterval(lib, kind)
			if interval <= 0 {
				continue
			}
			if kind == JobSync && (s.syncer == nil || !s.hasIntegrations(lib)) {
				continue
			}
			if lib.State == models.LibraryStateError && kind != JobScan {
				continue
			}

			key := jobKey{libraryID: lib.ID, kind: kind}
			s.mu.Lock()
			due, known := s.nextRun[key]
			if !known {
				// Stagger nothing: run on the first tick after startup.
				due = now
			}
			ready := !now.Before(due)
			if ready {
				s.nextRun[key] = now.Add(interval)
			}
			s.mu.Unlock()

			if !ready {
				continue
			}

			select {
			case s.jobCh <- job{library: lib, kind: kind}:
			case <-s.stopCh:
				return
			}
		}
	}
}

func (s *Scheduler) hasIntegrations(lib *models.Library) bool {
	return lib.HasQbit() || lib.HasPlex() || lib.HasArr()
}

// jobInterval resolves a job's interval: library override first, then the
// configured default. Zero disables the job for that library.
func (s *Scheduler) jobInterval(lib *models.Library, kind JobKind) time.Duration {
	var minutes int
	switch kind {
	case JobScan:
		minutes = lib.ScanIntervalMinutes
		if minutes == 0 {
			minutes = s.cfg.Config.Scheduler.ScanIntervalMinutes
		}
	case JobPurge:
		minutes = lib.PurgeIntervalMinutes
		if minutes == 0 {
			minutes = s.cfg.Config.Scheduler.PurgeIntervalMinutes
		}
	case JobSync:
		minutes = lib.SyncIntervalMinutes
		if minutes == 0 {
			minutes = s.cfg.Config.Scheduler.SyncIntervalMinutes
		}
	}
	if minutes < 0 {
		return 0
	}
	return time.Duration(minutes) * time.Minute
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case j := <-s.jobCh:
			s.runJob(j)
		case <-s.stopCh:
			return
		}
	}
}

// runJob executes one job under the library's mutex and a timeout. A job
// that overruns is abandoned; scan reconciliation and trash moves are
// idempotent, so the next scheduled run completes whatever was cut short.
func (s *Scheduler) runJob(j job) {
	mu := s.libraryMutex(j.library.ID)
	mu.Lock()
	defer mu.Unlock()

	timeout := time.Duration(s.cfg.Config.Scheduler.JobTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := s.now()
	var err error

	switch j.kind {
	case JobScan:
		_, err = s.scanner.Scan(ctx, j.library.ID)
	case JobPurge:
		err = s.runPurgeSweep(ctx, j.library)
	case JobSync:
		err = s.syncer.SyncLibrary(ctx, j.library)
	}

	l := log.With().
		Int("libraryID", j.library.ID).
		Str("library", j.library.Name).
		Str("job", string(j.kind)).
		Dur("elapsed", s.now().Sub(started)).
		Logger()

	if err != nil {
		l.Error().Err(err).Msg("scheduler: job failed")
		return
	}
	l.Debug().Msg("scheduler: job completed")
}

func (s *Scheduler) libraryMutex(libraryID int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.libMu[libraryID] == nil {
		s.libMu[libraryID] = &sync.Mutex{}
	}
	return s.libMu[libraryID]
}

// runPurgeSweep permanently deletes staged files whose retention elapsed.
// Each item purges independently; one failure never stops the sweep.
func (s *Scheduler) runPurgeSweep(ctx context.Context, lib *models.Library) error {
	// Re-read the library so a retention change applies without a restart.
	lib, err := s.libraries.Get(ctx, lib.ID)
	if err != nil {
		return err
	}

	retention := time.Duration(lib.TrashRetentionDays) * 24 * time.Hour
	cutoff := s.now().Add(-retention)

	due, err := s.items.ListTrashedBefore(ctx, lib.ID, cutoff)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	purged, failed := 0, 0
	for _, item := range due {
		rec := &models.AuditRecord{
			LibraryID: lib.ID,
			ItemID:    &item.ID,
			Action:    models.AuditActionPurge,
			Details:   map[string]any{"trashPath": item.TrashPath},
		}

		removed, err := s.trash.Purge(ctx, lib, item)
		if err != nil {
			failed++
			rec.Outcome = models.AuditOutcomeFailure
			rec.Reason = err.Error()
			log.Warn().Err(err).Int64("itemID", item.ID).Str("path", item.RelPath).Msg("scheduler: purge failed")
		} else {
			purged++
			if !removed {
				rec.Reason = "file already absent at expected trash path"
			}
		}

		if err := s.audit.Record(ctx, rec); err != nil {
			log.Error().Err(err).Int64("itemID", item.ID).Msg("scheduler: failed to write purge audit record")
		}
	}

	log.Info().
		Int("libraryID", lib.ID).
		Str("library", lib.Name).
		Int("purged", purged).
		Int("failed", failed).
		Msg("scheduler: purge sweep completed")

	return nil
}
