// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scanner reconciles library roots with the item ledger. A scan
// walks the filesystem, creates items for new files, refreshes changed
// ones, detects renames by fingerprint, and marks vanished files missing.
// Scans never move or delete files; only the action pipeline does that.
package scanner

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/warden/internal/metrics"
	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/services/trash"
)

// Prober extracts technical metadata from a media file. Implementations
// return (nil, nil) when the file is readable but yields no usable streams.
type Prober interface {
	Probe(ctx context.Context, path string) (*models.MediaInfo, error)
}

// Service runs library scans. Concurrent scans of the same library collapse
// into one run; the scan_runs table is the durable guard across processes.
type Service struct {
	libraries *models.LibraryStore
	items     *models.ItemStore
	runs      *models.ScanRunStore
	trash     *trash.Service
	prober    Prober
	engine    *metrics.EngineMetrics
	releases  *ReleaseCache

	group   singleflight.Group
	probeWg sync.WaitGroup

	now func() time.Time
}

// NewService creates a new scanner service. The prober and engine metrics
// are optional; passing nil disables probing and run counters.
func NewService(
	libraries *models.LibraryStore,
	items *models.ItemStore,
	runs *models.ScanRunStore,
	trashSvc *trash.Service,
	prober Prober,
	engine *metrics.EngineMetrics,
) *Service {
	return &Service{
		libraries: libraries,
		items:     items,
		runs:      runs,
		trash:     trashSvc,
		prober:    prober,
		engine:    engine,
		releases:  NewReleaseCache(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Scan runs a full scan of a library and returns the run ID. Concurrent
// calls for the same library share a single run and its outcome. A second
// scan while one is active returns models.ErrScanRunAlreadyActive.
func (s *Service) Scan(ctx context.Context, libraryID int) (int64, error) {
	result, err, _ := s.group.Do(strconv.Itoa(libraryID), func() (any, error) {
		return s.runScan(ctx, libraryID)
	})
	runID, _ := result.(int64)
	return runID, err
}

// Status returns a library's most recent scan run, or nil when the library
// has never been scanned.
func (s *Service) Status(ctx context.Context, libraryID int) (*models.ScanRun, error) {
	runs, err := s.runs.ListRuns(ctx, libraryID, 1)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if len(runs) > 0 {
		return runs[0], nil
	}
	return nil, nil
}

// History returns recent scan runs for a library, newest first.
func (s *Service) History(ctx context.Context, libraryID, limit int) ([]*models.ScanRun, error) {
	runs, err := s.runs.ListRuns(ctx, libraryID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Stop waits for in-flight background probes to finish.
func (s *Service) Stop() {
	s.probeWg.Wait()
}

func (s *Service) runScan(ctx context.Context, libraryID int) (int64, error) {
	lib, err := s.libraries.Get(ctx, libraryID)
	if err != nil {
		return 0, fmt.Errorf("get library: %w", err)
	}

	runID, err := s.runs.CreateRunIfNoActive(ctx, lib.ID)
	if err != nil {
		return 0, err
	}

	l := log.With().
		Int("libraryID", lib.ID).
		Str("library", lib.Name).
		Int64("runID", runID).
		Logger()

	counts, err := s.executeScan(ctx, lib, &l)
	if err != nil {
		l.Error().Err(err).Msg("scan: failed")
		s.markRunFailed(runID, err.Error(), &l)
		if serr := s.libraries.SetState(context.Background(), lib.ID, models.LibraryStateError, err.Error()); serr != nil {
			l.Error().Err(serr).Msg("scan: failed to record library error state")
		}
		s.countRun(lib, "failed")
		return runID, err
	}

	if err := s.runs.CompleteRun(ctx, runID, *counts); err != nil {
		l.Error().Err(err).Msg("scan: failed to mark run as completed")
		return runID, err
	}

	if lib.State != models.LibraryStateActive || lib.LastError != "" {
		if err := s.libraries.SetState(ctx, lib.ID, models.LibraryStateActive, ""); err != nil {
			l.Error().Err(err).Msg("scan: failed to clear library error state")
		}
	}

	s.countRun(lib, "completed")
	l.Info().
		Int("filesSeen", counts.FilesSeen).
		Int("new", counts.ItemsNew).
		Int("updated", counts.ItemsUpdated).
		Int("missing", counts.ItemsMissing).
		Int("missingOverdue", counts.ItemsMissingOverdue).
		Int("renames", counts.RenamesDetected).
		Msg("scan: completed")

	return runID, nil
}

// executeScan performs the filesystem walk and reconciliation for one run.
func (s *Service) executeScan(ctx context.Context, lib *models.Library, l *zerolog.Logger) (*models.ScanCounts, error) {
	fi, err := os.Stat(lib.RootPath)
	if err != nil {
		return nil, fmt.Errorf("library root unreachable: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("library root %s is not a directory", lib.RootPath)
	}
	if err := checkRootWritable(lib.RootPath); err != nil {
		return nil, err
	}

	// Complete any trash moves a crash interrupted before trusting the
	// walk results.
	recovered, err := s.trash.Recover(ctx, lib)
	if err != nil {
		return nil, fmt.Errorf("trash recovery: %w", err)
	}
	if recovered > 0 {
		l.Info().Int("recovered", recovered).Msg("scan: completed interrupted trash operations")
	}

	files, err := walkLibrary(ctx, lib.RootPath)
	if err != nil {
		return nil, err
	}

	counts, candidates, err := s.reconcile(ctx, lib, files, l)
	if err != nil {
		return nil, err
	}

	if lib.ProbeEnabled && s.prober != nil && len(candidates) > 0 {
		s.dispatchProbes(candidates, l)
	}

	return counts, nil
}

// checkRootWritable verifies staging can create files under the root. A
// read-only mount flags the library up front instead of failing item by item
// once a batch executes.
func checkRootWritable(root string) error {
	f, err := os.CreateTemp(root, ".warden-write-check-*")
	if err != nil {
		return fmt.Errorf("library root not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		log.Warn().Err(err).Str("path", name).Msg("scan: failed to remove write-check file")
	}
	return nil
}

// probeCandidate is a new or changed file queued for background probing.
type probeCandidate struct {
	id      int64
	absPath string
}

// reconcile diffs the walked files against the item ledger. Unchanged files
// produce no writes at all, so rescanning a quiet library is free.
func (s *Service) reconcile(ctx context.Context, lib *models.Library, files []scannedFile, l *zerolog.Logger) (*models.ScanCounts, []probeCandidate, error) {
	existing, err := s.items.ListByLibrary(ctx, lib.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list items: %w", err)
	}

	byPath := make(map[string]*models.Item, len(existing))
	for _, it := range existing {
		byPath[it.RelPath] = it
	}

	counts := &models.ScanCounts{FilesSeen: len(files)}
	seenAt := s.now()
	hashMode := lib.FingerprintMode == models.FingerprintModeHash

	var newFiles []scannedFile
	var candidates []probeCandidate
	onDisk := make(map[string]bool, len(files))

	for _, f := range files {
		onDisk[f.RelPath] = true

		it, ok := byPath[f.RelPath]
		if !ok {
			newFiles = append(newFiles, f)
			continue
		}

		switch it.State {
		case models.ItemStateTrashed:
			// The staged copy is authoritative. Restoring will refuse
			// while this file occupies the active path.
			l.Warn().Str("path", f.RelPath).Msg("scan: file present at the active path of a trashed item, leaving both in place")
		case models.ItemStatePurged:
			l.Debug().Str("path", f.RelPath).Msg("scan: file present at the path of a purged tombstone, not tracked")
		case models.ItemStateMissing:
			if err := s.items.MarkReappeared(ctx, it.ID, f.Size, f.ModTime, seenAt); err != nil {
				return nil, nil, fmt.Errorf("mark reappeared %s: %w", f.RelPath, err)
			}
			if hashMode {
				s.refreshHash(ctx, it.ID, f, l)
			}
			counts.ItemsUpdated++
			candidates = append(candidates, probeCandidate{id: it.ID, absPath: f.AbsPath})
			l.Info().Str("path", f.RelPath).Msg("scan: missing item reappeared")
		default:
			if it.SizeBytes == f.Size && it.ModTime.Unix() == f.ModTime.Unix() {
				continue
			}
			if err := s.items.UpdateSeen(ctx, it.ID, f.Size, f.ModTime, seenAt); err != nil {
				return nil, nil, fmt.Errorf("update seen %s: %w", f.RelPath, err)
			}
			if hashMode {
				s.refreshHash(ctx, it.ID, f, l)
			}
			counts.ItemsUpdated++
			candidates = append(candidates, probeCandidate{id: it.ID, absPath: f.AbsPath})
		}
	}

	// Hash files first seen this run once, up front. The hashes serve both
	// rename matching and the created rows.
	newHashes := make(map[string]string, len(newFiles))
	if hashMode {
		for _, f := range newFiles {
			hash, err := hashFile(f.AbsPath, f.Size)
			if err != nil {
				l.Warn().Err(err).Str("path", f.RelPath).Msg("scan: failed to hash file")
				continue
			}
			newHashes[f.RelPath] = hash
		}
	}

	claimed, err := s.reconcileVanished(ctx, lib, byPath, onDisk, newFiles, newHashes, hashMode, seenAt, counts, l)
	if err != nil {
		return nil, nil, err
	}

	s.reportOverdueMissing(lib, existing, onDisk, seenAt, counts, l)

	for _, f := range newFiles {
		if claimed[f.RelPath] {
			continue
		}
		rel := s.releases.ParsePath(f.RelPath)
		created, err := s.items.Create(ctx, &models.Item{
			LibraryID:         lib.ID,
			RelPath:           f.RelPath,
			SizeBytes:         f.Size,
			ModTime:           f.ModTime,
			ContentHash:       newHashes[f.RelPath],
			LastSeenAt:        &seenAt,
			ReleaseTitle:      rel.Title,
			ReleaseYear:       rel.Year,
			ReleaseResolution: rel.Resolution,
			Annotations:       classifyRelease(&rel),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create item %s: %w", f.RelPath, err)
		}
		counts.ItemsNew++
		candidates = append(candidates, probeCandidate{id: created.ID, absPath: f.AbsPath})
	}

	return counts, candidates, nil
}

// reconcileVanished handles items whose file is gone from its recorded
// path. A vanished item whose fingerprint matches exactly one file first
// seen this run is a rename and keeps its identity; everything else goes
// missing. Returns the relative paths of new files claimed by renames.
func (s *Service) reconcileVanished(
	ctx context.Context,
	lib *models.Library,
	byPath map[string]*models.Item,
	onDisk map[string]bool,
	newFiles []scannedFile,
	newHashes map[string]string,
	hashMode bool,
	seenAt time.Time,
	counts *models.ScanCounts,
	l *zerolog.Logger,
) (map[string]bool, error) {
	byKey := make(map[string][]scannedFile, len(newFiles))
	for _, f := range newFiles {
		key := fastKey(f.Size, f.ModTime)
		if hashMode {
			key = newHashes[f.RelPath]
			if key == "" {
				continue
			}
		}
		byKey[key] = append(byKey[key], f)
	}

	claimed := make(map[string]bool)

	for _, it := range sortedVanished(byPath, onDisk) {
		key := fastKey(it.SizeBytes, it.ModTime)
		if hashMode {
			// Items that never got hashed cannot be rename-matched.
			key = it.ContentHash
		}

		var match *scannedFile
		ambiguous := false
		if key != "" {
			var open []scannedFile
			for _, nf := range byKey[key] {
				if !claimed[nf.RelPath] {
					open = append(open, nf)
				}
			}
			switch len(open) {
			case 0:
			case 1:
				match = &open[0]
			default:
				ambiguous = true
			}
		}

		switch {
		case match != nil:
			if err := s.items.UpdateRelPath(ctx, it.ID, match.RelPath, seenAt); err != nil {
				return nil, fmt.Errorf("record rename %s: %w", it.RelPath, err)
			}
			claimed[match.RelPath] = true
			counts.RenamesDetected++
			l.Info().Str("from", it.RelPath).Str("to", match.RelPath).Msg("scan: detected rename")
		default:
			if ambiguous {
				l.Info().Str("path", it.RelPath).Msg("scan: possible rename but multiple fingerprint matches, marking missing")
			}
			if err := s.items.MarkMissing(ctx, it.ID, it.State, seenAt); err != nil {
				return nil, fmt.Errorf("mark missing %s: %w", it.RelPath, err)
			}
			counts.ItemsMissing++
			l.Info().Str("path", it.RelPath).Str("state", string(it.State)).Msg("scan: file vanished, item marked missing")
		}
	}

	return claimed, nil
}

// reportOverdueMissing counts items whose file has been gone longer than the
// library's grace period. Items that vanished this run start their grace
// clock now and are evaluated on later scans.
func (s *Service) reportOverdueMissing(lib *models.Library, existing []*models.Item, onDisk map[string]bool, seenAt time.Time, counts *models.ScanCounts, l *zerolog.Logger) {
	grace := time.Duration(lib.MissingGraceHours) * time.Hour

	for _, it := range existing {
		if it.State != models.ItemStateMissing || onDisk[it.RelPath] || it.MissingSince == nil {
			continue
		}
		if seenAt.Sub(*it.MissingSince) < grace {
			continue
		}
		counts.ItemsMissingOverdue++
		l.Warn().
			Str("path", it.RelPath).
			Time("missingSince", *it.MissingSince).
			Msg("scan: item missing past grace period")
	}
}

// sortedVanished collects live items whose file is absent, in rel_path
// order so rename matching stays deterministic across runs.
func sortedVanished(byPath map[string]*models.Item, onDisk map[string]bool) []*models.Item {
	var vanished []*models.Item
	for _, it := range byPath {
		if onDisk[it.RelPath] {
			continue
		}
		switch it.State {
		case models.ItemStateDiscovered, models.ItemStatePreviewed, models.ItemStateConfirmed, models.ItemStateActive:
			vanished = append(vanished, it)
		}
	}
	sort.Slice(vanished, func(i, j int) bool {
		return vanished[i].RelPath < vanished[j].RelPath
	})
	return vanished
}

// refreshHash recomputes and stores a file's content hash. Hash failures
// only log; the stale hash simply stops matching renames until a later
// scan succeeds.
func (s *Service) refreshHash(ctx context.Context, id int64, f scannedFile, l *zerolog.Logger) {
	hash, err := hashFile(f.AbsPath, f.Size)
	if err != nil {
		l.Warn().Err(err).Str("path", f.RelPath).Msg("scan: failed to hash file")
		return
	}
	if err := s.items.UpdateContentHash(ctx, id, hash); err != nil {
		l.Warn().Err(err).Str("path", f.RelPath).Msg("scan: failed to store content hash")
	}
}

// dispatchProbes probes new and changed files in the background. Probe
// failures only log; metadata stays absent until a later scan retries.
// Background context so probing outlives an HTTP-triggered scan request.
func (s *Service) dispatchProbes(candidates []probeCandidate, l *zerolog.Logger) {
	s.probeWg.Add(1)
	go func() {
		defer s.probeWg.Done()
		for _, c := range candidates {
			info, err := s.prober.Probe(context.Background(), c.absPath)
			if err != nil {
				l.Debug().Err(err).Str("path", c.absPath).Msg("scan: probe failed")
				continue
			}
			if info == nil {
				continue
			}
			if err := s.items.SetMediaInfo(context.Background(), c.id, *info); err != nil {
				l.Warn().Err(err).Str("path", c.absPath).Msg("scan: failed to store probe metadata")
			}
		}
	}()
}

// markRunFailed records a run failure. Uses background context so the
// status update lands even when the scan context is canceled.
func (s *Service) markRunFailed(runID int64, errMsg string, l *zerolog.Logger) {
	if err := s.runs.FailRun(context.Background(), runID, errMsg); err != nil {
		l.Error().Err(err).Msg("scan: failed to mark run as failed")
	}
}

func (s *Service) countRun(lib *models.Library, outcome string) {
	if s.engine == nil {
		return
	}
	s.engine.GetScanRunsTotal(lib.ID, lib.Name, outcome).Inc()
}
