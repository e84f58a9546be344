// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package integrations reconciles items against external metadata sources:
// the download client, the media server, and the arr request tool. External
// facts are merged into item annotations per source and never overwrite
// another source's facts. The one outbound mutation, dropping a download
// client entry, fires strictly after the item is trashed or purged and
// always keeps files on disk; deletion belongs to the trash service alone.
package integrations

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/metrics"
	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/pkg/hashutil"
	"github.com/autobrr/warden/pkg/redact"
)

// Annotation source names, used as keys in the item annotation map.
const (
	SourceQbit = "qbittorrent"
	SourcePlex = "plex"
)

const listPageSize = 10000

// plexAPI is the slice of the Plex client the sync uses, injectable in tests.
type plexAPI interface {
	Sections(ctx context.Context) ([]PlexSection, error)
	RefreshPath(ctx context.Context, sectionKey, path string) error
	SectionMetadata(ctx context.Context, sectionKey string) (map[string]PlexFact, error)
}

// arrAPI is the slice of the arr client the sync uses, injectable in tests.
type arrAPI interface {
	NotifyRescan(ctx context.Context, folders []string) error
}

// Service runs the per-library integration sync and the path-changed
// notification fan-out. All external calls degrade to a log line and a retry
// on the next tick; they never fail scan, trash or purge.
type Service struct {
	libraries *models.LibraryStore
	items     *models.ItemStore
	audit     *models.AuditStore
	pool      *QbitPool
	matcher   *Matcher
	engine    *metrics.EngineMetrics

	newPlex func(baseURL, token string) plexAPI
	newArr  func(baseURL, apiKey string) arrAPI

	mu          sync.Mutex
	pendingPlex map[int]map[string]struct{}
	pendingArr  map[int]map[string]struct{}

	now func() time.Time
}

// NewService creates the integration sync service. Engine metrics are
// optional.
func NewService(
	libraries *models.LibraryStore,
	items *models.ItemStore,
	audit *models.AuditStore,
	pool *QbitPool,
	matcher *Matcher,
	engine *metrics.EngineMetrics,
) *Service {
	return &Service{
		libraries:   libraries,
		items:       items,
		audit:       audit,
		pool:        pool,
		matcher:     matcher,
		engine:      engine,
		newPlex:     func(baseURL, token string) plexAPI { return NewPlexClient(baseURL, token) },
		newArr:      func(baseURL, apiKey string) arrAPI { return NewArrClient(baseURL, apiKey) },
		pendingPlex: make(map[int]map[string]struct{}),
		pendingArr:  make(map[int]map[string]struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PathsChanged queues absolute paths whose files were just trashed or
// restored, so the media server and arr tool get a rescan on the next sync
// tick. Safe to call from any goroutine; never blocks on the network.
func (s *Service) PathsChanged(libraryID int, paths []string) {
	if len(paths) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, target := range []map[int]map[string]struct{}{s.pendingPlex, s.pendingArr} {
		if target[libraryID] == nil {
			target[libraryID] = make(map[string]struct{})
		}
		for _, p := range paths {
			target[libraryID][p] = struct{}{}
		}
	}
}

// takePending drains a library's queued paths from one queue.
func takePending(queue map[int]map[string]struct{}, libraryID int, mu *sync.Mutex) []string {
	mu.Lock()
	defer mu.Unlock()

	pending := queue[libraryID]
	if len(pending) == 0 {
		return nil
	}
	delete(queue, libraryID)

	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	return paths
}

// SyncLibrary runs one sync tick for a library: annotate items with download
// client and media server facts, process due torrent removals, and deliver
// queued rescan notifications. Each integration fails independently.
func (s *Service) SyncLibrary(ctx context.Context, lib *models.Library) error {
	l := log.With().Int("libraryID", lib.ID).Str("library", lib.Name).Logger()

	if lib.HasQbit() {
		if err := s.syncTorrents(ctx, lib); err != nil {
			l.Warn().Err(err).Msg("integrations: download client sync failed, will retry next tick")
			s.recordSyncFailure(ctx, lib, SourceQbit, err)
			s.countRequest(SourceQbit, "sync", "failure")
		} else {
			s.countRequest(SourceQbit, "sync", "success")
		}
	}

	if lib.HasPlex() {
		if err := s.syncPlex(ctx, lib); err != nil {
			l.Warn().Err(err).Msg("integrations: plex sync failed, will retry next tick")
			s.recordSyncFailure(ctx, lib, SourcePlex, err)
			s.countRequest(SourcePlex, "sync", "failure")
		} else {
			s.countRequest(SourcePlex, "sync", "success")
		}
	} else {
		// No consumer; stop the queue from growing.
		takePending(s.pendingPlex, lib.ID, &s.mu)
	}

	if lib.HasArr() {
		if err := s.notifyArr(ctx, lib); err != nil {
			l.Warn().Err(err).Msg("integrations: arr notify failed, will retry next tick")
			s.countRequest("arr", "notify", "failure")
		} else {
			s.countRequest("arr", "notify", "success")
		}
	} else {
		takePending(s.pendingArr, lib.ID, &s.mu)
	}

	return nil
}

// syncTorrents matches live items against the download client and merges
// seed facts into their annotations, then processes due removals.
func (s *Service) syncTorrents(ctx context.Context, lib *models.Library) error {
	states := []models.ItemState{
		models.ItemStateDiscovered, models.ItemStatePreviewed, models.ItemStateConfirmed,
		models.ItemStateActive, models.ItemStateMissing,
	}
	items, err := s.items.ListByStates(ctx, lib.ID, states, listPageSize, 0)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	annotated := 0
	for _, item := range items {
		status, err := s.matcher.MatchTorrent(ctx, lib, item)
		if err != nil {
			return fmt.Errorf("match torrents: %w", err)
		}
		if status == nil {
			continue
		}

		facts := map[string]any{
			"hash":               status.Hash,
			"name":               status.Name,
			"ratio":              status.Ratio,
			"seedingTimeSeconds": int64(status.SeedingTime / time.Second),
			"seeders":            status.Seeds,
			"syncedAt":           s.now().Format(time.RFC3339),
		}
		if err := s.items.MergeAnnotations(ctx, item.ID, SourceQbit, facts); err != nil {
			return fmt.Errorf("merge annotations for item %d: %w", item.ID, err)
		}
		annotated++
	}

	if annotated > 0 {
		log.Debug().Int("libraryID", lib.ID).Int("items", annotated).Msg("integrations: merged torrent facts")
	}

	return s.processSafeRemovals(ctx, lib)
}

// processSafeRemovals drops download client entries for items whose file has
// already left the library. Only items in trashed or purged state qualify;
// the delete call always keeps files, and a seed-safety gate defers removal
// until the library's seeding minimums are met.
func (s *Service) processSafeRemovals(ctx context.Context, lib *models.Library) error {
	items, err := s.items.ListByStates(ctx, lib.ID,
		[]models.ItemState{models.ItemStateTrashed, models.ItemStatePurged}, listPageSize, 0)
	if err != nil {
		return fmt.Errorf("list trashed items: %w", err)
	}

	var due []*models.Item
	for _, item := range items {
		facts := item.Annotations[SourceQbit]
		if facts == nil {
			continue
		}
		if _, removed := facts["removedAt"]; removed {
			continue
		}
		if hash, _ := facts["hash"].(string); hash != "" {
			due = append(due, item)
		}
	}
	if len(due) == 0 {
		return nil
	}

	torrents, err := s.matcher.listTorrents(ctx, lib)
	if err != nil {
		return err
	}
	byHash := make(map[string]qbt.Torrent, len(torrents))
	for _, t := range torrents {
		byHash[hashutil.Normalize(t.Hash)] = t
	}

	client, err := s.pool.Get(ctx, lib)
	if err != nil {
		return err
	}

	for _, item := range due {
		hash := hashutil.Normalize(item.Annotations[SourceQbit]["hash"].(string))

		live, found := byHash[hash]
		if !found {
			// Entry is already gone; just stop asking.
			if err := s.markRemoved(ctx, item, hash, "torrent already absent from the download client"); err != nil {
				return err
			}
			continue
		}

		if reason := seedGate(lib, live); reason != "" {
			log.Debug().
				Int64("itemID", item.ID).
				Str("hash", hash).
				Str("deferred", reason).
				Msg("integrations: torrent removal deferred by seed gate")
			continue
		}

		// deleteFiles stays false unconditionally. The staged copy in .trash
		// is the only copy left and the purge sweep owns its deletion.
		if err := client.DeleteTorrentsCtx(ctx, []string{hash}, false); err != nil {
			s.countRequest(SourceQbit, "remove_torrent", "failure")
			s.recordRemoval(ctx, lib, item, models.AuditOutcomeFailure, err.Error())
			log.Warn().Err(err).Int64("itemID", item.ID).Str("hash", hash).Msg("integrations: torrent removal failed, will retry next tick")
			continue
		}

		s.countRequest(SourceQbit, "remove_torrent", "success")
		if err := s.markRemoved(ctx, item, hash, ""); err != nil {
			return err
		}
		log.Info().
			Int("libraryID", lib.ID).
			Int64("itemID", item.ID).
			Str("hash", hash).
			Str("name", live.Name).
			Msg("integrations: removed download client entry, files kept")
	}

	return nil
}

// seedGate returns a non-empty reason when the library's seeding minimums
// are not yet met for the torrent.
func seedGate(lib *models.Library, t qbt.Torrent) string {
	if lib.MinSeedTimeMinutes > 0 {
		minimum := int64(lib.MinSeedTimeMinutes) * 60
		if t.SeedingTime < minimum {
			return fmt.Sprintf("seeded %ds of required %ds", t.SeedingTime, minimum)
		}
	}
	if lib.MinSeedRatio > 0 && t.Ratio < lib.MinSeedRatio {
		return fmt.Sprintf("ratio %.2f below required %.2f", t.Ratio, lib.MinSeedRatio)
	}
	if lib.MinSeeders > 0 && t.NumComplete < int64(lib.MinSeeders) {
		return fmt.Sprintf("%d seeders below required %d", t.NumComplete, lib.MinSeeders)
	}
	return ""
}

// markRemoved records the removal on the item's annotation so the next tick
// skips it, and writes the audit entry.
func (s *Service) markRemoved(ctx context.Context, item *models.Item, hash, note string) error {
	facts := make(map[string]any, len(item.Annotations[SourceQbit])+1)
	for k, v := range item.Annotations[SourceQbit] {
		facts[k] = v
	}
	facts["removedAt"] = s.now().Format(time.RFC3339)

	if err := s.items.MergeAnnotations(ctx, item.ID, SourceQbit, facts); err != nil {
		return fmt.Errorf("record torrent removal for item %d: %w", item.ID, err)
	}

	rec := &models.AuditRecord{
		LibraryID: item.LibraryID,
		ItemID:    &item.ID,
		Action:    models.AuditActionTorrentRemove,
		Reason:    note,
		Details:   map[string]any{"hash": hash, "deleteFiles": false},
	}
	if err := s.audit.Record(ctx, rec); err != nil {
		log.Error().Err(err).Int64("itemID", item.ID).Msg("integrations: failed to write removal audit record")
	}
	return nil
}

// syncPlex merges watch metadata into item annotations and delivers queued
// path refreshes.
func (s *Service) syncPlex(ctx context.Context, lib *models.Library) error {
	token, err := s.libraries.GetDecryptedPlexToken(lib)
	if err != nil {
		return fmt.Errorf("decrypt plex token: %w", err)
	}
	client := s.newPlex(lib.PlexURL, token)

	sections, err := client.Sections(ctx)
	if err != nil {
		return err
	}

	section := SectionForPath(sections, lib.RootPath)
	if section != nil {
		if err := s.mergePlexFacts(ctx, lib, client, section); err != nil {
			return err
		}
	} else {
		log.Debug().Int("libraryID", lib.ID).Msg("integrations: no plex section covers the library root")
	}

	pending := takePending(s.pendingPlex, lib.ID, &s.mu)
	for i, path := range pending {
		target := SectionForPath(sections, path)
		if target == nil {
			continue
		}
		if err := client.RefreshPath(ctx, target.Key, path); err != nil {
			// Put this and the remaining paths back for the next tick.
			s.PathsChanged(lib.ID, pending[i:])
			s.countRequest(SourcePlex, "refresh", "failure")
			return fmt.Errorf("refresh %s: %w", path, err)
		}
		s.countRequest(SourcePlex, "refresh", "success")
		s.recordNotify(ctx, lib, models.AuditActionPlexRefresh, path)
	}

	return nil
}

func (s *Service) mergePlexFacts(ctx context.Context, lib *models.Library, client plexAPI, section *PlexSection) error {
	facts, err := client.SectionMetadata(ctx, section.Key)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		return nil
	}

	states := []models.ItemState{
		models.ItemStateDiscovered, models.ItemStatePreviewed, models.ItemStateConfirmed,
		models.ItemStateActive,
	}
	items, err := s.items.ListByStates(ctx, lib.ID, states, listPageSize, 0)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	for _, item := range items {
		fact, ok := facts[filepath.Join(lib.RootPath, item.RelPath)]
		if !ok {
			continue
		}

		merged := map[string]any{
			"title":    fact.Title,
			"section":  section.Title,
			"syncedAt": s.now().Format(time.RFC3339),
		}
		if fact.Resolution != "" {
			merged["resolution"] = fact.Resolution
		}
		if fact.LastViewedAt != nil {
			merged["lastViewedAt"] = fact.LastViewedAt.Format(time.RFC3339)
		}
		if fact.UpdatedAt != nil {
			merged["updatedAt"] = fact.UpdatedAt.Format(time.RFC3339)
		}

		if err := s.items.MergeAnnotations(ctx, item.ID, SourcePlex, merged); err != nil {
			return fmt.Errorf("merge annotations for item %d: %w", item.ID, err)
		}
	}

	return nil
}

// notifyArr tells the arr tool which folders changed since the last tick.
func (s *Service) notifyArr(ctx context.Context, lib *models.Library) error {
	pending := takePending(s.pendingArr, lib.ID, &s.mu)
	if len(pending) == 0 {
		return nil
	}

	folderSet := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		folderSet[filepath.Dir(p)] = struct{}{}
	}
	folders := make([]string, 0, len(folderSet))
	for f := range folderSet {
		folders = append(folders, f)
	}

	apiKey, err := s.libraries.GetDecryptedArrAPIKey(lib)
	if err != nil {
		return fmt.Errorf("decrypt arr API key: %w", err)
	}

	if err := s.newArr(lib.ArrURL, apiKey).NotifyRescan(ctx, folders); err != nil {
		// Re-queue only the arr side; plex may already have succeeded.
		s.mu.Lock()
		if s.pendingArr[lib.ID] == nil {
			s.pendingArr[lib.ID] = make(map[string]struct{})
		}
		for _, p := range pending {
			s.pendingArr[lib.ID][p] = struct{}{}
		}
		s.mu.Unlock()
		return err
	}

	for _, f := range folders {
		s.recordNotify(ctx, lib, models.AuditActionArrNotify, f)
	}
	return nil
}

func (s *Service) recordNotify(ctx context.Context, lib *models.Library, action, path string) {
	rec := &models.AuditRecord{
		LibraryID: lib.ID,
		Action:    action,
		Details:   map[string]any{"path": path},
	}
	if err := s.audit.Record(ctx, rec); err != nil {
		log.Error().Err(err).Str("action", action).Msg("integrations: failed to write audit record")
	}
}

func (s *Service) recordSyncFailure(ctx context.Context, lib *models.Library, source string, cause error) {
	// Integration URLs can carry tokens in query strings; keep them out of
	// the audit trail.
	rec := &models.AuditRecord{
		LibraryID: lib.ID,
		Action:    models.AuditActionSync,
		Outcome:   models.AuditOutcomeFailure,
		Reason:    redact.URLError(cause).Error(),
		Details:   map[string]any{"integration": source},
	}
	if err := s.audit.Record(ctx, rec); err != nil {
		log.Error().Err(err).Msg("integrations: failed to write sync audit record")
	}
}

func (s *Service) countRequest(integration, operation, outcome string) {
	if s.engine == nil {
		return
	}
	s.engine.GetIntegrationRequestsTotal(integration, operation, outcome).Inc()
}
