// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package actions drives the operator-facing lifecycle pipeline. Preview
// plans the exact filesystem operations an action would perform, confirm
// pins an explicit item set to an explicit actor, execute stages each
// pinned item into trash, restore brings a staged item back. Nothing here
// touches a file except through the trash service.
package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/metrics"
	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/services/trash"
	"github.com/autobrr/warden/pkg/hardlink"
)

// Warning codes attached to preview plan entries.
const (
	WarnMissingFile    = "missing_file"
	WarnAlreadyTrashed = "already_trashed"
	WarnNotActionable  = "not_actionable"
	WarnHardlinked     = "hardlinked"
	WarnNoTorrent      = "no_matching_torrent"
	WarnTorrentLookup  = "torrent_lookup_failed"
	WarnSeedTime       = "seed_time_below_minimum"
	WarnSeedRatio      = "seed_ratio_below_minimum"
	WarnFewSeeders     = "seeders_below_minimum"
)

// Warning flags a condition the operator should see before confirming.
// Warnings never block; confirm and execute enforce their own guards.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PlanEntry is the planned operation for one item.
type PlanEntry struct {
	ItemID     int64            `json:"itemId"`
	RelPath    string           `json:"relPath"`
	State      models.ItemState `json:"state"`
	SizeBytes  int64            `json:"sizeBytes"`
	ActivePath string           `json:"activePath"`
	TrashPath  string           `json:"trashPath"`
	Eligible   bool             `json:"eligible"`
	Warnings   []Warning        `json:"warnings,omitempty"`
}

func (e *PlanEntry) warn(code, message string) {
	e.Warnings = append(e.Warnings, Warning{Code: code, Message: message})
}

// Plan is the full preview result. TotalBytes counts only eligible entries,
// matching what execute would actually move.
type Plan struct {
	LibraryID  int               `json:"libraryId"`
	Action     models.ActionType `json:"action"`
	Entries    []PlanEntry       `json:"entries"`
	TotalBytes int64             `json:"totalBytes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// TorrentStatus describes the download-client entry backing an item.
type TorrentStatus struct {
	Hash        string
	Name        string
	Ratio       float64
	SeedingTime time.Duration
	Seeds       int
}

// TorrentMatcher finds the download-client entry backing an item. A nil
// result with a nil error means no torrent matched.
type TorrentMatcher interface {
	MatchTorrent(ctx context.Context, lib *models.Library, item *models.Item) (*TorrentStatus, error)
}

// Notifier receives the absolute paths whose files just moved, so external
// systems can be told to rescan. Implementations must only queue; delivery
// happens on the integration sync tick and never blocks an action.
type Notifier interface {
	PathsChanged(libraryID int, paths []string)
}

// ItemFailure is one item that could not be staged during execute.
type ItemFailure struct {
	ItemID  int64  `json:"itemId"`
	RelPath string `json:"relPath,omitempty"`
	Error   string `json:"error"`
}

// ExecuteResult summarizes a batch execution.
type ExecuteResult struct {
	BatchID  int64         `json:"batchId"`
	Staged   int           `json:"staged"`
	Failed   int           `json:"failed"`
	Failures []ItemFailure `json:"failures,omitempty"`
}

// Service implements the preview, confirm, execute and restore operations.
type Service struct {
	libraries *models.LibraryStore
	items     *models.ItemStore
	batches   *models.ActionBatchStore
	audit     *models.AuditStore
	trash     *trash.Service
	matcher   TorrentMatcher
	notifier  Notifier
	engine    *metrics.EngineMetrics

	now func() time.Time
}

// SetNotifier wires the rescan notifier. Optional; without one, external
// systems simply notice changes on their own schedule.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// NewService creates a new actions service. The torrent matcher and engine
// metrics are optional.
func NewService(
	libraries *models.LibraryStore,
	items *models.ItemStore,
	batches *models.ActionBatchStore,
	audit *models.AuditStore,
	trashSvc *trash.Service,
	matcher TorrentMatcher,
	engine *metrics.EngineMetrics,
) *Service {
	return &Service{
		libraries: libraries,
		items:     items,
		batches:   batches,
		audit:     audit,
		trash:     trashSvc,
		matcher:   matcher,
		engine:    engine,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Preview computes the plan for acting on the given items without touching
// the filesystem. Items in a previewable state durably move to previewed so
// a later confirm can prove the dry run happened.
func (s *Service) Preview(ctx context.Context, libraryID int, action models.ActionType, itemIDs []int64, actor string) (*Plan, error) {
	if !action.IsValid() {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	if len(itemIDs) == 0 {
		return nil, fmt.Errorf("no items given")
	}

	lib, err := s.libraries.Get(ctx, libraryID)
	if err != nil {
		return nil, fmt.Errorf("get library: %w", err)
	}

	plan := &Plan{LibraryID: lib.ID, Action: action, CreatedAt: s.now()}
	warnings := 0

	for _, id := range itemIDs {
		item, err := s.items.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get item %d: %w", id, err)
		}
		if item.LibraryID != lib.ID {
			return nil, fmt.Errorf("item %d does not belong to library %d", id, lib.ID)
		}

		entry := s.planEntry(ctx, lib, item)
		if entry.Eligible {
			plan.TotalBytes += entry.SizeBytes
		}
		warnings += len(entry.Warnings)
		plan.Entries = append(plan.Entries, entry)
	}

	for _, entry := range plan.Entries {
		if !entry.Eligible || entry.State == models.ItemStatePreviewed {
			continue
		}
		if err := s.items.Transition(ctx, entry.ItemID, entry.State, models.ItemStatePreviewed); err != nil {
			return nil, fmt.Errorf("preview item %d: %w", entry.ItemID, err)
		}
	}

	s.record(ctx, &models.AuditRecord{
		LibraryID: lib.ID,
		Action:    models.AuditActionPreview,
		Actor:     actor,
		Details: map[string]any{
			"action":   string(action),
			"items":    len(plan.Entries),
			"bytes":    plan.TotalBytes,
			"warnings": warnings,
		},
	})

	return plan, nil
}

// planEntry builds the plan line for one item, including every warning the
// operator should weigh before confirming.
func (s *Service) planEntry(ctx context.Context, lib *models.Library, item *models.Item) PlanEntry {
	entry := PlanEntry{
		ItemID:     item.ID,
		RelPath:    item.RelPath,
		State:      item.State,
		SizeBytes:  item.SizeBytes,
		ActivePath: filepath.Join(lib.RootPath, item.RelPath),
		TrashPath:  filepath.Join(lib.RootPath, trash.StagedPath(item.RelPath)),
	}

	switch item.State {
	case models.ItemStateTrashed:
		entry.warn(WarnAlreadyTrashed, "already staged in trash; restore or wait for the purge sweep")
		return entry
	case models.ItemStatePurged:
		entry.warn(WarnNotActionable, "purged tombstone, the file is gone")
		return entry
	case models.ItemStateConfirmed:
		entry.warn(WarnNotActionable, "already confirmed and awaiting execution")
		return entry
	case models.ItemStateMissing:
		entry.warn(WarnMissingFile, missingMessage(item))
		return entry
	}

	entry.Eligible = true

	if fi, err := os.Lstat(entry.ActivePath); err != nil {
		entry.warn(WarnMissingFile, "no file at the active path, staging would fail")
	} else if _, links, lerr := hardlink.LinkInfo(fi, entry.ActivePath); lerr == nil && links > 1 {
		entry.warn(WarnHardlinked, fmt.Sprintf("file has %d hardlinks, trashing frees no space until every link is gone", links))
	}

	s.torrentWarnings(ctx, lib, item, &entry)

	return entry
}

func missingMessage(item *models.Item) string {
	if item.MissingSince != nil {
		return fmt.Sprintf("file missing since %s", item.MissingSince.Format(time.RFC3339))
	}
	return "file is missing"
}

// torrentWarnings checks the download client for a matching torrent and the
// library's seed-safety gates. Lookup failures degrade to a warning; preview
// never depends on the download client being reachable.
func (s *Service) torrentWarnings(ctx context.Context, lib *models.Library, item *models.Item, entry *PlanEntry) {
	if s.matcher == nil || !lib.HasQbit() {
		return
	}

	status, err := s.matcher.MatchTorrent(ctx, lib, item)
	if err != nil {
		log.Debug().Err(err).Int64("itemID", item.ID).Msg("actions: torrent lookup failed during preview")
		entry.warn(WarnTorrentLookup, fmt.Sprintf("torrent lookup failed: %v", err))
		return
	}
	if status == nil {
		entry.warn(WarnNoTorrent, "no matching torrent in the download client")
		return
	}

	if lib.MinSeedTimeMinutes > 0 {
		minimum := time.Duration(lib.MinSeedTimeMinutes) * time.Minute
		if status.SeedingTime < minimum {
			entry.warn(WarnSeedTime, fmt.Sprintf("torrent %q has seeded %s of the required %s",
				status.Name, status.SeedingTime.Round(time.Minute), minimum))
		}
	}
	if lib.MinSeedRatio > 0 && status.Ratio < lib.MinSeedRatio {
		entry.warn(WarnSeedRatio, fmt.Sprintf("torrent %q ratio %.2f is below the required %.2f",
			status.Name, status.Ratio, lib.MinSeedRatio))
	}
	if lib.MinSeeders > 0 && status.Seeds < lib.MinSeeders {
		entry.warn(WarnFewSeeders, fmt.Sprintf("swarm for %q has %d seeders, minimum is %d",
			status.Name, status.Seeds, lib.MinSeeders))
	}
}

// Confirm pins an explicit item set into a batch. The set is fixed now;
// execute replays exactly these IDs. Items already confirmed may be pinned
// again so an interrupted confirm or execute can be retried with a new
// batch. Libraries with the dry-run requirement only accept items that went
// through preview.
func (s *Service) Confirm(ctx context.Context, libraryID int, action models.ActionType, itemIDs []int64, actor string) (*models.ActionBatch, error) {
	if !action.IsValid() {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	if actor == "" {
		return nil, fmt.Errorf("actor is required")
	}
	if len(itemIDs) == 0 {
		return nil, fmt.Errorf("no items given")
	}

	lib, err := s.libraries.Get(ctx, libraryID)
	if err != nil {
		return nil, fmt.Errorf("get library: %w", err)
	}

	loaded := make([]*models.Item, 0, len(itemIDs))
	for _, id := range itemIDs {
		item, err := s.items.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get item %d: %w", id, err)
		}
		if item.LibraryID != lib.ID {
			return nil, fmt.Errorf("item %d does not belong to library %d", id, lib.ID)
		}
		if err := confirmable(lib, item); err != nil {
			return nil, err
		}
		loaded = append(loaded, item)
	}

	for _, item := range loaded {
		if item.State == models.ItemStateConfirmed {
			continue
		}
		if err := s.items.Transition(ctx, item.ID, item.State, models.ItemStateConfirmed); err != nil {
			return nil, fmt.Errorf("confirm item %d: %w", item.ID, err)
		}
	}

	batch, err := s.batches.Create(ctx, lib.ID, action, actor, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	s.record(ctx, &models.AuditRecord{
		LibraryID: lib.ID,
		Action:    models.AuditActionConfirm,
		Actor:     actor,
		Details: map[string]any{
			"action":  string(action),
			"batchId": batch.ID,
			"items":   len(itemIDs),
		},
	})

	log.Info().
		Int("libraryID", lib.ID).
		Int64("batchID", batch.ID).
		Str("actor", actor).
		Int("items", len(itemIDs)).
		Msg("actions: batch confirmed")

	return batch, nil
}

// confirmable checks whether an item can enter a batch right now.
func confirmable(lib *models.Library, item *models.Item) error {
	switch item.State {
	case models.ItemStateConfirmed, models.ItemStatePreviewed:
		return nil
	case models.ItemStateDiscovered, models.ItemStateActive:
		if lib.RequireDryRun {
			return fmt.Errorf("library %q requires a dry run: preview item %d before confirming", lib.Name, item.ID)
		}
		return nil
	default:
		return fmt.Errorf("%w: item %d is %s, cannot confirm", models.ErrStateConflict, item.ID, item.State)
	}
}

// Execute stages every item of a confirmed batch. The batch is claimed up
// front so a second execute fails instead of replaying; per-item failures
// are recorded and do not abort the rest of the batch.
func (s *Service) Execute(ctx context.Context, batchID int64, actor string) (*ExecuteResult, error) {
	batch, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.ExecutedAt != nil {
		return nil, models.ErrBatchAlreadyExecuted
	}

	lib, err := s.libraries.Get(ctx, batch.LibraryID)
	if err != nil {
		return nil, fmt.Errorf("get library: %w", err)
	}

	if err := s.batches.MarkExecuted(ctx, batchID, s.now()); err != nil {
		return nil, err
	}

	result := &ExecuteResult{BatchID: batchID}
	for _, id := range batch.ItemIDs {
		s.executeItem(ctx, lib, batch, id, actor, result)
	}

	log.Info().
		Int("libraryID", lib.ID).
		Int64("batchID", batchID).
		Int("staged", result.Staged).
		Int("failed", result.Failed).
		Msg("actions: batch executed")

	return result, nil
}

// executeItem stages one batch member and writes its audit entry whatever
// the outcome.
func (s *Service) executeItem(ctx context.Context, lib *models.Library, batch *models.ActionBatch, itemID int64, actor string, result *ExecuteResult) {
	rec := &models.AuditRecord{
		LibraryID: lib.ID,
		ItemID:    &itemID,
		Action:    models.AuditActionTrash,
		Actor:     actor,
		Details:   map[string]any{"batchId": batch.ID},
	}

	item, err := s.items.Get(ctx, itemID)
	if err != nil {
		s.failItem(ctx, rec, result, ItemFailure{ItemID: itemID, Error: err.Error()})
		s.countAction(lib, batch.Action, "failure")
		return
	}

	trashRel, err := s.trash.Stage(ctx, lib, item)
	if err != nil {
		log.Warn().Err(err).Int64("itemID", itemID).Str("path", item.RelPath).Msg("actions: stage failed")
		s.failItem(ctx, rec, result, ItemFailure{ItemID: itemID, RelPath: item.RelPath, Error: err.Error()})
		s.countAction(lib, batch.Action, "failure")
		return
	}

	rec.Details["trashPath"] = trashRel
	s.record(ctx, rec)
	result.Staged++
	s.countAction(lib, batch.Action, "success")
	s.notifyPathChanged(lib, item.RelPath)
}

func (s *Service) notifyPathChanged(lib *models.Library, relPath string) {
	if s.notifier == nil {
		return
	}
	s.notifier.PathsChanged(lib.ID, []string{filepath.Join(lib.RootPath, relPath)})
}

func (s *Service) failItem(ctx context.Context, rec *models.AuditRecord, result *ExecuteResult, failure ItemFailure) {
	rec.Outcome = models.AuditOutcomeFailure
	rec.Reason = failure.Error
	s.record(ctx, rec)
	result.Failed++
	result.Failures = append(result.Failures, failure)
}

// Restore brings a trashed item back to its active path.
func (s *Service) Restore(ctx context.Context, itemID int64, actor string) (*models.Item, error) {
	item, err := s.items.Get(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", itemID, err)
	}
	if item.State != models.ItemStateTrashed {
		return nil, fmt.Errorf("item %d is %s: %w", itemID, item.State, trash.ErrNotInTrash)
	}

	lib, err := s.libraries.Get(ctx, item.LibraryID)
	if err != nil {
		return nil, fmt.Errorf("get library: %w", err)
	}

	rec := &models.AuditRecord{
		LibraryID: lib.ID,
		ItemID:    &item.ID,
		Action:    models.AuditActionRestore,
		Actor:     actor,
	}

	activePath, err := s.trash.Restore(ctx, lib, item)
	if err != nil {
		rec.Outcome = models.AuditOutcomeFailure
		rec.Reason = err.Error()
		s.record(ctx, rec)
		s.countAction(lib, "restore", "failure")
		return nil, err
	}

	rec.Details = map[string]any{"restoredTo": activePath}
	s.record(ctx, rec)
	s.countAction(lib, "restore", "success")
	s.notifyPathChanged(lib, item.RelPath)

	return s.items.Get(ctx, item.ID)
}

// record appends an audit entry. Audit writes never fail the operation they
// describe; a failed append only logs.
func (s *Service) record(ctx context.Context, rec *models.AuditRecord) {
	if err := s.audit.Record(ctx, rec); err != nil {
		log.Error().Err(err).Str("action", rec.Action).Msg("actions: failed to write audit record")
	}
}

func (s *Service) countAction(lib *models.Library, action models.ActionType, outcome string) {
	if s.engine == nil {
		return
	}
	s.engine.GetActionItemsTotal(lib.ID, lib.Name).WithLabelValues(string(action), outcome).Inc()
}
