// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package trash owns the staged-deletion namespace. Every destructive action
// routes through here: staging moves a file into the library's .trash mirror,
// restore moves it back, purge deletes it for good. Moves happen before the
// database records them, so an interrupted operation is completed by the
// recovery pass rather than repeated or lost.
package trash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/pkg/fsutil"
)

// DirName is the staging namespace under each library root. The layout
// .trash/<relative-path> is operator-visible: manual recovery depends on it
// and it must stay stable across versions.
const DirName = ".trash"

var (
	// ErrDestinationOccupied is returned when a restore target already exists.
	ErrDestinationOccupied = errors.New("a file already exists at the destination path")
	// ErrNotInTrash is returned when a stored trash path escapes the staging namespace.
	ErrNotInTrash = errors.New("path is not inside the trash namespace")
	// ErrSourceMissing is returned when the file to move is absent from both
	// its active and staged locations.
	ErrSourceMissing = errors.New("file is absent from both active and trash paths")
)

// Service executes the filesystem side of stage, restore and purge. Callers
// are responsible for state eligibility; the guarded store transitions are the
// final authority and surface conflicts as models.ErrStateConflict.
type Service struct {
	items *models.ItemStore
	audit *models.AuditStore

	now func() time.Time
}

func NewService(items *models.ItemStore, audit *models.AuditStore) *Service {
	return &Service{
		items: items,
		audit: audit,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// StagedPath derives the deterministic staging destination for a relative
// path. Stage, preview and recovery all use this one derivation.
func StagedPath(relPath string) string {
	return filepath.Join(DirName, relPath)
}

// insideTrash reports whether a library-relative path sits inside the staging
// namespace.
func insideTrash(relPath string) bool {
	clean := filepath.Clean(relPath)
	return clean == DirName || strings.HasPrefix(clean, DirName+string(filepath.Separator))
}

// Stage moves an item's file into the trash namespace and records the new
// state. Returns the library-relative trash path. If a previous attempt moved
// the file but crashed before recording, the move is detected as already done
// and only the record is written.
func (s *Service) Stage(ctx context.Context, lib *models.Library, item *models.Item) (string, error) {
	activePath := filepath.Join(lib.RootPath, item.RelPath)
	trashRel := StagedPath(item.RelPath)
	trashPath := filepath.Join(lib.RootPath, trashRel)

	activeExists := fileExists(activePath)
	trashExists := fileExists(trashPath)

	switch {
	case !activeExists && trashExists:
		// Interrupted earlier attempt, the move already happened.
		log.Info().Int64("itemID", item.ID).Str("trashPath", trashRel).Msg("trash: stage move already done, recording state")
	case !activeExists && !trashExists:
		return "", fmt.Errorf("%w: %s", ErrSourceMissing, item.RelPath)
	default:
		if trashExists {
			// Leftover from an interrupted cross-device copy. The active file
			// is still intact, so the partial copy is safe to discard.
			log.Warn().Int64("itemID", item.ID).Str("trashPath", trashRel).Msg("trash: removing partial staged copy before retry")
			if err := os.Remove(trashPath); err != nil {
				return "", fmt.Errorf("remove partial staged copy: %w", err)
			}
		}
		if err := moveFile(activePath, trashPath); err != nil {
			return "", fmt.Errorf("stage %s: %w", item.RelPath, err)
		}
	}

	if err := s.items.MarkTrashed(ctx, item.ID, item.State, trashRel, s.now()); err != nil {
		return "", err
	}

	pruneEmptyDirs(activePath, lib.RootPath)

	log.Info().
		Int("libraryID", lib.ID).
		Int64("itemID", item.ID).
		Str("path", item.RelPath).
		Str("trashPath", trashRel).
		Msg("trash: staged")

	return trashRel, nil
}

// Restore moves a staged file back to its active path and records the new
// state. Refuses to overwrite an existing file at the destination and leaves
// the staged copy in place in that case.
func (s *Service) Restore(ctx context.Context, lib *models.Library, item *models.Item) (string, error) {
	trashRel := item.TrashPath
	if trashRel == "" {
		trashRel = StagedPath(item.RelPath)
	}
	if !insideTrash(trashRel) {
		return "", fmt.Errorf("%w: %s", ErrNotInTrash, trashRel)
	}

	activePath := filepath.Join(lib.RootPath, item.RelPath)
	trashPath := filepath.Join(lib.RootPath, trashRel)

	activeExists := fileExists(activePath)
	trashExists := fileExists(trashPath)

	switch {
	case activeExists && trashExists:
		return "", fmt.Errorf("%w: %s", ErrDestinationOccupied, item.RelPath)
	case activeExists:
		// Interrupted earlier attempt, the move already happened.
		log.Info().Int64("itemID", item.ID).Str("path", item.RelPath).Msg("trash: restore move already done, recording state")
	case !trashExists:
		return "", fmt.Errorf("%w: %s", ErrSourceMissing, trashRel)
	default:
		if err := moveFile(trashPath, activePath); err != nil {
			return "", fmt.Errorf("restore %s: %w", item.RelPath, err)
		}
	}

	if err := s.items.MarkRestored(ctx, item.ID, s.now()); err != nil {
		return "", err
	}

	pruneEmptyDirs(trashPath, filepath.Join(lib.RootPath, DirName))

	log.Info().
		Int("libraryID", lib.ID).
		Int64("itemID", item.ID).
		Str("path", item.RelPath).
		Msg("trash: restored")

	return activePath, nil
}

// Purge permanently deletes a staged file and records the terminal state.
// Returns false when the file was already absent; the item still transitions
// to purged so the sweep converges rather than retrying forever.
func (s *Service) Purge(ctx context.Context, lib *models.Library, item *models.Item) (bool, error) {
	trashRel := item.TrashPath
	if trashRel == "" {
		trashRel = StagedPath(item.RelPath)
	}
	if !insideTrash(trashRel) {
		return false, fmt.Errorf("%w: %s", ErrNotInTrash, trashRel)
	}

	trashPath := filepath.Join(lib.RootPath, trashRel)

	removed := true
	if err := os.Remove(trashPath); err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("purge %s: %w", trashRel, err)
		}
		removed = false
		log.Warn().Int64("itemID", item.ID).Str("trashPath", trashRel).Msg("trash: file already absent at expected trash path")
	}

	if err := s.items.MarkPurged(ctx, item.ID, s.now()); err != nil {
		return removed, err
	}

	pruneEmptyDirs(trashPath, filepath.Join(lib.RootPath, DirName))

	log.Info().
		Int("libraryID", lib.ID).
		Int64("itemID", item.ID).
		Str("trashPath", trashRel).
		Bool("fileRemoved", removed).
		Msg("trash: purged")

	return removed, nil
}

// Recover reconciles items whose move completed but whose state record did
// not, after a crash or abandoned job. Runs at startup and before each scan.
// Returns the number of items reconciled.
func (s *Service) Recover(ctx context.Context, lib *models.Library) (int, error) {
	items, err := s.items.ListByLibrary(ctx, lib.ID)
	if err != nil {
		return 0, fmt.Errorf("list items for recovery: %w", err)
	}

	reconciled := 0
	for _, item := range items {
		var recovered bool
		var recoverErr error

		switch item.State {
		case models.ItemStateConfirmed:
			recovered, recoverErr = s.recoverInterruptedStage(ctx, lib, item)
		case models.ItemStateTrashed:
			recovered, recoverErr = s.recoverInterruptedRestore(ctx, lib, item)
		default:
			continue
		}

		if recoverErr != nil {
			log.Error().Err(recoverErr).Int64("itemID", item.ID).Str("path", item.RelPath).Msg("trash: recovery failed")
			s.recordRecovery(ctx, lib, item, models.AuditOutcomeFailure, recoverErr.Error())
			continue
		}
		if recovered {
			reconciled++
		}
	}

	if reconciled > 0 {
		log.Info().Int("libraryID", lib.ID).Int("items", reconciled).Msg("trash: recovery reconciled interrupted moves")
	}

	return reconciled, nil
}

// recoverInterruptedStage completes a stage whose move happened but whose
// record write did not: the file is gone from its active path and sits at the
// deterministic trash destination.
func (s *Service) recoverInterruptedStage(ctx context.Context, lib *models.Library, item *models.Item) (bool, error) {
	activePath := filepath.Join(lib.RootPath, item.RelPath)
	trashRel := StagedPath(item.RelPath)
	trashPath := filepath.Join(lib.RootPath, trashRel)

	if fileExists(activePath) || !fileExists(trashPath) {
		return false, nil
	}

	if err := s.items.MarkTrashed(ctx, item.ID, item.State, trashRel, s.now()); err != nil {
		return false, err
	}

	pruneEmptyDirs(activePath, lib.RootPath)
	s.recordRecovery(ctx, lib, item, models.AuditOutcomeSuccess, "completed interrupted stage, file found at trash destination")
	return true, nil
}

// recoverInterruptedRestore completes a restore whose move happened but whose
// record write did not: the staged file is gone and the active path is back.
func (s *Service) recoverInterruptedRestore(ctx context.Context, lib *models.Library, item *models.Item) (bool, error) {
	trashRel := item.TrashPath
	if trashRel == "" {
		trashRel = StagedPath(item.RelPath)
	}

	activePath := filepath.Join(lib.RootPath, item.RelPath)
	trashPath := filepath.Join(lib.RootPath, trashRel)

	if fileExists(trashPath) || !fileExists(activePath) {
		return false, nil
	}

	if err := s.items.MarkRestored(ctx, item.ID, s.now()); err != nil {
		return false, err
	}

	pruneEmptyDirs(trashPath, filepath.Join(lib.RootPath, DirName))
	s.recordRecovery(ctx, lib, item, models.AuditOutcomeSuccess, "completed interrupted restore, file found at active path")
	return true, nil
}

func (s *Service) recordRecovery(ctx context.Context, lib *models.Library, item *models.Item, outcome models.AuditOutcome, reason string) {
	record := &models.AuditRecord{
		LibraryID: lib.ID,
		ItemID:    &item.ID,
		Action:    models.AuditActionRecovery,
		Outcome:   outcome,
		Reason:    reason,
	}
	if err := s.audit.Record(ctx, record); err != nil {
		log.Error().Err(err).Int64("itemID", item.ID).Msg("trash: failed to write recovery audit record")
	}
}

// Entry is the operator view of one staged item: the item plus when the purge
// sweep will take it.
type Entry struct {
	Item      *models.Item  `json:"item"`
	PurgeAt   time.Time     `json:"purgeAt"`
	Remaining time.Duration `json:"remaining"`
}

// List returns the staged items of a library with their remaining retention,
// oldest first. Items past their retention show zero remaining.
func (s *Service) List(ctx context.Context, lib *models.Library) ([]Entry, error) {
	items, err := s.items.ListByStates(ctx, lib.ID, []models.ItemState{models.ItemStateTrashed}, 1000, 0)
	if err != nil {
		return nil, err
	}

	retention := time.Duration(lib.TrashRetentionDays) * 24 * time.Hour
	now := s.now()

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if item.TrashedAt == nil {
			continue
		}
		purgeAt := item.TrashedAt.Add(retention)
		remaining := purgeAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		entries = append(entries, Entry{Item: item, PurgeAt: purgeAt, Remaining: remaining})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PurgeAt.Before(entries[j].PurgeAt)
	})

	return entries, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// moveFile renames source to target, creating parent directories. Cross-device
// moves fall back to copy-then-remove; the same-filesystem check skips the
// doomed rename attempt when the trash namespace lives on another mount.
func moveFile(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	if same, err := fsutil.SameFilesystem(source, filepath.Dir(target)); err == nil && !same {
		return copyThenRemove(source, target)
	}

	if err := os.Rename(source, target); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			return copyThenRemove(source, target)
		}
		return fmt.Errorf("move file: %w", err)
	}
	return nil
}

func copyThenRemove(source, target string) error {
	if err := copyFileContents(source, target); err != nil {
		return fmt.Errorf("copy file across devices: %w", err)
	}
	if err := os.Remove(source); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

func copyFileContents(source, target string) error {
	src, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return fmt.Errorf("sync destination: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}

// pruneEmptyDirs removes now-empty parents of path, walking up to stop
// (exclusive). Removal stops at the first directory that is not empty.
func pruneEmptyDirs(path, stop string) {
	stop = filepath.Clean(stop)
	dir := filepath.Dir(filepath.Clean(path))

	for dir != stop && strings.HasPrefix(dir, stop+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
