// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/autobrr/warden/internal/dbinterface"
)

// ItemState represents the lifecycle state of a library item
type ItemState string

const (
	// ItemStateDiscovered is the initial state of a freshly scanned file.
	ItemStateDiscovered ItemState = "discovered"
	// ItemStatePreviewed means a dry-run covered the item. Previewing moves
	// nothing on disk; the state only records that the plan was shown.
	ItemStatePreviewed ItemState = "previewed"
	// ItemStateConfirmed means an actor pinned the item into an action batch.
	ItemStateConfirmed ItemState = "confirmed"
	// ItemStateTrashed means the file was staged into the library trash.
	ItemStateTrashed ItemState = "trashed"
	// ItemStatePurged is terminal. The file is gone and the row is a tombstone.
	ItemStatePurged ItemState = "purged"
	// ItemStateActive means the file is present and not part of any pending action.
	ItemStateActive ItemState = "active"
	// ItemStateMissing means the file vanished from disk outside of warden's control.
	ItemStateMissing ItemState = "missing"
)

// terminalItemStates is the single source of truth for terminal item states.
var terminalItemStates = map[ItemState]struct{}{
	ItemStatePurged: {},
}

// validItemStates contains all recognized item states for validation.
var validItemStates = map[ItemState]struct{}{
	ItemStateDiscovered: {},
	ItemStatePreviewed:  {},
	ItemStateConfirmed:  {},
	ItemStateTrashed:    {},
	ItemStatePurged:     {},
	ItemStateActive:     {},
	ItemStateMissing:    {},
}

// validItemTransitions maps each state to the states it may move to.
// Missing is reachable from every pre-trash state; restore is the only
// reverse edge out of trashed.
var validItemTransitions = map[ItemState][]ItemState{
	ItemStateDiscovered: {ItemStatePreviewed, ItemStateConfirmed, ItemStateMissing},
	ItemStatePreviewed:  {ItemStateConfirmed, ItemStateMissing},
	ItemStateConfirmed:  {ItemStateTrashed, ItemStateMissing},
	ItemStateActive:     {ItemStatePreviewed, ItemStateConfirmed, ItemStateMissing},
	ItemStateTrashed:    {ItemStatePurged, ItemStateActive},
	ItemStateMissing:    {ItemStateActive},
	ItemStatePurged:     {},
}

// IsTerminal returns true if the state permits no further transitions
func (s ItemState) IsTerminal() bool {
	_, ok := terminalItemStates[s]
	return ok
}

// IsValid returns true if the state is a recognized item state.
func (s ItemState) IsValid() bool {
	_, ok := validItemStates[s]
	return ok
}

// CanTransitionTo returns true if moving from s to target is allowed.
func (s ItemState) CanTransitionTo(target ItemState) bool {
	for _, next := range validItemTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

var (
	// ErrItemNotFound is returned when an item lookup matches no row.
	ErrItemNotFound = errors.New("item not found")
	// ErrStateConflict is returned when a guarded transition finds the item
	// in a different state than the caller expected.
	ErrStateConflict = errors.New("item state conflict")
	// ErrInvalidTransition is returned when the requested transition is not
	// part of the lifecycle graph at all.
	ErrInvalidTransition = errors.New("invalid item state transition")
)

// MediaInfo holds the technical metadata extracted by the probe tool.
type MediaInfo struct {
	DurationSeconds float64 `json:"durationSeconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Codec           string  `json:"codec,omitempty"`
}

// Item represents a single media file tracked within a library
type Item struct {
	ID          int64     `json:"id"`
	LibraryID   int       `json:"libraryId"`
	RelPath     string    `json:"relPath"`
	SizeBytes   int64     `json:"sizeBytes"`
	ModTime     time.Time `json:"modTime"`
	ContentHash string    `json:"contentHash,omitempty"`
	State       ItemState `json:"state"`

	// Set only while the item lives in the trash namespace
	TrashPath string     `json:"trashPath,omitempty"`
	TrashedAt *time.Time `json:"trashedAt,omitempty"`
	PurgedAt  *time.Time `json:"purgedAt,omitempty"`

	MissingSince *time.Time `json:"missingSince,omitempty"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`

	// Probe results, nil until the async probe has run
	Probe *MediaInfo `json:"probe,omitempty"`

	// Release naming parsed from the filename
	ReleaseTitle      string `json:"releaseTitle,omitempty"`
	ReleaseYear       int    `json:"releaseYear,omitempty"`
	ReleaseResolution string `json:"releaseResolution,omitempty"`

	// External metadata keyed by integration name
	Annotations map[string]map[string]any `json:"annotations,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ItemStore handles database operations for items
type ItemStore struct {
	db dbinterface.TxBeginner
}

// NewItemStore creates a new ItemStore
func NewItemStore(db dbinterface.TxBeginner) *ItemStore {
	return &ItemStore{db: db}
}

const itemColumns = `id, library_id, rel_path, size_bytes, mod_time, content_hash, state,
	trash_path, trashed_at, purged_at, missing_since, last_seen_at,
	probe_duration_seconds, probe_width, probe_height, probe_codec,
	release_title, release_year, release_resolution, annotations_json,
	created_at, updated_at`

// Create inserts a new item record
func (s *ItemStore) Create(ctx context.Context, item *Item) (*Item, error) {
	if item == nil {
		return nil, errors.New("item is nil")
	}
	if item.LibraryID == 0 {
		return nil, errors.New("library ID is required")
	}
	if item.RelPath == "" {
		return nil, errors.New("relative path is required")
	}
	if item.State == "" {
		item.State = ItemStateDiscovered
	}
	if !item.State.IsValid() {
		return nil, fmt.Errorf("unknown item state %q", item.State)
	}

	annotationsJSON, err := marshalAnnotations(item.Annotations)
	if err != nil {
		return nil, err
	}

	var releaseYear sql.NullInt64
	if item.ReleaseYear > 0 {
		releaseYear = sql.NullInt64{Int64: int64(item.ReleaseYear), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO items (
			library_id, rel_path, size_bytes, mod_time, content_hash, state,
			last_seen_at, release_title, release_year, release_resolution, annotations_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.LibraryID, item.RelPath, item.SizeBytes, item.ModTime, nullString(item.ContentHash),
		item.State, nullTime(item.LastSeenAt),
		nullString(item.ReleaseTitle), releaseYear, nullString(item.ReleaseResolution),
		annotationsJSON,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, fmt.Errorf("item %q already exists in library %d: %w", item.RelPath, item.LibraryID, err)
		}
		return nil, fmt.Errorf("failed to insert item: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return s.Get(ctx, id)
}

// Get retrieves an item by ID
func (s *ItemStore) Get(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE id = ?
	`, id)

	return scanItem(row)
}

// GetByPath retrieves an item by its library-relative path
func (s *ItemStore) GetByPath(ctx context.Context, libraryID int, relPath string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE library_id = ? AND rel_path = ?
	`, libraryID, relPath)

	return scanItem(row)
}

// ListByLibrary returns every item of a library, tombstones included.
// The scanner loads this once per run to reconcile against the filesystem.
func (s *ItemStore) ListByLibrary(ctx context.Context, libraryID int) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE library_id = ?
		ORDER BY rel_path ASC
	`, libraryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListByStates returns items of a library in any of the given states
func (s *ItemStore) ListByStates(ctx context.Context, libraryID int, states []ItemState, limit, offset int) ([]*Item, error) {
	if len(states) == 0 {
		return []*Item{}, nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + itemColumns + `
		FROM items
		WHERE library_id = ? AND state IN (`

	args := []any{libraryID}
	for i, state := range states {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, state)
	}
	query += `) ORDER BY rel_path ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListTrashedBefore returns trashed items whose trashed_at is at or before
// the cutoff. The purge sweep uses this to find retention-expired items.
func (s *ItemStore) ListTrashedBefore(ctx context.Context, libraryID int, cutoff time.Time) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE library_id = ? AND state = ? AND trashed_at IS NOT NULL AND trashed_at <= ?
		ORDER BY trashed_at ASC
	`, libraryID, ItemStateTrashed, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanItems(rows)
}

// Transition moves an item between states with an optimistic concurrency
// guard. The UPDATE only matches when the row still holds the expected
// source state; zero affected rows means another actor got there first and
// the caller receives ErrStateConflict.
func (s *ItemStore) Transition(ctx context.Context, id int64, from, to ItemState) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?
	`, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to transition item %d: %w", id, err)
	}

	return s.checkTransitioned(ctx, res, id, from)
}

// MarkTrashed transitions an item to trashed and records where it went.
// Called after the filesystem move succeeded, never before.
func (s *ItemStore) MarkTrashed(ctx context.Context, id int64, from ItemState, trashPath string, trashedAt time.Time) error {
	if !from.CanTransitionTo(ItemStateTrashed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, ItemStateTrashed)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET state = ?, trash_path = ?, trashed_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?
	`, ItemStateTrashed, trashPath, trashedAt, id, from)
	if err != nil {
		return fmt.Errorf("failed to mark item %d trashed: %w", id, err)
	}

	return s.checkTransitioned(ctx, res, id, from)
}

// MarkPurged transitions a trashed item to its terminal tombstone state.
// The trash path is kept on the row for audit cross-referencing.
func (s *ItemStore) MarkPurged(ctx context.Context, id int64, purgedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET state = ?, purged_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?
	`, ItemStatePurged, purgedAt, id, ItemStateTrashed)
	if err != nil {
		return fmt.Errorf("failed to mark item %d purged: %w", id, err)
	}

	return s.checkTransitioned(ctx, res, id, ItemStateTrashed)
}

// MarkRestored moves a trashed item back to active and clears its trash
// bookkeeping. Called after the file is back at its active path.
func (s *ItemStore) MarkRestored(ctx context.Context, id int64, restoredAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET state = ?, trash_path = NULL, trashed_at = NULL,
			last_seen_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?
	`, ItemStateActive, restoredAt, id, ItemStateTrashed)
	if err != nil {
		return fmt.Errorf("failed to mark item %d restored: %w", id, err)
	}

	return s.checkTransitioned(ctx, res, id, ItemStateTrashed)
}

// MarkMissing flags an item whose file vanished outside of warden's control
func (s *ItemStore) MarkMissing(ctx context.Context, id int64, from ItemState, missingSince time.Time) error {
	if !from.CanTransitionTo(ItemStateMissing) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, ItemStateMissing)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET state = ?, missing_since = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?
	`, ItemStateMissing, missingSince, id, from)
	if err != nil {
		return fmt.Errorf("failed to mark item %d missing: %w", id, err)
	}

	return s.checkTransitioned(ctx, res, id, from)
}

// MarkReappeared moves a missing item back to active after its file showed
// up again, refreshing the fingerprint at the same time.
func (s *ItemStore) MarkReappeared(ctx context.Context, id int64, sizeBytes int64, modTime, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET state = ?, missing_since = NULL, size_bytes = ?, mod_time = ?,
			last_seen_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?
	`, ItemStateActive, sizeBytes, modTime, seenAt, id, ItemStateMissing)
	if err != nil {
		return fmt.Errorf("failed to mark item %d reappeared: %w", id, err)
	}

	return s.checkTransitioned(ctx, res, id, ItemStateMissing)
}

func (s *ItemStore) checkTransitioned(ctx context.Context, res sql.Result, id int64, from ItemState) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Distinguish a vanished row from a concurrent state change
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: item %d is %s, expected %s", ErrStateConflict, id, current.State, from)
}

// UpdateSeen refreshes an item's fingerprint and last-seen timestamp
func (s *ItemStore) UpdateSeen(ctx context.Context, id int64, sizeBytes int64, modTime, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET size_bytes = ?, mod_time = ?, last_seen_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, sizeBytes, modTime, seenAt, id)
	if err != nil {
		return fmt.Errorf("failed to update item %d: %w", id, err)
	}
	return requireAffected(res)
}

// UpdateContentHash stores a freshly computed content hash
func (s *ItemStore) UpdateContentHash(ctx context.Context, id int64, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET content_hash = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, nullString(hash), id)
	if err != nil {
		return fmt.Errorf("failed to update item %d hash: %w", id, err)
	}
	return requireAffected(res)
}

// UpdateRelPath rewrites an item's relative path after a detected rename,
// preserving its state and history.
func (s *ItemStore) UpdateRelPath(ctx context.Context, id int64, relPath string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET rel_path = ?, last_seen_at = ?, missing_since = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, relPath, seenAt, id)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("path %q already tracked: %w", relPath, err)
		}
		return fmt.Errorf("failed to update item %d path: %w", id, err)
	}
	return requireAffected(res)
}

// SetMediaInfo stores async probe results
func (s *ItemStore) SetMediaInfo(ctx context.Context, id int64, info MediaInfo) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET probe_duration_seconds = ?, probe_width = ?, probe_height = ?,
			probe_codec = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, info.DurationSeconds, info.Width, info.Height, nullString(info.Codec), id)
	if err != nil {
		return fmt.Errorf("failed to set media info for item %d: %w", id, err)
	}
	return requireAffected(res)
}

// MergeAnnotations folds facts from one integration into the item's
// annotation map. Other integrations' keys are left untouched.
func (s *ItemStore) MergeAnnotations(ctx context.Context, id int64, source string, facts map[string]any) error {
	if source == "" {
		return errors.New("annotation source is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT annotations_json FROM items WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrItemNotFound
		}
		return err
	}

	annotations := make(map[string]map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &annotations); err != nil {
			return fmt.Errorf("failed to unmarshal annotations for item %d: %w", id, err)
		}
	}
	annotations[source] = facts

	merged, err := marshalAnnotations(annotations)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE items SET annotations_json = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, merged, id); err != nil {
		return fmt.Errorf("failed to update annotations for item %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// StateCount is one row of the per-library state histogram
type StateCount struct {
	LibraryID int       `json:"libraryId"`
	State     ItemState `json:"state"`
	Count     int64     `json:"count"`
}

// CountByStates returns item counts grouped by library and state
func (s *ItemStore) CountByStates(ctx context.Context) ([]StateCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT library_id, state, COUNT(*)
		FROM items
		GROUP BY library_id, state
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []StateCount
	for rows.Next() {
		var c StateCount
		if err := rows.Scan(&c.LibraryID, &c.State, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}

	return counts, rows.Err()
}

// TrashUsage is the total staged trash per library.
type TrashUsage struct {
	LibraryID int   `json:"libraryId"`
	Items     int64 `json:"items"`
	Bytes     int64 `json:"bytes"`
}

// TrashUsageByLibrary sums the size of items currently staged in trash.
func (s *ItemStore) TrashUsageByLibrary(ctx context.Context) ([]TrashUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT library_id, COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM items
		WHERE state = ?
		GROUP BY library_id
	`, ItemStateTrashed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usage []TrashUsage
	for rows.Next() {
		var u TrashUsage
		if err := rows.Scan(&u.LibraryID, &u.Items, &u.Bytes); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}

	return usage, rows.Err()
}

func requireAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrItemNotFound
	}
	return nil
}

func marshalAnnotations(annotations map[string]map[string]any) (string, error) {
	if len(annotations) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(annotations)
	if err != nil {
		return "", fmt.Errorf("failed to marshal annotations: %w", err)
	}
	return string(data), nil
}

// scanItem scans a single item row
func scanItem(row sqlScanner) (*Item, error) {
	var item Item
	var contentHash, trashPath, probeCodec sql.NullString
	var releaseTitle, releaseResolution sql.NullString
	var releaseYear sql.NullInt64
	var trashedAt, purgedAt, missingSince, lastSeenAt sql.NullTime
	var modTime sql.NullTime
	var probeDuration sql.NullFloat64
	var probeWidth, probeHeight sql.NullInt64
	var annotationsJSON string

	err := row.Scan(
		&item.ID, &item.LibraryID, &item.RelPath, &item.SizeBytes, &modTime, &contentHash, &item.State,
		&trashPath, &trashedAt, &purgedAt, &missingSince, &lastSeenAt,
		&probeDuration, &probeWidth, &probeHeight, &probeCodec,
		&releaseTitle, &releaseYear, &releaseResolution, &annotationsJSON,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}

	if modTime.Valid {
		item.ModTime = modTime.Time
	}
	item.ContentHash = contentHash.String
	item.TrashPath = trashPath.String
	if trashedAt.Valid {
		item.TrashedAt = &trashedAt.Time
	}
	if purgedAt.Valid {
		item.PurgedAt = &purgedAt.Time
	}
	if missingSince.Valid {
		item.MissingSince = &missingSince.Time
	}
	if lastSeenAt.Valid {
		item.LastSeenAt = &lastSeenAt.Time
	}

	if probeDuration.Valid || probeWidth.Valid || probeHeight.Valid || probeCodec.Valid {
		item.Probe = &MediaInfo{
			DurationSeconds: probeDuration.Float64,
			Width:           int(probeWidth.Int64),
			Height:          int(probeHeight.Int64),
			Codec:           probeCodec.String,
		}
	}

	item.ReleaseTitle = releaseTitle.String
	if releaseYear.Valid {
		item.ReleaseYear = int(releaseYear.Int64)
	}
	item.ReleaseResolution = releaseResolution.String

	if annotationsJSON != "" && annotationsJSON != "{}" {
		if err := json.Unmarshal([]byte(annotationsJSON), &item.Annotations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal annotations: %w", err)
		}
	}

	return &item, nil
}

// scanItems scans multiple item rows
func scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}
