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

// ActionType names the destructive action a batch performs
type ActionType string

const (
	ActionTrash ActionType = "trash"
)

// IsValid returns true if the action is recognized.
func (a ActionType) IsValid() bool {
	return a == ActionTrash
}

var (
	// ErrBatchNotFound is returned when a batch lookup matches no row.
	ErrBatchNotFound = errors.New("action batch not found")
	// ErrBatchAlreadyExecuted is returned when execute is called twice on
	// the same batch.
	ErrBatchAlreadyExecuted = errors.New("action batch already executed")
)

// ActionBatch is a confirmed set of items. The set is pinned at confirmation
// time; execution replays exactly these IDs and never a re-evaluated filter.
type ActionBatch struct {
	ID         int64      `json:"id"`
	LibraryID  int        `json:"libraryId"`
	Action     ActionType `json:"action"`
	Actor      string     `json:"actor"`
	ItemIDs    []int64    `json:"itemIds"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
}

// ActionBatchStore handles database operations for action batches
type ActionBatchStore struct {
	db dbinterface.Querier
}

// NewActionBatchStore creates a new ActionBatchStore
func NewActionBatchStore(db dbinterface.Querier) *ActionBatchStore {
	return &ActionBatchStore{db: db}
}

// Create pins a confirmed batch
func (s *ActionBatchStore) Create(ctx context.Context, libraryID int, action ActionType, actor string, itemIDs []int64) (*ActionBatch, error) {
	if libraryID == 0 {
		return nil, errors.New("library ID is required")
	}
	if !action.IsValid() {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	if actor == "" {
		return nil, errors.New("actor is required")
	}
	if len(itemIDs) == 0 {
		return nil, errors.New("item IDs are required")
	}

	idsJSON, err := json.Marshal(itemIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item IDs: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO action_batches (library_id, action, actor, item_ids_json)
		VALUES (?, ?, ?, ?)
	`, libraryID, action, actor, string(idsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to insert action batch: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return s.Get(ctx, id)
}

// Get retrieves a batch by ID
func (s *ActionBatchStore) Get(ctx context.Context, id int64) (*ActionBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, library_id, action, actor, item_ids_json, created_at, executed_at
		FROM action_batches
		WHERE id = ?
	`, id)

	return scanActionBatch(row)
}

// MarkExecuted stamps a batch as executed. The executed_at guard makes a
// second execute attempt fail instead of replaying the batch.
func (s *ActionBatchStore) MarkExecuted(ctx context.Context, id int64, executedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE action_batches SET executed_at = ?
		WHERE id = ? AND executed_at IS NULL
	`, executedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark batch %d executed: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrBatchAlreadyExecuted
}

// ListByLibrary lists recent batches for a library, newest first
func (s *ActionBatchStore) ListByLibrary(ctx context.Context, libraryID, limit int) ([]*ActionBatch, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, library_id, action, actor, item_ids_json, created_at, executed_at
		FROM action_batches
		WHERE library_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, libraryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*ActionBatch
	for rows.Next() {
		batch, err := scanActionBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}

	return batches, rows.Err()
}

// ListPending lists batches confirmed but not yet executed, oldest first
func (s *ActionBatchStore) ListPending(ctx context.Context, libraryID int) ([]*ActionBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, library_id, action, actor, item_ids_json, created_at, executed_at
		FROM action_batches
		WHERE library_id = ? AND executed_at IS NULL
		ORDER BY id ASC
	`, libraryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*ActionBatch
	for rows.Next() {
		batch, err := scanActionBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}

	return batches, rows.Err()
}

func scanActionBatch(row sqlScanner) (*ActionBatch, error) {
	var batch ActionBatch
	var idsJSON string
	var executedAt sql.NullTime

	err := row.Scan(&batch.ID, &batch.LibraryID, &batch.Action, &batch.Actor, &idsJSON, &batch.CreatedAt, &executedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}

	if executedAt.Valid {
		batch.ExecutedAt = &executedAt.Time
	}

	if idsJSON != "" {
		if err := json.Unmarshal([]byte(idsJSON), &batch.ItemIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item IDs: %w", err)
		}
	}

	return &batch, nil
}
