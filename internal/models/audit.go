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

// AuditOutcome records whether an action succeeded
type AuditOutcome string

const (
	AuditOutcomeSuccess AuditOutcome = "success"
	AuditOutcomeFailure AuditOutcome = "failure"
)

// Audit action names. One constant per lifecycle operation so log queries
// stay greppable.
const (
	AuditActionScan          = "scan"
	AuditActionPreview       = "preview"
	AuditActionConfirm       = "confirm"
	AuditActionTrash         = "trash"
	AuditActionRestore       = "restore"
	AuditActionPurge         = "purge"
	AuditActionRecovery      = "recovery"
	AuditActionSync          = "sync"
	AuditActionTorrentRemove = "torrent_remove"
	AuditActionPlexRefresh   = "plex_refresh"
	AuditActionArrNotify     = "arr_notify"
)

// ActorSystem marks entries written by scheduled jobs rather than a person.
const ActorSystem = "system"

// AuditRecord is one append-only entry in the action history
type AuditRecord struct {
	ID        int64          `json:"id"`
	LibraryID int            `json:"libraryId"`
	ItemID    *int64         `json:"itemId,omitempty"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Outcome   AuditOutcome   `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditStore appends to and reads from the audit log. There is deliberately
// no update or delete path here.
type AuditStore struct {
	db dbinterface.Querier
}

// NewAuditStore creates a new AuditStore
func NewAuditStore(db dbinterface.Querier) *AuditStore {
	return &AuditStore{db: db}
}

// Record appends a single audit entry
func (s *AuditStore) Record(ctx context.Context, rec *AuditRecord) error {
	if rec == nil {
		return errors.New("audit record is nil")
	}
	if rec.LibraryID == 0 {
		return errors.New("library ID is required")
	}
	if rec.Action == "" {
		return errors.New("action is required")
	}
	if rec.Actor == "" {
		rec.Actor = ActorSystem
	}
	if rec.Outcome == "" {
		rec.Outcome = AuditOutcomeSuccess
	}

	var detailsJSON sql.NullString
	if len(rec.Details) > 0 {
		data, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		detailsJSON = sql.NullString{String: string(data), Valid: true}
	}

	var itemID sql.NullInt64
	if rec.ItemID != nil {
		itemID = sql.NullInt64{Int64: *rec.ItemID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (library_id, item_id, action, actor, outcome, reason, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.LibraryID, itemID, rec.Action, rec.Actor, rec.Outcome, nullString(rec.Reason), detailsJSON)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	return nil
}

// AuditFilter narrows an audit log query. Zero values mean "any".
type AuditFilter struct {
	LibraryID int
	ItemID    int64
	Action    string
	Outcome   AuditOutcome
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// List returns audit entries matching the filter, newest first
func (s *AuditStore) List(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	query := `
		SELECT id, library_id, item_id, action, actor, outcome, reason, details_json, created_at
		FROM audit_log
		WHERE 1=1`
	var args []any

	if filter.LibraryID > 0 {
		query += " AND library_id = ?"
		args = append(args, filter.LibraryID)
	}
	if filter.ItemID > 0 {
		query += " AND item_id = ?"
		args = append(args, filter.ItemID)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, *filter.Until)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func scanAuditRecord(row sqlScanner) (*AuditRecord, error) {
	var rec AuditRecord
	var itemID sql.NullInt64
	var reason, detailsJSON sql.NullString

	err := row.Scan(
		&rec.ID, &rec.LibraryID, &itemID, &rec.Action, &rec.Actor,
		&rec.Outcome, &reason, &detailsJSON, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if itemID.Valid {
		rec.ItemID = &itemID.Int64
	}
	rec.Reason = reason.String

	if detailsJSON.Valid && detailsJSON.String != "" {
		if err := json.Unmarshal([]byte(detailsJSON.String), &rec.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
	}

	return &rec, nil
}
