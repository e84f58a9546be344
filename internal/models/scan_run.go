// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/autobrr/warden/internal/dbinterface"
)

// ScanRunStatus represents the status of a scan run
type ScanRunStatus string

const (
	ScanRunStatusRunning     ScanRunStatus = "running"
	ScanRunStatusCompleted   ScanRunStatus = "completed"
	ScanRunStatusFailed      ScanRunStatus = "failed"
	ScanRunStatusInterrupted ScanRunStatus = "interrupted"
)

// ErrScanRunAlreadyActive is returned when attempting to start a scan while
// one is already running for the same library.
var ErrScanRunAlreadyActive = errors.New("an active scan run already exists for this library")

// ScanCounts aggregates what one scan run observed. ItemsMissing counts
// files that vanished this run; ItemsMissingOverdue counts items whose file
// has been gone longer than the library's missing grace period.
type ScanCounts struct {
	FilesSeen           int `json:"filesSeen"`
	ItemsNew            int `json:"itemsNew"`
	ItemsUpdated        int `json:"itemsUpdated"`
	ItemsMissing        int `json:"itemsMissing"`
	ItemsMissingOverdue int `json:"itemsMissingOverdue"`
	RenamesDetected     int `json:"renamesDetected"`
}

// ScanRun is one recorded scanner pass over a library
type ScanRun struct {
	ID         int64         `json:"id"`
	LibraryID  int           `json:"libraryId"`
	Status     ScanRunStatus `json:"status"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	ScanCounts
	Error string `json:"error,omitempty"`
}

// ScanRunStore handles database operations for scan runs
type ScanRunStore struct {
	db dbinterface.Querier
}

// NewScanRunStore creates a new ScanRunStore
func NewScanRunStore(db dbinterface.Querier) *ScanRunStore {
	return &ScanRunStore{db: db}
}

// CreateRunIfNoActive atomically checks for a running scan and creates a new
// one if none exists. The guarded insert keeps two concurrent triggers from
// both starting work on the same library.
func (s *ScanRunStore) CreateRunIfNoActive(ctx context.Context, libraryID int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_runs (library_id, status)
		SELECT ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM scan_runs
			WHERE library_id = ? AND status = ?
		)
	`, libraryID, ScanRunStatusRunning, libraryID, ScanRunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("insert scan run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, ErrScanRunAlreadyActive
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	return id, nil
}

// CompleteRun finalizes a run with its counters
func (s *ScanRunStore) CompleteRun(ctx context.Context, runID int64, counts ScanCounts) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_runs SET status = ?, finished_at = CURRENT_TIMESTAMP,
			files_seen = ?, items_new = ?, items_updated = ?, items_missing = ?,
			items_missing_overdue = ?, renames_detected = ?
		WHERE id = ?
	`, ScanRunStatusCompleted,
		counts.FilesSeen, counts.ItemsNew, counts.ItemsUpdated, counts.ItemsMissing,
		counts.ItemsMissingOverdue, counts.RenamesDetected,
		runID)
	if err != nil {
		return fmt.Errorf("complete scan run %d: %w", runID, err)
	}
	return nil
}

// FailRun finalizes a run with an error message
func (s *ScanRunStore) FailRun(ctx context.Context, runID int64, errorMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_runs SET status = ?, finished_at = CURRENT_TIMESTAMP, error = ?
		WHERE id = ?
	`, ScanRunStatusFailed, nullString(errorMsg), runID)
	if err != nil {
		return fmt.Errorf("fail scan run %d: %w", runID, err)
	}
	return nil
}

// MarkInterrupted flags runs left in running state by a previous process.
// Called once at startup before the scheduler begins.
func (s *ScanRunStore) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_runs SET status = ?, finished_at = CURRENT_TIMESTAMP, error = ?
		WHERE status = ?
	`, ScanRunStatusInterrupted, "interrupted by restart", ScanRunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted scan runs: %w", err)
	}

	return res.RowsAffected()
}

// GetRun retrieves a run by ID. Returns nil when no run matches.
func (s *ScanRunStore) GetRun(ctx context.Context, runID int64) (*ScanRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, library_id, status, started_at, finished_at,
		       files_seen, items_new, items_updated, items_missing, items_missing_overdue,
		       renames_detected, error
		FROM scan_runs
		WHERE id = ?
	`, runID)

	run, err := scanScanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns lists recent runs for a library, newest first
func (s *ScanRunStore) ListRuns(ctx context.Context, libraryID, limit int) ([]*ScanRun, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, library_id, status, started_at, finished_at,
		       files_seen, items_new, items_updated, items_missing, items_missing_overdue,
		       renames_detected, error
		FROM scan_runs
		WHERE library_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, libraryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScanRun
	for rows.Next() {
		run, err := scanScanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func scanScanRun(row sqlScanner) (*ScanRun, error) {
	var run ScanRun
	var finishedAt sql.NullTime
	var errorMsg sql.NullString

	if err := row.Scan(
		&run.ID,
		&run.LibraryID,
		&run.Status,
		&run.StartedAt,
		&finishedAt,
		&run.FilesSeen,
		&run.ItemsNew,
		&run.ItemsUpdated,
		&run.ItemsMissing,
		&run.ItemsMissingOverdue,
		&run.RenamesDetected,
		&errorMsg,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run columns: %w", err)
	}

	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	run.Error = errorMsg.String

	return &run, nil
}
