// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/services/trash"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
	}
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error: message,
	})
}

// DecodeJSON decodes the request body into the provided struct.
// Returns false if decoding fails (error already sent to client).
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// DecodeJSONOptional decodes the request body into the provided struct.
// Returns true if decoding succeeds or body is empty (io.EOF).
// Returns false only on actual decode errors (error already sent to client).
func DecodeJSONOptional[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil && err != io.EOF {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// ParseIntParam extracts and validates a generic integer URL parameter.
// Returns the value and true on success, or 0 and false if invalid (error already sent).
// The displayName is used in error messages (e.g., "library ID" for user-friendly output).
func ParseIntParam(w http.ResponseWriter, r *http.Request, paramName, displayName string) (int, bool) {
	str, ok := ParseStringParam(w, r, paramName, displayName)
	if !ok {
		return 0, false
	}
	value, err := strconv.Atoi(str)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid "+displayName)
		return 0, false
	}
	return value, true
}

// ParseIntParam64 extracts and validates a generic int64 URL parameter.
// Returns the value and true on success, or 0 and false if invalid (error already sent).
func ParseIntParam64(w http.ResponseWriter, r *http.Request, paramName, displayName string) (int64, bool) {
	str, ok := ParseStringParam(w, r, paramName, displayName)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid "+displayName)
		return 0, false
	}
	return value, true
}

// ParseStringParam extracts and validates a generic string URL parameter.
// The value is trimmed of whitespace before validation.
// Returns the trimmed value and true on success, or empty string and false if missing (error already sent).
func ParseStringParam(w http.ResponseWriter, r *http.Request, paramName, displayName string) (string, bool) {
	value := strings.TrimSpace(chi.URLParam(r, paramName))
	if value == "" {
		RespondError(w, http.StatusBadRequest, displayName+" is required")
		return "", false
	}
	return value, true
}

// ParseLibraryID extracts and validates the libraryID from URL parameters.
func ParseLibraryID(w http.ResponseWriter, r *http.Request) (int, bool) {
	return ParseIntParam(w, r, "libraryID", "library ID")
}

// ParseItemID extracts and validates the itemID from URL parameters.
func ParseItemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return ParseIntParam64(w, r, "itemID", "item ID")
}

// ParseBatchID extracts and validates the batchID from URL parameters.
func ParseBatchID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return ParseIntParam64(w, r, "batchID", "batch ID")
}

// PaginationParams holds parsed pagination parameters.
type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePagination extracts and validates pagination parameters from query string.
// Uses provided defaults and enforces maxLimit. Invalid values are silently ignored.
func ParsePagination(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	p := PaginationParams{Limit: defaultLimit, Offset: 0}

	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			if parsed > maxLimit {
				parsed = maxLimit
			}
			p.Limit = parsed
		}
	}

	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			p.Offset = parsed
		}
	}

	return p
}

// Actor resolves who is performing a state-changing request. The header is
// optional; unattributed requests are recorded as "api".
func Actor(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Warden-Actor")); actor != "" {
		return actor
	}
	return "api"
}

// RespondStoreError maps the store and trash sentinel errors onto HTTP
// statuses: not-found sentinels become 404, conflicts become 409, anything
// else falls back to 500 with the given message.
func RespondStoreError(w http.ResponseWriter, err error, fallbackMessage string) {
	switch {
	case errors.Is(err, models.ErrLibraryNotFound),
		errors.Is(err, models.ErrItemNotFound),
		errors.Is(err, models.ErrBatchNotFound),
		errors.Is(err, sql.ErrNoRows):
		RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrLibraryExists),
		errors.Is(err, models.ErrStateConflict),
		errors.Is(err, models.ErrBatchAlreadyExecuted),
		errors.Is(err, models.ErrScanRunAlreadyActive),
		errors.Is(err, trash.ErrDestinationOccupied),
		errors.Is(err, trash.ErrNotInTrash),
		errors.Is(err, trash.ErrSourceMissing):
		RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		RespondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Error().Err(err).Msg(fallbackMessage)
		RespondError(w, http.StatusInternalServerError, fallbackMessage)
	}
}
