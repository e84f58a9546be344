// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/autobrr/warden/internal/models"
)

// AuditHandler queries the append-only audit trail.
type AuditHandler struct {
	audit *models.AuditStore
}

func NewAuditHandler(audit *models.AuditStore) *AuditHandler {
	return &AuditHandler{audit: audit}
}

func (h *AuditHandler) Routes(r chi.Router) {
	r.Get("/", h.list)
}

func (h *AuditHandler) list(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseAuditFilter(w, r)
	if !ok {
		return
	}

	records, err := h.audit.List(r.Context(), filter)
	if err != nil {
		RespondStoreError(w, err, "Failed to query audit records")
		return
	}
	RespondJSON(w, http.StatusOK, records)
}

func parseAuditFilter(w http.ResponseWriter, r *http.Request) (models.AuditFilter, bool) {
	q := r.URL.Query()
	page := ParsePagination(r, 100, 1000)

	filter := models.AuditFilter{
		Action:  q.Get("action"),
		Outcome: models.AuditOutcome(q.Get("outcome")),
		Limit:   page.Limit,
		Offset:  page.Offset,
	}

	if v := q.Get("libraryId"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid library ID")
			return filter, false
		}
		filter.LibraryID = id
	}

	if v := q.Get("itemId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid item ID")
			return filter, false
		}
		filter.ItemID = id
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid since timestamp, expected RFC3339")
			return filter, false
		}
		filter.Since = &t
	}

	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid until timestamp, expected RFC3339")
			return filter, false
		}
		filter.Until = &t
	}

	return filter, true
}
