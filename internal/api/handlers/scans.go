// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/services/scanner"
)

// ScansHandler triggers scans and reports scan run history.
type ScansHandler struct {
	scanner *scanner.Service
}

func NewScansHandler(svc *scanner.Service) *ScansHandler {
	return &ScansHandler{scanner: svc}
}

func (h *ScansHandler) Routes(r chi.Router) {
	r.Post("/", h.trigger)
	r.Get("/", h.status)
	r.Get("/history", h.history)
}

// trigger starts a scan in the background. A scan can run for minutes on a
// large library, so the request only reports that the scan was accepted;
// concurrent triggers collapse into the running scan.
func (h *ScansHandler) trigger(w http.ResponseWriter, r *http.Request) {
	libraryID, ok := ParseLibraryID(w, r)
	if !ok {
		return
	}

	go func() {
		if _, err := h.scanner.Scan(context.Background(), libraryID); err != nil {
			if errors.Is(err, models.ErrScanRunAlreadyActive) {
				return
			}
			log.Error().Err(err).Int("libraryID", libraryID).Msg("triggered scan failed")
		}
	}()

	RespondJSON(w, http.StatusAccepted, map[string]string{"status": "scan started"})
}

// status returns the most recent scan run, which is the running one while a
// scan is in flight.
func (h *ScansHandler) status(w http.ResponseWriter, r *http.Request) {
	libraryID, ok := ParseLibraryID(w, r)
	if !ok {
		return
	}

	run, err := h.scanner.Status(r.Context(), libraryID)
	if err != nil {
		RespondStoreError(w, err, "Failed to get scan status")
		return
	}
	if run == nil {
		RespondError(w, http.StatusNotFound, "No scans recorded for this library")
		return
	}
	RespondJSON(w, http.StatusOK, run)
}

func (h *ScansHandler) history(w http.ResponseWriter, r *http.Request) {
	libraryID, ok := ParseLibraryID(w, r)
	if !ok {
		return
	}

	page := ParsePagination(r, 20, 200)
	runs, err := h.scanner.History(r.Context(), libraryID, page.Limit)
	if err != nil {
		RespondStoreError(w, err, "Failed to get scan history")
		return
	}
	RespondJSON(w, http.StatusOK, runs)
}
