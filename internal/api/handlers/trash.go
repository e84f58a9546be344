// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/services/trash"
)

// TrashHandler shows the staged contents of a library's trash with the time
// remaining before each entry is purged.
type TrashHandler struct {
	libraries *models.LibraryStore
	trash     *trash.Service
}

func NewTrashHandler(libraries *models.LibraryStore, svc *trash.Service) *TrashHandler {
	return &TrashHandler{libraries: libraries, trash: svc}
}

func (h *TrashHandler) Routes(r chi.Router) {
	r.Get("/", h.list)
}

func (h *TrashHandler) list(w http.ResponseWriter, r *http.Request) {
	libraryID, ok := ParseLibraryID(w, r)
	if !ok {
		return
	}

	lib, err := h.libraries.Get(r.Context(), libraryID)
	if err != nil {
		RespondStoreError(w, err, "Failed to get library")
		return
	}

	entries, err := h.trash.List(r.Context(), lib)
	if err != nil {
		RespondStoreError(w, err, "Failed to list trash")
		return
	}
	RespondJSON(w, http.StatusOK, entries)
}
