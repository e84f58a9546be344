// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/services/actions"
)

// ActionsHandler drives the safe-action lifecycle: preview a plan, confirm
// it into a batch, execute the batch, and restore individual items.
type ActionsHandler struct {
	actions *actions.Service
	batches *models.ActionBatchStore
}

func NewActionsHandler(svc *actions.Service, batches *models.ActionBatchStore) *ActionsHandler {
	return &ActionsHandler{actions: svc, batches: batches}
}

// LibraryRoutes registers the per-library action endpoints.
func (h *ActionsHandler) LibraryRoutes(r chi.Router) {
	r.Route("/actions", func(r chi.Router) {
		r.Post("/preview", h.preview)
		r.Post("/confirm", h.confirm)
	})
	r.Get("/batches", h.listBatches)
}

// BatchRoutes registers the batch-scoped endpoints.
func (h *ActionsHandler) BatchRoutes(r chi.Router) {
	r.Get("/", h.getBatch)
	r.Post("/execute", h.execute)
}

// ItemRoutes registers the item-scoped action endpoints.
func (h *ActionsHandler) ItemRoutes(r chi.Router) {
	r.Post("/restore", h.restore)
}

type actionRequest struct {
	Action  models.ActionType `json:"action"`
	ItemIDs []int64           `json:"itemIds"`
}

func (h *ActionsHandler) preview(w http.ResponseWriter, r *http.Request) {
	libraryID, ok := ParseLibraryID(w, r)
	if !ok {
		return
	}

	var req actionRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	plan, err := h.actions.Preview(r.Context(), libraryID, req.Action, req.ItemIDs, Actor(r))
	if err != nil {
		RespondStoreError(w, err, "Failed to build preview")
		return
	}
	RespondJSON(w, http.StatusOK, plan)
}

func (h *ActionsHandler) confirm(w http.ResponseWriter, r *http.Request) {
	libraryID, ok := ParseLibraryID(w, r)
	if !ok {
		return
	}

	var req actionRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	batch, err := h.actions.Confirm(r.Context(), libraryID, req.Action, req.ItemIDs, Actor(r))
	if err != nil {
		RespondStoreError(w, err, "Failed to confirm batch")
		return
	}

	log.Info().
		Int("libraryID", libraryID).
		Int64("batchID", batch.ID).
		Int("items", len(batch.ItemIDs)).
		Msg("action batch confirmed")
	RespondJSON(w, http.StatusCreated, batch)
}

func (h *ActionsHandler) execute(w http.ResponseWriter, r *http.Request) {
	batchID, ok := ParseBatchID(w, r)
	if !ok {
		return
	}

	result, err := h.actions.Execute(r.Context(), batchID, Actor(r))
	if err != nil {
		RespondStoreError(w, err, "Failed to execute batch")
		return
	}

	log.Info().
		Int64("batchID", batchID).
		Int("staged", result.Staged).
		Int("failed", result.Failed).
		Msg("action batch executed")
	RespondJSON(w, http.StatusOK, result)
}

func (h *ActionsHandler) restore(w http.ResponseWriter, r *http.Request) {
	itemID, ok := ParseItemID(w, r)
	if !ok {
		return
	}

	item, err := h.actions.Restore(r.Context(), itemID, Actor(r))
	if err != nil {
		RespondStoreError(w, err, "Failed to restore item")
		return
	}

	log.Info().Int64("itemID", itemID).Str("path", item.RelPath).Msg("item restored")
	RespondJSON(w, http.StatusOK, item)
}

func (h *ActionsHandler) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := ParseBatchID(w, r)
	if !ok {
		return
	}

	batch, err := h.batches.Get(r.Context(), batchID)
	if err != nil {
		RespondStoreError(w, err, "Failed to get batch")
		return
	}
	RespondJSON(w, http.StatusOK, batch)
}

func (h *ActionsHandler) listBatches(w http.ResponseWriter, r *http.Request) {
	libraryID, ok := ParseLibraryID(w, r)
	if !ok {
		return
	}

	page := ParsePagination(r, 50, 500)
	batches, err := h.batches.ListByLibrary(r.Context(), libraryID, page.Limit)
	if err != nil {
		RespondStoreError(w, err, "Failed to list batches")
		return
	}
	RespondJSON(w, http.StatusOK, batches)
}
