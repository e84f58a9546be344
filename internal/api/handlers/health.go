// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Pinger is the slice of the database handle health checks need.
type Pinger interface {
	Conn() *sql.DB
}

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	db Pinger
}

func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) Routes(r chi.Router) {
	r.Get("/liveness", h.liveness)
	r.Get("/readiness", h.readiness)
}

func (h *HealthHandler) liveness(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *HealthHandler) readiness(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Conn().PingContext(r.Context()); err != nil {
		log.Error().Err(err).Msg("readiness check failed: database unreachable")
		RespondError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
