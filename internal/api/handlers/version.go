// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/buildinfo"
	"github.com/autobrr/warden/internal/update"
)

// VersionHandler reports the running build, the latest available release,
// and triggers self-updates.
type VersionHandler struct {
	updateService *update.Service
}

func NewVersionHandler(updateService *update.Service) *VersionHandler {
	return &VersionHandler{updateService: updateService}
}

func (h *VersionHandler) Routes(r chi.Router) {
	r.Get("/", h.current)
	r.Get("/latest", h.latest)
	r.Post("/update", h.triggerSelfUpdate)
}

func (h *VersionHandler) current(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{
		"version": buildinfo.Version,
		"commit":  buildinfo.Commit,
		"date":    buildinfo.Date,
	})
}

// LatestVersionResponse describes the newest available release.
type LatestVersionResponse struct {
	TagName             string `json:"tag_name"`
	Name                string `json:"name,omitempty"`
	Body                string `json:"body,omitempty"`
	HTMLURL             string `json:"html_url"`
	PublishedAt         string `json:"published_at"`
	SelfUpdateSupported bool   `json:"self_update_supported"`
}

func (h *VersionHandler) latest(w http.ResponseWriter, r *http.Request) {
	release := h.updateService.GetLatestRelease(r.Context())
	if release == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	response := LatestVersionResponse{
		TagName:             release.TagName,
		HTMLURL:             release.HTMLURL,
		PublishedAt:         release.PublishedAt.Format("2006-01-02T15:04:05Z"),
		SelfUpdateSupported: h.updateService.CanSelfUpdate(),
	}
	if release.Name != nil {
		response.Name = *release.Name
	}
	if release.Body != nil {
		response.Body = *release.Body
	}

	RespondJSON(w, http.StatusOK, response)
}

// triggerSelfUpdate downloads the latest release and schedules a restart when supported.
func (h *VersionHandler) triggerSelfUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())

	if !h.updateService.CanSelfUpdate() {
		RespondError(w, http.StatusBadRequest, update.ErrSelfUpdateUnsupported.Error())
		return
	}

	if err := h.updateService.RunSelfUpdate(ctx); err != nil {
		if errors.Is(err, update.ErrSelfUpdateUnsupported) {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}

		log.Error().Err(err).Msg("failed to run self-update")
		RespondError(w, http.StatusInternalServerError, "failed to run self-update")
		return
	}

	RespondJSON(w, http.StatusAccepted, map[string]string{
		"message": "Update installed. warden will restart shortly.",
	})

	go func() {
		time.Sleep(2 * time.Second)
		log.Info().Msg("restarting process after self-update")

		execPath, err := os.Executable()
		if err != nil {
			log.Error().Err(err).Msg("failed to get executable path for restart")
			os.Exit(1)
			return
		}

		execPath, err = exec.LookPath(execPath)
		if err != nil {
			log.Error().Err(err).Msg("failed to resolve executable path")
			os.Exit(1)
			return
		}

		if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
			log.Error().Err(err).Msg("failed to restart process after update")
			os.Exit(1)
		}
	}()
}
