// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/warden/internal/models"
)

// LibrariesHandler exposes library CRUD plus declarative YAML import/export.
type LibrariesHandler struct {
	store *models.LibraryStore
}

func NewLibrariesHandler(store *models.LibraryStore) *LibrariesHandler {
	return &LibrariesHandler{store: store}
}

// Routes registers the library endpoints. The nested callback attaches the
// library-scoped subresources (items, trash, scans, actions) under
// /{libraryID} so the whole subtree is wired in one place.
func (h *LibrariesHandler) Routes(r chi.Router, nested func(chi.Router)) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/export", h.exportYAML)
	r.Post("/import", h.importYAML)

	r.Route("/{libraryID}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Put("/", h.update)
		r.Delete("/", h.delete)

		if nested != nil {
			nested(r)
		}
	})
}

func (h *LibrariesHandler) list(w http.ResponseWriter, r *http.Request) {
	libraries, err := h.store.List(r.Context())
	if err != nil {
		RespondStoreError(w, err, "Failed to list libraries")
		return
	}
	RespondJSON(w, http.StatusOK, libraries)
}

func (h *LibrariesHandler) create(w http.ResponseWriter, r *http.Request) {
	var lib models.Library
	if !DecodeJSON(w, r, &lib) {
		return
	}

	created, err := h.store.Create(r.Context(), &lib)
	if err != nil {
		if errors.Is(err, models.ErrLibraryExists) {
			RespondError(w, http.StatusConflict, err.Error())
			return
		}
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Int("libraryID", created.ID).Str("name", created.Name).Msg("library created")
	RespondJSON(w, http.StatusCreated, created)
}

func (h *LibrariesHandler) get(w http.ResponseWriter, r *http.Request) {
	libraryID, ok := ParseLibraryID(w, r)
	if !ok {
		return
	}

	lib, err := h.store.Get(r.Context(), libraryID)
	if err != nil {
		RespondStoreError(w, err, "Failed to get library")
		return
	}
	RespondJSON(w, http.StatusOK, lib)
}

func (h *LibrariesHandler) update(w http.ResponseWriter, r *http.Request) {
	libraryID, ok := ParseLibraryID(w, r)
	if !ok {
		return
	}

	var lib models.Library
	if !DecodeJSON(w, r, &lib) {
		return
	}
	lib.ID = libraryID

	updated, err := h.store.Update(r.Context(), &lib)
	if err != nil {
		RespondStoreError(w, err, "Failed to update library")
		return
	}

	log.Info().Int("libraryID", updated.ID).Str("name", updated.Name).Msg("library updated")
	RespondJSON(w, http.StatusOK, updated)
}

func (h *LibrariesHandler) delete(w http.ResponseWriter, r *http.Request) {
	libraryID, ok := ParseLibraryID(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), libraryID); err != nil {
		RespondStoreError(w, err, "Failed to delete library")
		return
	}

	log.Info().Int("libraryID", libraryID).Msg("library deleted")
	w.WriteHeader(http.StatusNoContent)
}

// libraryDoc is the declarative YAML schema shared by import, export and the
// `warden library import` command. Secrets are write-only: export leaves them
// blank, import accepts plaintext.
type libraryDoc struct {
	Name               string  `yaml:"name"`
	RootPath           string  `yaml:"rootPath"`
	RequireDryRun      bool    `yaml:"requireDryRun,omitempty"`
	TrashRetentionDays int     `yaml:"trashRetentionDays,omitempty"`
	MissingGraceHours  int     `yaml:"missingGraceHours,omitempty"`
	ScanInterval       int     `yaml:"scanIntervalMinutes,omitempty"`
	PurgeInterval      int     `yaml:"purgeIntervalMinutes,omitempty"`
	SyncInterval       int     `yaml:"syncIntervalMinutes,omitempty"`
	ProbeEnabled       bool    `yaml:"probeEnabled,omitempty"`
	FingerprintMode    string  `yaml:"fingerprintMode,omitempty"`
	MinSeedTimeMinutes int     `yaml:"minSeedTimeMinutes,omitempty"`
	MinSeedRatio       float64 `yaml:"minSeedRatio,omitempty"`
	MinSeeders         int     `yaml:"minSeeders,omitempty"`
	QbitURL            string  `yaml:"qbitUrl,omitempty"`
	QbitUsername       string  `yaml:"qbitUsername,omitempty"`
	QbitPassword       string  `yaml:"qbitPassword,omitempty"`
	PlexURL            string  `yaml:"plexUrl,omitempty"`
	PlexToken          string  `yaml:"plexToken,omitempty"`
	ArrURL             string  `yaml:"arrUrl,omitempty"`
	ArrAPIKey          string  `yaml:"arrApiKey,omitempty"`
}

type libraryImportFile struct {
	Libraries []libraryDoc `yaml:"libraries"`
}

// ImportResult reports what a YAML import changed.
type ImportResult struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
}

func (d *libraryDoc) toLibrary() *models.Library {
	return &models.Library{
		Name:                  d.Name,
		RootPath:              d.RootPath,
		RequireDryRun:         d.RequireDryRun,
		TrashRetentionDays:    d.TrashRetentionDays,
		MissingGraceHours:     d.MissingGraceHours,
		ScanIntervalMinutes:   d.ScanInterval,
		PurgeIntervalMinutes:  d.PurgeInterval,
		SyncIntervalMinutes:   d.SyncInterval,
		ProbeEnabled:          d.ProbeEnabled,
		FingerprintMode:       models.FingerprintMode(d.FingerprintMode),
		MinSeedTimeMinutes:    d.MinSeedTimeMinutes,
		MinSeedRatio:          d.MinSeedRatio,
		MinSeeders:            d.MinSeeders,
		QbitURL:               d.QbitURL,
		QbitUsername:          d.QbitUsername,
		QbitPasswordEncrypted: d.QbitPassword,
		PlexURL:               d.PlexURL,
		PlexTokenEncrypted:    d.PlexToken,
		ArrURL:                d.ArrURL,
		ArrAPIKeyEncrypted:    d.ArrAPIKey,
	}
}

// ImportLibraryYAML applies a declarative YAML document: existing libraries
// (matched by name) are updated, new ones created. Shared by the import
// endpoint and the `warden library import` command.
func ImportLibraryYAML(ctx context.Context, store *models.LibraryStore, data []byte) (*ImportResult, error) {
	var doc libraryImportFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(doc.Libraries) == 0 {
		return nil, errors.New("document defines no libraries")
	}

	result := &ImportResult{Created: []string{}, Updated: []string{}}

	for _, entry := range doc.Libraries {
		incoming := entry.toLibrary()

		existing, err := store.GetByName(ctx, incoming.Name)
		switch {
		case err == nil:
			incoming.ID = existing.ID
			if _, err := store.Update(ctx, incoming); err != nil {
				return nil, fmt.Errorf("update %q: %w", incoming.Name, err)
			}
			result.Updated = append(result.Updated, incoming.Name)
		case errors.Is(err, models.ErrLibraryNotFound):
			if _, err := store.Create(ctx, incoming); err != nil {
				return nil, fmt.Errorf("create %q: %w", incoming.Name, err)
			}
			result.Created = append(result.Created, incoming.Name)
		default:
			return nil, fmt.Errorf("look up %q: %w", incoming.Name, err)
		}
	}

	return result, nil
}

func (h *LibrariesHandler) importYAML(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		RespondError(w, http.StatusRequestEntityTooLarge, "Import document too large")
		return
	}

	result, err := ImportLibraryYAML(r.Context(), h.store, data)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().
		Int("created", len(result.Created)).
		Int("updated", len(result.Updated)).
		Msg("libraries imported from YAML")
	RespondJSON(w, http.StatusOK, result)
}

func (h *LibrariesHandler) exportYAML(w http.ResponseWriter, r *http.Request) {
	libraries, err := h.store.List(r.Context())
	if err != nil {
		RespondStoreError(w, err, "Failed to list libraries")
		return
	}

	doc := libraryImportFile{Libraries: make([]libraryDoc, 0, len(libraries))}
	for _, lib := range libraries {
		doc.Libraries = append(doc.Libraries, libraryDoc{
			Name:               lib.Name,
			RootPath:           lib.RootPath,
			RequireDryRun:      lib.RequireDryRun,
			TrashRetentionDays: lib.TrashRetentionDays,
			MissingGraceHours:  lib.MissingGraceHours,
			ScanInterval:       lib.ScanIntervalMinutes,
			PurgeInterval:      lib.PurgeIntervalMinutes,
			SyncInterval:       lib.SyncIntervalMinutes,
			ProbeEnabled:       lib.ProbeEnabled,
			FingerprintMode:    string(lib.FingerprintMode),
			MinSeedTimeMinutes: lib.MinSeedTimeMinutes,
			MinSeedRatio:       lib.MinSeedRatio,
			MinSeeders:         lib.MinSeeders,
			QbitURL:            lib.QbitURL,
			QbitUsername:       lib.QbitUsername,
			PlexURL:            lib.PlexURL,
			ArrURL:             lib.ArrURL,
		})
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to encode export")
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="warden-libraries.yaml"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
