// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api assembles the HTTP server: routing, middleware and handler
// wiring for the management API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/api/handlers"
	"github.com/autobrr/warden/internal/api/middleware"
	"github.com/autobrr/warden/internal/config"
	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/services/actions"
	"github.com/autobrr/warden/internal/services/scanner"
	"github.com/autobrr/warden/internal/services/trash"
	"github.com/autobrr/warden/internal/update"
	"github.com/autobrr/warden/pkg/httphelpers"
)

// Dependencies carries everything the server needs. All fields are required
// except UpdateService, which may be nil when update checks are disabled.
type Dependencies struct {
	Config *config.AppConfig
	DB     handlers.Pinger

	LibraryStore *models.LibraryStore
	ItemStore    *models.ItemStore
	BatchStore   *models.ActionBatchStore
	AuditStore   *models.AuditStore

	Scanner       *scanner.Service
	Actions       *actions.Service
	Trash         *trash.Service
	UpdateService *update.Service
}

// Server is the management API server.
type Server struct {
	deps *Dependencies
	http *http.Server
}

func NewServer(deps *Dependencies) *Server {
	return &Server{deps: deps}
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Warden-Actor", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	r.Use(middleware.Compress(1024, 4))

	libraries := handlers.NewLibrariesHandler(s.deps.LibraryStore)
	items := handlers.NewItemsHandler(s.deps.ItemStore)
	trashHandler := handlers.NewTrashHandler(s.deps.LibraryStore, s.deps.Trash)
	scans := handlers.NewScansHandler(s.deps.Scanner)
	actionsHandler := handlers.NewActionsHandler(s.deps.Actions, s.deps.BatchStore)
	audit := handlers.NewAuditHandler(s.deps.AuditStore)
	health := handlers.NewHealthHandler(s.deps.DB)

	base := httphelpers.NormalizeBasePath(s.deps.Config.Config.BaseURL)

	r.Route(httphelpers.JoinBasePath(base, "health"), health.Routes)

	r.Route(httphelpers.JoinBasePath(base, "api"), func(r chi.Router) {
		r.Route("/libraries", func(r chi.Router) {
			libraries.Routes(r, func(r chi.Router) {
				r.Route("/items", items.Routes)
				r.Route("/trash", trashHandler.Routes)
				r.Route("/scans", scans.Routes)
				actionsHandler.LibraryRoutes(r)
			})
		})

		r.Route("/batches/{batchID}", actionsHandler.BatchRoutes)
		r.Route("/items/{itemID}", actionsHandler.ItemRoutes)
		r.Route("/audit", audit.Routes)

		if s.deps.UpdateService != nil {
			version := handlers.NewVersionHandler(s.deps.UpdateService)
			r.Route("/version", version.Routes)
		}
	})

	return r
}

// ListenAndServe starts the server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.deps.Config.Config.Host, fmt.Sprintf("%d", s.deps.Config.Config.Port))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("api: server listening")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
