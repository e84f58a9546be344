// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/warden/internal/api"
	"github.com/autobrr/warden/internal/buildinfo"
	"github.com/autobrr/warden/internal/config"
	"github.com/autobrr/warden/internal/database"
	"github.com/autobrr/warden/internal/integrations"
	"github.com/autobrr/warden/internal/metrics"
	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/probe"
	"github.com/autobrr/warden/internal/services/actions"
	"github.com/autobrr/warden/internal/services/retention"
	"github.com/autobrr/warden/internal/services/scanner"
	"github.com/autobrr/warden/internal/services/trash"
	"github.com/autobrr/warden/internal/update"
)

const shutdownTimeout = 15 * time.Second

func RunServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the warden daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file or directory")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.New(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	initLogger(cfg.Config)
	cfg.Watch()

	log.Info().
		Str("version", buildinfo.Version).
		Str("commit", buildinfo.Commit).
		Str("config", cfg.GetConfigPath()).
		Msg("starting warden")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	libraries, err := models.NewLibraryStore(db, cfg.EncryptionKey())
	if err != nil {
		return fmt.Errorf("init library store: %w", err)
	}
	items := models.NewItemStore(db)
	batches := models.NewActionBatchStore(db)
	audit := models.NewAuditStore(db)
	scanRuns := models.NewScanRunStore(db)

	var (
		engine        *metrics.EngineMetrics
		metricsServer *metrics.MetricsServer
	)
	if cfg.Config.MetricsEnabled {
		manager := metrics.NewMetricsManager(items, libraries)
		engine = manager.Engine()

		metricsServer = metrics.NewMetricsServer(manager, cfg.Config.MetricsHost, cfg.Config.MetricsPort, cfg.Config.MetricsBasicAuthUsers)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	trashSvc := trash.NewService(items, audit)

	prober := probe.New(cfg.Config.Probe.Command, cfg.Config.Probe.TimeoutSeconds)
	prober.CheckVersion(ctx)

	scannerSvc := scanner.NewService(libraries, items, scanRuns, trashSvc, prober, engine)

	pool := integrations.NewQbitPool(libraries)
	matcher := integrations.NewMatcher(pool)
	integrationsSvc := integrations.NewService(libraries, items, audit, pool, matcher, engine)

	actionsSvc := actions.NewService(libraries, items, batches, audit, trashSvc, matcher, engine)
	actionsSvc.SetNotifier(integrationsSvc)

	recoverStartupState(ctx, scanRuns, libraries, trashSvc)

	scheduler := retention.New(cfg, libraries, items, audit, trashSvc, scannerSvc, integrationsSvc)
	scheduler.Start()

	updateSvc := update.NewService(log.Logger, cfg.Config.CheckForUpdates, buildinfo.Version, buildinfo.UserAgent)
	updateSvc.Start(ctx)

	server := api.NewServer(&api.Dependencies{
		Config:        cfg,
		DB:            db,
		LibraryStore:  libraries,
		ItemStore:     items,
		BatchStore:    batches,
		AuditStore:    audit,
		Scanner:       scannerSvc,
		Actions:       actionsSvc,
		Trash:         trashSvc,
		UpdateService: updateSvc,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api server shutdown failed")
	}

	scheduler.Stop()
	scannerSvc.Stop()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown failed")
		}
	}

	log.Info().Msg("warden stopped")
	return nil
}

// recoverStartupState finishes work a previous process left behind: scan
// runs that never completed are marked interrupted, and half-moved files
// from crashed stage or restore operations are rolled forward.
func recoverStartupState(ctx context.Context, scanRuns *models.ScanRunStore, libraries *models.LibraryStore, trashSvc *trash.Service) {
	if n, err := scanRuns.MarkInterrupted(ctx); err != nil {
		log.Error().Err(err).Msg("startup: marking interrupted scan runs failed")
	} else if n > 0 {
		log.Warn().Int64("runs", n).Msg("startup: marked interrupted scan runs")
	}

	libs, err := libraries.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("startup: listing libraries for trash recovery failed")
		return
	}

	for _, lib := range libs {
		recovered, err := trashSvc.Recover(ctx, lib)
		if err != nil {
			log.Error().Err(err).Int("libraryID", lib.ID).Msg("startup: trash recovery failed")
			continue
		}
		if recovered > 0 {
			log.Warn().Int("libraryID", lib.ID).Int("items", recovered).Msg("startup: recovered interrupted trash operations")
		}
	}
}
