// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package update handles release checks and in-place binary self-updates.
package update

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/autobrr/warden/pkg/version"
)

const (
	repoOwner     = "autobrr"
	repoName      = "warden"
	checkInterval = 2 * time.Hour
)

// Service periodically checks GitHub for a newer release and caches the
// result for the API and CLI to report.
type Service struct {
	log            zerolog.Logger
	currentVersion string
	releaseChecker *version.Checker

	mu            sync.RWMutex
	isEnabled     bool
	latestRelease *version.Release
}

// NewService creates an update checker. When disabled it stays quiet and
// reports no releases.
func NewService(log zerolog.Logger, enabled bool, currentVersion, userAgent string) *Service {
	return &Service{
		log:            log.With().Str("module", "update").Logger(),
		isEnabled:      enabled,
		currentVersion: currentVersion,
		releaseChecker: version.NewChecker(repoOwner, repoName, userAgent),
	}
}

// SetEnabled toggles update checking at runtime, following config reloads.
func (s *Service) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isEnabled != enabled {
		s.isEnabled = enabled
		s.log.Debug().Bool("enabled", enabled).Msg("update checks toggled")
	}
}

// Start runs periodic update checks until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		s.CheckUpdates(ctx)

		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.CheckUpdates(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// CheckUpdates queries GitHub once and caches a newer release if found.
func (s *Service) CheckUpdates(ctx context.Context) {
	s.mu.RLock()
	enabled := s.isEnabled
	s.mu.RUnlock()

	if !enabled {
		return
	}

	newer, release, err := s.releaseChecker.CheckNewVersion(ctx, s.currentVersion)
	if err != nil {
		s.log.Debug().Err(err).Msg("update check failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !newer {
		s.latestRelease = nil
		return
	}

	if s.latestRelease == nil || s.latestRelease.TagName != release.TagName {
		s.log.Info().
			Str("current", s.currentVersion).
			Str("latest", release.TagName).
			Msg("new release available")
	}
	s.latestRelease = release
}

// GetLatestRelease returns the cached newer release, or nil when the running
// binary is current (or no check has completed yet).
func (s *Service) GetLatestRelease(_ context.Context) *version.Release {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestRelease
}

// CanSelfUpdate reports whether in-place binary replacement is safe in the
// current environment.
func (s *Service) CanSelfUpdate() bool {
	if !isSelfUpdateSupportedPlatform() {
		return false
	}
	if isRunningInContainer() {
		return false
	}
	return true
}

// RunSelfUpdate downloads and installs the latest release over the running
// binary.
func (s *Service) RunSelfUpdate(ctx context.Context) error {
	if !s.CanSelfUpdate() {
		return ErrSelfUpdateUnsupported
	}

	updater := NewUpdater(Config{
		Repository: repoOwner + "/" + repoName,
		Version:    s.currentVersion,
	})

	_, err := updater.Run(ctx)
	return err
}
