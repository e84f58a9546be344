// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package version checks GitHub for newer releases.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/autobrr/warden/pkg/httphelpers"
)

// Release is a GitHub release.
type Release struct {
	ID          int64     `json:"id,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	TagName     string    `json:"tag_name"`
	Name        *string   `json:"name,omitempty"`
	Body        *string   `json:"body,omitempty"`
	HTMLURL     string    `json:"html_url,omitempty"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	Assets      []Asset   `json:"assets,omitempty"`
}

// Asset is a downloadable artifact attached to a release.
type Asset struct {
	ID                 int64  `json:"id,omitempty"`
	Name               string `json:"name"`
	ContentType        string `json:"content_type,omitempty"`
	State              string `json:"state,omitempty"`
	Size               int64  `json:"size,omitempty"`
	DownloadCount      int64  `json:"download_count,omitempty"`
	BrowserDownloadURL string `json:"browser_download_url,omitempty"`
}

// Checker queries the GitHub releases API for one repository.
type Checker struct {
	Owner     string
	Repo      string
	UserAgent string

	httpClient *http.Client
}

// NewChecker creates a release checker for owner/repo.
func NewChecker(owner, repo, userAgent string) *Checker {
	return &Checker{
		Owner:     owner,
		Repo:      repo,
		UserAgent: userAgent,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CheckNewVersion reports whether a release newer than the given version is
// available. Development builds never report an update.
func (c *Checker) CheckNewVersion(ctx context.Context, version string) (bool, *Release, error) {
	if isDevelop(version) {
		return false, nil, nil
	}

	release, err := c.getLatestRelease(ctx)
	if err != nil {
		return false, nil, err
	}

	return c.compareVersions(version, release)
}

func (c *Checker) getLatestRelease(ctx context.Context) (*Release, error) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/%s/releases/latest", c.Owner, c.Repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build release request")
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch latest release")
	}
	defer httphelpers.DrainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("github returned status %d", resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, errors.Wrap(err, "decode release response")
	}

	return &release, nil
}

func (c *Checker) compareVersions(currentVersion string, release *Release) (bool, *Release, error) {
	current, err := semver.NewVersion(currentVersion)
	if err != nil {
		return false, nil, errors.Wrapf(err, "parse current version %q", currentVersion)
	}

	latest, err := semver.NewVersion(release.TagName)
	if err != nil {
		return false, nil, errors.Wrapf(err, "parse release tag %q", release.TagName)
	}

	// A stable build never downgrades onto a prerelease.
	if latest.Prerelease() != "" && current.Prerelease() == "" {
		return false, nil, nil
	}

	if latest.GreaterThan(current) {
		return true, release, nil
	}
	return false, nil, nil
}

// isDevelop reports whether the version string looks like a development
// build rather than a tagged release.
func isDevelop(version string) bool {
	switch version {
	case "", "dev", "develop", "main", "latest":
		return true
	}

	if strings.HasPrefix(version, "pr-") {
		return true
	}

	for _, suffix := range []string{"-dev", "-develop"} {
		if strings.HasSuffix(version, suffix) {
			return true
		}
	}

	return false
}
