// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package integrations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/autobrr/warden/pkg/httphelpers"
)

// PlexClient talks to a Plex media server: section discovery, path-scoped
// rescans after trash/restore, and read-only watch metadata for annotations.
type PlexClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewPlexClient(baseURL, token string) *PlexClient {
	return &PlexClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// PlexSection is one Plex library section and the filesystem locations it
// serves.
type PlexSection struct {
	Key       string
	Title     string
	Locations []string
}

// PlexFact is the watch metadata Plex holds for one file.
type PlexFact struct {
	Title        string
	Resolution   string
	LastViewedAt *time.Time
	UpdatedAt    *time.Time
}

type plexSectionsResponse struct {
	MediaContainer struct {
		Directory []struct {
			Key      string `json:"key"`
			Title    string `json:"title"`
			Location []struct {
				Path string `json:"path"`
			} `json:"Location"`
		} `json:"Directory"`
	} `json:"MediaContainer"`
}

type plexSectionContentResponse struct {
	MediaContainer struct {
		Metadata []struct {
			Title        string `json:"title"`
			LastViewedAt int64  `json:"lastViewedAt"`
			UpdatedAt    int64  `json:"updatedAt"`
			Media        []struct {
				VideoResolution string `json:"videoResolution"`
				Part            []struct {
					File string `json:"file"`
				} `json:"Part"`
			} `json:"Media"`
		} `json:"Metadata"`
	} `json:"MediaContainer"`
}

// Sections lists the server's library sections.
func (c *PlexClient) Sections(ctx context.Context) ([]PlexSection, error) {
	var parsed plexSectionsResponse
	if err := c.get(ctx, "/library/sections", nil, &parsed); err != nil {
		return nil, err
	}

	sections := make([]PlexSection, 0, len(parsed.MediaContainer.Directory))
	for _, dir := range parsed.MediaContainer.Directory {
		section := PlexSection{Key: dir.Key, Title: dir.Title}
		for _, loc := range dir.Location {
			section.Locations = append(section.Locations, loc.Path)
		}
		sections = append(sections, section)
	}

	return sections, nil
}

// SectionForPath returns the section whose location is the longest prefix of
// the given path, or nil when no section covers it.
func SectionForPath(sections []PlexSection, path string) *PlexSection {
	var best *PlexSection
	bestLen := -1

	for i := range sections {
		for _, loc := range sections[i].Locations {
			if !pathHasPrefix(path, loc) {
				continue
			}
			if len(loc) > bestLen {
				best = &sections[i]
				bestLen = len(loc)
			}
		}
	}

	return best
}

func pathHasPrefix(path, prefix string) bool {
	prefix = strings.TrimRight(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// RefreshPath asks Plex to rescan one path inside a section. Used after a
// trash or restore so the server notices the file came or went.
func (c *PlexClient) RefreshPath(ctx context.Context, sectionKey, path string) error {
	params := url.Values{}
	params.Set("path", path)
	return c.get(ctx, "/library/sections/"+sectionKey+"/refresh", params, nil)
}

// SectionMetadata returns the section's watch metadata keyed by absolute file
// path.
func (c *PlexClient) SectionMetadata(ctx context.Context, sectionKey string) (map[string]PlexFact, error) {
	var parsed plexSectionContentResponse
	if err := c.get(ctx, "/library/sections/"+sectionKey+"/all", nil, &parsed); err != nil {
		return nil, err
	}

	facts := make(map[string]PlexFact)
	for _, meta := range parsed.MediaContainer.Metadata {
		fact := PlexFact{Title: meta.Title}
		if meta.LastViewedAt > 0 {
			t := time.Unix(meta.LastViewedAt, 0).UTC()
			fact.LastViewedAt = &t
		}
		if meta.UpdatedAt > 0 {
			t := time.Unix(meta.UpdatedAt, 0).UTC()
			fact.UpdatedAt = &t
		}
		for _, media := range meta.Media {
			if fact.Resolution == "" {
				fact.Resolution = media.VideoResolution
			}
			for _, part := range media.Part {
				if part.File != "" {
					facts[part.File] = fact
				}
			}
		}
	}

	return facts, nil
}

// get performs an authenticated GET with a couple of retries. Plex restarts
// are common enough on home servers that a single refused connection should
// not count as an outage.
func (c *PlexClient) get(ctx context.Context, path string, params url.Values, dest any) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return retry.Unrecoverable(errors.Wrap(err, "build plex request"))
			}
			req.Header.Set("X-Plex-Token", c.token)
			req.Header.Set("Accept", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return errors.Wrap(err, "plex request")
			}
			defer httphelpers.DrainAndClose(resp)

			switch {
			case resp.StatusCode == http.StatusUnauthorized:
				return retry.Unrecoverable(errors.New("plex rejected the token"))
			case resp.StatusCode >= 400:
				return errors.Errorf("plex returned status %d", resp.StatusCode)
			}

			if dest == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
				return retry.Unrecoverable(errors.Wrap(err, "decode plex response"))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}
