// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scanner

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/moistari/rls"

	"github.com/autobrr/warden/pkg/releases"
)

// ReleaseCache provides cached rls parsing so rescans of large libraries do
// not re-parse unchanged names.
type ReleaseCache struct {
	cache *ttlcache.Cache[string, rls.Release]
}

// NewReleaseCache creates a new release cache with 10 minute expiration
func NewReleaseCache() *ReleaseCache {
	cache := ttlcache.New(ttlcache.Options[string, rls.Release]{}.
		SetDefaultTTL(10 * time.Minute))

	return &ReleaseCache{
		cache: cache,
	}
}

// ParsePath parses release metadata from a library-relative file path.
// The file base name without extension is what gets parsed; release names
// carry their metadata in the filename, not the directory layout.
func (rc *ReleaseCache) ParsePath(relPath string) rls.Release {
	base := filepath.Base(relPath)
	name := strings.TrimSuffix(base, filepath.Ext(base))

	if cached, found := rc.cache.Get(name); found {
		return cached
	}

	release := rls.ParseString(name)
	rc.cache.Set(name, release, ttlcache.DefaultTTL)

	return release
}

// classifyRelease derives content classification facts from a parsed release,
// shaped as item annotations under the "release" source.
func classifyRelease(rel *rls.Release) map[string]map[string]any {
	info := releases.DetermineContentType(rel)

	facts := map[string]any{"contentType": info.ContentType}
	if info.MediaType != "" {
		facts["mediaType"] = info.MediaType
	}
	if codec := releases.JoinNormalizedCodecSlice(rel.Codec); codec != "" {
		facts["codec"] = codec
	}
	if source := releases.NormalizeSource(rel.Source); source != "" {
		facts["source"] = source
	}

	return map[string]map[string]any{"release": facts}
}
