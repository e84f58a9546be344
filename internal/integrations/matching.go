// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package integrations

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/models"
	"github.com/autobrr/warden/internal/services/actions"
	"github.com/autobrr/warden/pkg/hashutil"
	"github.com/autobrr/warden/pkg/pathcmp"
	"github.com/autobrr/warden/pkg/stringutils"
)

// sizeTolerance is how far a torrent file's size may drift from the item's
// before a basename+size match is rejected.
const sizeTolerance = 2 << 20

const (
	torrentListTTL  = 30 * time.Second
	torrentFilesTTL = 10 * time.Minute
)

// candidateFile is one file of one torrent, flattened for path matching.
type candidateFile struct {
	torrent qbt.Torrent
	absPath string
	size    int64
}

// Matcher resolves which download-client entry backs a library item. Matching
// is a heuristic: exact path first, then unique basename, then basename plus
// size, then unique path-suffix overlap. No match is a normal outcome.
type Matcher struct {
	pool *QbitPool

	torrents *ttlcache.Cache[int, []qbt.Torrent]
	files    *ttlcache.Cache[string, qbt.TorrentFiles]
}

// NewMatcher creates a matcher on top of a client pool. Torrent lists are
// cached briefly so previewing a batch does not hammer the client.
func NewMatcher(pool *QbitPool) *Matcher {
	return &Matcher{
		pool:     pool,
		torrents: ttlcache.New(ttlcache.Options[int, []qbt.Torrent]{}.SetDefaultTTL(torrentListTTL)),
		files:    ttlcache.New(ttlcache.Options[string, qbt.TorrentFiles]{}.SetDefaultTTL(torrentFilesTTL)),
	}
}

// MatchTorrent implements actions.TorrentMatcher. A nil status with a nil
// error means no torrent matched the item.
func (m *Matcher) MatchTorrent(ctx context.Context, lib *models.Library, item *models.Item) (*actions.TorrentStatus, error) {
	candidates, err := m.candidates(ctx, lib)
	if err != nil {
		return nil, err
	}

	match := matchPath(candidates, pathcmp.NormalizePath(filepath.Join(lib.RootPath, item.RelPath)), item.SizeBytes)
	if match == nil {
		return nil, nil
	}

	return &actions.TorrentStatus{
		Hash:        hashutil.Normalize(match.torrent.Hash),
		Name:        match.torrent.Name,
		Ratio:       match.torrent.Ratio,
		SeedingTime: time.Duration(match.torrent.SeedingTime) * time.Second,
		Seeds:       int(match.torrent.NumComplete),
	}, nil
}

// candidates flattens every torrent of the library's client into per-file
// entries. File listings are cached per torrent hash; torrents whose file
// listing fails are skipped rather than failing the whole match.
func (m *Matcher) candidates(ctx context.Context, lib *models.Library) ([]candidateFile, error) {
	torrents, err := m.listTorrents(ctx, lib)
	if err != nil {
		return nil, err
	}

	var candidates []candidateFile
	for _, t := range torrents {
		files, err := m.torrentFiles(ctx, lib, t.Hash)
		if err != nil {
			log.Debug().Err(err).Str("hash", t.Hash).Msg("integrations: skipping torrent with unreadable file list")
			continue
		}
		for _, f := range files {
			// qBittorrent may report foreign-platform paths; normalize both
			// sides to forward slashes before comparing.
			candidates = append(candidates, candidateFile{
				torrent: t,
				absPath: pathcmp.NormalizePath(t.SavePath + "/" + f.Name),
				size:    f.Size,
			})
		}
	}

	return candidates, nil
}

func (m *Matcher) listTorrents(ctx context.Context, lib *models.Library) ([]qbt.Torrent, error) {
	if cached, ok := m.torrents.Get(lib.ID); ok {
		return cached, nil
	}

	client, err := m.pool.Get(ctx, lib)
	if err != nil {
		return nil, err
	}

	torrents, err := client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
	if err != nil {
		m.pool.Invalidate(lib.ID)
		return nil, fmt.Errorf("list torrents: %w", err)
	}

	m.torrents.Set(lib.ID, torrents, ttlcache.DefaultTTL)
	return torrents, nil
}

func (m *Matcher) torrentFiles(ctx context.Context, lib *models.Library, hash string) (qbt.TorrentFiles, error) {
	key := fmt.Sprintf("%d:%s", lib.ID, hashutil.Normalize(hash))
	if cached, ok := m.files.Get(key); ok {
		return cached, nil
	}

	client, err := m.pool.Get(ctx, lib)
	if err != nil {
		return nil, err
	}

	files, err := client.GetFilesInformationCtx(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("torrent files %s: %w", hash, err)
	}
	if files == nil {
		return nil, nil
	}

	m.files.Set(key, *files, ttlcache.DefaultTTL)
	return *files, nil
}

// matchPath runs the matching strategies in order of confidence. Ambiguous
// strategies pass to the next instead of guessing.
func matchPath(candidates []candidateFile, activePath string, sizeBytes int64) *candidateFile {
	// Exact absolute path.
	for i := range candidates {
		if candidates[i].absPath == activePath {
			return &candidates[i]
		}
	}

	base := stringutils.NormalizeForMatching(filepath.Base(activePath))
	var sameBase []*candidateFile
	for i := range candidates {
		if stringutils.NormalizeForMatching(filepath.Base(candidates[i].absPath)) == base {
			sameBase = append(sameBase, &candidates[i])
		}
	}

	// Unique basename.
	if len(sameBase) == 1 {
		return sameBase[0]
	}
	if len(sameBase) == 0 {
		return nil
	}

	// Basename plus size, tolerating minor drift.
	var sized []*candidateFile
	for _, c := range sameBase {
		diff := c.size - sizeBytes
		if diff < 0 {
			diff = -diff
		}
		if diff <= sizeTolerance {
			sized = append(sized, c)
		}
	}
	if len(sized) == 1 {
		return sized[0]
	}
	if len(sized) > 1 {
		sameBase = sized
	}

	// Deepest unique path-suffix overlap.
	for depth := 3; depth >= 2; depth-- {
		suffix := pathSuffix(activePath, depth)
		if suffix == "" {
			continue
		}
		var matched []*candidateFile
		for _, c := range sameBase {
			if pathSuffix(c.absPath, depth) == suffix {
				matched = append(matched, c)
			}
		}
		if len(matched) == 1 {
			return matched[0]
		}
	}

	return nil
}

// pathSuffix returns the last depth components of a path, normalized for
// matching, or "" when the path is too shallow.
func pathSuffix(path string, depth int) string {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	if len(parts) < depth {
		return ""
	}
	tail := parts[len(parts)-depth:]
	for i, p := range tail {
		tail[i] = stringutils.NormalizeForMatching(p)
	}
	return strings.Join(tail, "/")
}
