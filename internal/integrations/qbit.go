// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package integrations

import (
	"context"
	"fmt"
	"sync"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/models"
)

// TorrentClient is the slice of the qBittorrent API the engine uses: list
// torrents, list a torrent's files, and drop an entry without touching files.
type TorrentClient interface {
	GetTorrentsCtx(ctx context.Context, o qbt.TorrentFilterOptions) ([]qbt.Torrent, error)
	GetFilesInformationCtx(ctx context.Context, hash string) (*qbt.TorrentFiles, error)
	DeleteTorrentsCtx(ctx context.Context, hashes []string, deleteFiles bool) error
}

type pooledClient struct {
	client      TorrentClient
	fingerprint string
}

// QbitPool caches one authenticated qBittorrent client per library. Clients
// are rebuilt when the library's endpoint or credentials change.
type QbitPool struct {
	libraries *models.LibraryStore

	mu      sync.Mutex
	clients map[int]*pooledClient

	// newClient is swapped out by tests to avoid real logins.
	newClient func(ctx context.Context, host, username, password string) (TorrentClient, error)
}

// NewQbitPool creates a new client pool backed by the library store's
// decrypted credentials.
func NewQbitPool(libraries *models.LibraryStore) *QbitPool {
	return &QbitPool{
		libraries: libraries,
		clients:   make(map[int]*pooledClient),
		newClient: dialQbit,
	}
}

func dialQbit(ctx context.Context, host, username, password string) (TorrentClient, error) {
	client := qbt.NewClient(qbt.Config{
		Host:     host,
		Username: username,
		Password: password,
		Timeout:  30,
	})

	if err := client.LoginCtx(ctx); err != nil {
		return nil, fmt.Errorf("qbittorrent login: %w", err)
	}

	return client, nil
}

// Get returns the cached client for a library, dialing and logging in when
// the library's connection settings changed since the last call.
func (p *QbitPool) Get(ctx context.Context, lib *models.Library) (TorrentClient, error) {
	if !lib.HasQbit() {
		return nil, fmt.Errorf("library %q has no download client configured", lib.Name)
	}

	password, err := p.libraries.GetDecryptedQbitPassword(lib)
	if err != nil {
		return nil, fmt.Errorf("decrypt qbittorrent password: %w", err)
	}

	fingerprint := lib.QbitURL + "\x00" + lib.QbitUsername + "\x00" + password

	p.mu.Lock()
	cached, ok := p.clients[lib.ID]
	p.mu.Unlock()
	if ok && cached.fingerprint == fingerprint {
		return cached.client, nil
	}

	client, err := p.newClient(ctx, lib.QbitURL, lib.QbitUsername, password)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.clients[lib.ID] = &pooledClient{client: client, fingerprint: fingerprint}
	p.mu.Unlock()

	log.Debug().
		Int("libraryID", lib.ID).
		Str("host", lib.QbitURL).
		Msg("integrations: qbittorrent client ready")

	return client, nil
}

// Invalidate drops a library's cached client, forcing a fresh login on the
// next Get. Called when a request fails with an auth-looking error.
func (p *QbitPool) Invalidate(libraryID int) {
	p.mu.Lock()
	delete(p.clients, libraryID)
	p.mu.Unlock()
}
