// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/autobrr/warden/internal/crypto"
	"github.com/autobrr/warden/internal/dbinterface"
	"github.com/autobrr/warden/internal/domain"
)

var (
	// ErrLibraryNotFound is returned when a library lookup matches no row.
	ErrLibraryNotFound = errors.New("library not found")
	// ErrLibraryExists is returned when a library name or root path is already taken.
	ErrLibraryExists = errors.New("library with this name or root path already exists")
)

// LibraryState represents the operational state of a library
type LibraryState string

const (
	LibraryStateActive LibraryState = "active"
	LibraryStateError  LibraryState = "error"
)

// FingerprintMode selects how item identity is derived during scans
type FingerprintMode string

const (
	// FingerprintModeFast derives identity from size and modification time.
	FingerprintModeFast FingerprintMode = "fast"
	// FingerprintModeHash additionally hashes file content samples.
	FingerprintModeHash FingerprintMode = "hash"
)

// IsValid returns true if the mode is a recognized fingerprint mode.
func (m FingerprintMode) IsValid() bool {
	return m == FingerprintModeFast || m == FingerprintModeHash
}

// Library represents a managed media root with its lifecycle policy
type Library struct {
	ID        int          `json:"id"`
	Name      string       `json:"name"`
	RootPath  string       `json:"rootPath"`
	State     LibraryState `json:"state"`
	LastError string       `json:"lastError,omitempty"`

	// Lifecycle policy
	RequireDryRun      bool `json:"requireDryRun"`
	TrashRetentionDays int  `json:"trashRetentionDays"`
	MissingGraceHours  int  `json:"missingGraceHours"`

	// Per-library schedule overrides, zero means use the global interval
	ScanIntervalMinutes  int `json:"scanIntervalMinutes"`
	PurgeIntervalMinutes int `json:"purgeIntervalMinutes"`
	SyncIntervalMinutes  int `json:"syncIntervalMinutes"`

	ProbeEnabled    bool            `json:"probeEnabled"`
	FingerprintMode FingerprintMode `json:"fingerprintMode"`

	// Seed-safety gates applied during preview
	MinSeedTimeMinutes int     `json:"minSeedTimeMinutes"`
	MinSeedRatio       float64 `json:"minSeedRatio"`
	MinSeeders         int     `json:"minSeeders"`

	// Integration endpoints. Secrets are stored encrypted and never leave
	// the process unredacted.
	QbitURL               string `json:"qbitUrl,omitempty"`
	QbitUsername          string `json:"qbitUsername,omitempty"`
	QbitPasswordEncrypted string `json:"-"`
	PlexURL               string `json:"plexUrl,omitempty"`
	PlexTokenEncrypted    string `json:"-"`
	ArrURL                string `json:"arrUrl,omitempty"`
	ArrAPIKeyEncrypted    string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasQbit returns true when a qBittorrent endpoint is configured
func (l *Library) HasQbit() bool {
	return l.QbitURL != ""
}

// HasPlex returns true when a Plex endpoint is configured
func (l *Library) HasPlex() bool {
	return l.PlexURL != ""
}

// HasArr returns true when a Sonarr/Radarr endpoint is configured
func (l *Library) HasArr() bool {
	return l.ArrURL != ""
}

func (l Library) MarshalJSON() ([]byte, error) {
	type alias Library
	return json.Marshal(&struct {
		alias
		QbitPassword string `json:"qbitPassword,omitempty"`
		PlexToken    string `json:"plexToken,omitempty"`
		ArrAPIKey    string `json:"arrApiKey,omitempty"`
	}{
		alias:        alias(l),
		QbitPassword: domain.RedactString(l.QbitPasswordEncrypted),
		PlexToken:    domain.RedactString(l.PlexTokenEncrypted),
		ArrAPIKey:    domain.RedactString(l.ArrAPIKeyEncrypted),
	})
}

func (l *Library) UnmarshalJSON(data []byte) error {
	type alias Library
	var temp struct {
		alias
		QbitPassword string `json:"qbitPassword,omitempty"`
		PlexToken    string `json:"plexToken,omitempty"`
		ArrAPIKey    string `json:"arrApiKey,omitempty"`
	}

	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	*l = Library(temp.alias)

	// Incoming secrets are plaintext until the store encrypts them.
	// A redacted echo of our own output never overwrites a stored secret.
	if temp.QbitPassword != "" && !domain.IsRedactedString(temp.QbitPassword) {
		l.QbitPasswordEncrypted = temp.QbitPassword
	}
	if temp.PlexToken != "" && !domain.IsRedactedString(temp.PlexToken) {
		l.PlexTokenEncrypted = temp.PlexToken
	}
	if temp.ArrAPIKey != "" && !domain.IsRedactedString(temp.ArrAPIKey) {
		l.ArrAPIKeyEncrypted = temp.ArrAPIKey
	}

	return nil
}

// LibraryStore handles database operations for libraries
type LibraryStore struct {
	db        dbinterface.Querier
	encryptor *crypto.AESEncryptor
}

// NewLibraryStore creates a new LibraryStore. The encryption key protects
// integration credentials at rest.
func NewLibraryStore(db dbinterface.Querier, encryptionKey []byte) (*LibraryStore, error) {
	encryptor, err := crypto.NewAESEncryptor(encryptionKey)
	if err != nil {
		return nil, err
	}

	return &LibraryStore{
		db:        db,
		encryptor: encryptor,
	}, nil
}

// validateAndNormalizeURL validates and normalizes an integration endpoint URL
func validateAndNormalizeURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", nil
	}

	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}

	if u.Host == "" {
		return "", errors.New("URL must include a host")
	}

	return u.String(), nil
}

func (s *LibraryStore) validate(lib *Library) error {
	if lib == nil {
		return errors.New("library is nil")
	}
	if strings.TrimSpace(lib.Name) == "" {
		return errors.New("library name is required")
	}
	if lib.RootPath == "" {
		return errors.New("library root path is required")
	}
	if !filepath.IsAbs(lib.RootPath) {
		return fmt.Errorf("library root path %q must be absolute", lib.RootPath)
	}
	if lib.TrashRetentionDays < 0 {
		return errors.New("trash retention days cannot be negative")
	}
	if lib.MissingGraceHours < 0 {
		return errors.New("missing grace hours cannot be negative")
	}
	if lib.FingerprintMode == "" {
		lib.FingerprintMode = FingerprintModeFast
	}
	if !lib.FingerprintMode.IsValid() {
		return fmt.Errorf("unknown fingerprint mode %q", lib.FingerprintMode)
	}
	if lib.State == "" {
		lib.State = LibraryStateActive
	}

	lib.RootPath = filepath.Clean(lib.RootPath)

	var err error
	if lib.QbitURL, err = validateAndNormalizeURL(lib.QbitURL); err != nil {
		return fmt.Errorf("qbittorrent: %w", err)
	}
	if lib.PlexURL, err = validateAndNormalizeURL(lib.PlexURL); err != nil {
		return fmt.Errorf("plex: %w", err)
	}
	if lib.ArrURL, err = validateAndNormalizeURL(lib.ArrURL); err != nil {
		return fmt.Errorf("arr: %w", err)
	}

	return nil
}

// encryptCredentials encrypts any plaintext secrets carried on the library.
// Fields already cleared stay cleared, and integrations without a URL drop
// their leftover credentials entirely.
func (s *LibraryStore) encryptCredentials(lib *Library) error {
	if !lib.HasQbit() {
		lib.QbitUsername = ""
		lib.QbitPasswordEncrypted = ""
	} else if lib.QbitPasswordEncrypted != "" {
		encrypted, err := s.encryptor.Encrypt(lib.QbitPasswordEncrypted)
		if err != nil {
			return fmt.Errorf("failed to encrypt qbittorrent password: %w", err)
		}
		lib.QbitPasswordEncrypted = encrypted
	}

	if !lib.HasPlex() {
		lib.PlexTokenEncrypted = ""
	} else if lib.PlexTokenEncrypted != "" {
		encrypted, err := s.encryptor.Encrypt(lib.PlexTokenEncrypted)
		if err != nil {
			return fmt.Errorf("failed to encrypt plex token: %w", err)
		}
		lib.PlexTokenEncrypted = encrypted
	}

	if !lib.HasArr() {
		lib.ArrAPIKeyEncrypted = ""
	} else if lib.ArrAPIKeyEncrypted != "" {
		encrypted, err := s.encryptor.Encrypt(lib.ArrAPIKeyEncrypted)
		if err != nil {
			return fmt.Errorf("failed to encrypt arr API key: %w", err)
		}
		lib.ArrAPIKeyEncrypted = encrypted
	}

	return nil
}

const libraryColumns = `id, name, root_path, state, last_error, require_dry_run,
	trash_retention_days, missing_grace_hours,
	scan_interval_minutes, purge_interval_minutes, sync_interval_minutes,
	probe_enabled, fingerprint_mode, min_seed_time_minutes, min_seed_ratio, min_seeders,
	qbit_url, qbit_username, qbit_password_encrypted,
	plex_url, plex_token_encrypted, arr_url, arr_api_key_encrypted,
	created_at, updated_at`

// Create persists a new library. Credential fields on the input carry
// plaintext and are encrypted before storage.
func (s *LibraryStore) Create(ctx context.Context, lib *Library) (*Library, error) {
	if err := s.validate(lib); err != nil {
		return nil, err
	}
	if err := s.encryptCredentials(lib); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO libraries (
			name, root_path, state, require_dry_run, trash_retention_days, missing_grace_hours,
			scan_interval_minutes, purge_interval_minutes, sync_interval_minutes,
			probe_enabled, fingerprint_mode, min_seed_time_minutes, min_seed_ratio, min_seeders,
			qbit_url, qbit_username, qbit_password_encrypted,
			plex_url, plex_token_encrypted, arr_url, arr_api_key_encrypted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		lib.Name, lib.RootPath, lib.State, lib.RequireDryRun, lib.TrashRetentionDays, lib.MissingGraceHours,
		lib.ScanIntervalMinutes, lib.PurgeIntervalMinutes, lib.SyncIntervalMinutes,
		lib.ProbeEnabled, lib.FingerprintMode, lib.MinSeedTimeMinutes, lib.MinSeedRatio, lib.MinSeeders,
		nullString(lib.QbitURL), nullString(lib.QbitUsername), nullString(lib.QbitPasswordEncrypted),
		nullString(lib.PlexURL), nullString(lib.PlexTokenEncrypted),
		nullString(lib.ArrURL), nullString(lib.ArrAPIKeyEncrypted),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrLibraryExists
		}
		return nil, fmt.Errorf("failed to insert library: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return s.Get(ctx, int(id))
}

// Get retrieves a library by ID
func (s *LibraryStore) Get(ctx context.Context, id int) (*Library, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+libraryColumns+`
		FROM libraries
		WHERE id = ?
	`, id)

	return scanLibrary(row)
}

// GetByName retrieves a library by its unique name
func (s *LibraryStore) GetByName(ctx context.Context, name string) (*Library, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+libraryColumns+`
		FROM libraries
		WHERE name = ?
	`, name)

	return scanLibrary(row)
}

// List returns all libraries ordered by name
func (s *LibraryStore) List(ctx context.Context) ([]*Library, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+libraryColumns+`
		FROM libraries
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var libraries []*Library
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libraries = append(libraries, lib)
	}

	return libraries, rows.Err()
}

// Update rewrites a library's settings. Empty credential fields keep the
// stored secret; non-empty plaintext replaces it.
func (s *LibraryStore) Update(ctx context.Context, lib *Library) (*Library, error) {
	if err := s.validate(lib); err != nil {
		return nil, err
	}

	existing, err := s.Get(ctx, lib.ID)
	if err != nil {
		return nil, err
	}

	// Carry stored secrets forward when the caller left them blank
	if lib.HasQbit() && lib.QbitPasswordEncrypted == "" {
		lib.QbitPasswordEncrypted = existing.QbitPasswordEncrypted
	} else if err := s.encryptCredentialField(&lib.QbitPasswordEncrypted, lib.HasQbit(), "qbittorrent password"); err != nil {
		return nil, err
	}
	if lib.HasPlex() && lib.PlexTokenEncrypted == "" {
		lib.PlexTokenEncrypted = existing.PlexTokenEncrypted
	} else if err := s.encryptCredentialField(&lib.PlexTokenEncrypted, lib.HasPlex(), "plex token"); err != nil {
		return nil, err
	}
	if lib.HasArr() && lib.ArrAPIKeyEncrypted == "" {
		lib.ArrAPIKeyEncrypted = existing.ArrAPIKeyEncrypted
	} else if err := s.encryptCredentialField(&lib.ArrAPIKeyEncrypted, lib.HasArr(), "arr API key"); err != nil {
		return nil, err
	}
	if !lib.HasQbit() {
		lib.QbitUsername = ""
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE libraries SET
			name = ?, root_path = ?, require_dry_run = ?, trash_retention_days = ?, missing_grace_hours = ?,
			scan_interval_minutes = ?, purge_interval_minutes = ?, sync_interval_minutes = ?,
			probe_enabled = ?, fingerprint_mode = ?, min_seed_time_minutes = ?, min_seed_ratio = ?, min_seeders = ?,
			qbit_url = ?, qbit_username = ?, qbit_password_encrypted = ?,
			plex_url = ?, plex_token_encrypted = ?, arr_url = ?, arr_api_key_encrypted = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`,
		lib.Name, lib.RootPath, lib.RequireDryRun, lib.TrashRetentionDays, lib.MissingGraceHours,
		lib.ScanIntervalMinutes, lib.PurgeIntervalMinutes, lib.SyncIntervalMinutes,
		lib.ProbeEnabled, lib.FingerprintMode, lib.MinSeedTimeMinutes, lib.MinSeedRatio, lib.MinSeeders,
		nullString(lib.QbitURL), nullString(lib.QbitUsername), nullString(lib.QbitPasswordEncrypted),
		nullString(lib.PlexURL), nullString(lib.PlexTokenEncrypted),
		nullString(lib.ArrURL), nullString(lib.ArrAPIKeyEncrypted),
		lib.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrLibraryExists
		}
		return nil, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrLibraryNotFound
	}

	return s.Get(ctx, lib.ID)
}

func (s *LibraryStore) encryptCredentialField(field *string, configured bool, name string) error {
	if !configured {
		*field = ""
		return nil
	}
	if *field == "" {
		return nil
	}
	encrypted, err := s.encryptor.Encrypt(*field)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", name, err)
	}
	*field = encrypted
	return nil
}

// SetState records the library's operational state and last error
func (s *LibraryStore) SetState(ctx context.Context, id int, state LibraryState, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE libraries SET state = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, state, nullString(lastError), id)
	if err != nil {
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLibraryNotFound
	}

	return nil
}

// Delete removes a library and, through foreign keys, its items and history
func (s *LibraryStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM libraries WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLibraryNotFound
	}

	return nil
}

// GetDecryptedQbitPassword returns the decrypted qBittorrent password
func (s *LibraryStore) GetDecryptedQbitPassword(lib *Library) (string, error) {
	if lib.QbitPasswordEncrypted == "" {
		return "", nil
	}
	return s.encryptor.Decrypt(lib.QbitPasswordEncrypted)
}

// GetDecryptedPlexToken returns the decrypted Plex token
func (s *LibraryStore) GetDecryptedPlexToken(lib *Library) (string, error) {
	if lib.PlexTokenEncrypted == "" {
		return "", nil
	}
	return s.encryptor.Decrypt(lib.PlexTokenEncrypted)
}

// GetDecryptedArrAPIKey returns the decrypted Sonarr/Radarr API key
func (s *LibraryStore) GetDecryptedArrAPIKey(lib *Library) (string, error) {
	if lib.ArrAPIKeyEncrypted == "" {
		return "", nil
	}
	return s.encryptor.Decrypt(lib.ArrAPIKeyEncrypted)
}

// scanLibrary scans a single library row
func scanLibrary(row sqlScanner) (*Library, error) {
	var lib Library
	var lastError sql.NullString
	var qbitURL, qbitUsername, qbitPassword sql.NullString
	var plexURL, plexToken, arrURL, arrAPIKey sql.NullString

	err := row.Scan(
		&lib.ID, &lib.Name, &lib.RootPath, &lib.State, &lastError, &lib.RequireDryRun,
		&lib.TrashRetentionDays, &lib.MissingGraceHours,
		&lib.ScanIntervalMinutes, &lib.PurgeIntervalMinutes, &lib.SyncIntervalMinutes,
		&lib.ProbeEnabled, &lib.FingerprintMode, &lib.MinSeedTimeMinutes, &lib.MinSeedRatio, &lib.MinSeeders,
		&qbitURL, &qbitUsername, &qbitPassword,
		&plexURL, &plexToken, &arrURL, &arrAPIKey,
		&lib.CreatedAt, &lib.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLibraryNotFound
		}
		return nil, err
	}

	lib.LastError = lastError.String
	lib.QbitURL = qbitURL.String
	lib.QbitUsername = qbitUsername.String
	lib.QbitPasswordEncrypted = qbitPassword.String
	lib.PlexURL = plexURL.String
	lib.PlexTokenEncrypted = plexToken.String
	lib.ArrURL = arrURL.String
	lib.ArrAPIKeyEncrypted = arrAPIKey.String

	return &lib, nil
}
