// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads and persists the application configuration. Values come
// from config.toml with WARDEN__ environment overrides; a handful of keys
// (log level, scheduler defaults) reload live when the file changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/autobrr/warden/internal/crypto"
	"github.com/autobrr/warden/pkg/debounce"
)

// Config holds all application settings.
type Config struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	BaseURL          string `mapstructure:"baseUrl"`
	EncryptionSecret string `mapstructure:"encryptionSecret"`
	LogLevel         string `mapstructure:"logLevel"`
	LogPath          string `mapstructure:"logPath"`
	LogMaxSize       int    `mapstructure:"logMaxSize"`
	LogMaxBackups    int    `mapstructure:"logMaxBackups"`
	DatabasePath     string `mapstructure:"databasePath"`
	DataDir          string `mapstructure:"dataDir"`
	CheckForUpdates  bool   `mapstructure:"checkForUpdates"`

	MetricsEnabled        bool   `mapstructure:"metricsEnabled"`
	MetricsHost           string `mapstructure:"metricsHost"`
	MetricsPort           int    `mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `mapstructure:"metricsBasicAuthUsers"`

	Probe     ProbeConfig     `mapstructure:"probe"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ProbeConfig controls the external media probe tool.
type ProbeConfig struct {
	Command        string `mapstructure:"command"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// SchedulerConfig holds default intervals for per-library jobs. Libraries can
// override each interval individually.
type SchedulerConfig struct {
	ScanIntervalMinutes  int `mapstructure:"scanIntervalMinutes"`
	PurgeIntervalMinutes int `mapstructure:"purgeIntervalMinutes"`
	SyncIntervalMinutes  int `mapstructure:"syncIntervalMinutes"`
	JobTimeoutMinutes    int `mapstructure:"jobTimeoutMinutes"`
	Workers              int `mapstructure:"workers"`
}

// AppConfig wraps the parsed configuration together with the viper instance
// that owns the backing file.
type AppConfig struct {
	Config *Config

	viper      *viper.Viper
	configPath string

	mu sync.RWMutex
}

// envOverrides maps config keys to their environment variable names. Explicit
// bindings keep the documented WARDEN__SNAKE_CASE form stable regardless of
// viper's key mangling.
var envOverrides = map[string]string{
	"host":                           "WARDEN__HOST",
	"port":                           "WARDEN__PORT",
	"baseUrl":                        "WARDEN__BASE_URL",
	"encryptionSecret":               "WARDEN__ENCRYPTION_SECRET",
	"logLevel":                       "WARDEN__LOG_LEVEL",
	"logPath":                        "WARDEN__LOG_PATH",
	"databasePath":                   "WARDEN__DATABASE_PATH",
	"dataDir":                        "WARDEN__DATA_DIR",
	"checkForUpdates":                "WARDEN__CHECK_FOR_UPDATES",
	"metricsEnabled":                 "WARDEN__METRICS_ENABLED",
	"metricsHost":                    "WARDEN__METRICS_HOST",
	"metricsPort":                    "WARDEN__METRICS_PORT",
	"metricsBasicAuthUsers":          "WARDEN__METRICS_BASIC_AUTH_USERS",
	"probe.command":                  "WARDEN__PROBE_COMMAND",
	"probe.timeoutSeconds":           "WARDEN__PROBE_TIMEOUT_SECONDS",
	"scheduler.scanIntervalMinutes":  "WARDEN__SCHEDULER_SCAN_INTERVAL_MINUTES",
	"scheduler.purgeIntervalMinutes": "WARDEN__SCHEDULER_PURGE_INTERVAL_MINUTES",
	"scheduler.syncIntervalMinutes":  "WARDEN__SCHEDULER_SYNC_INTERVAL_MINUTES",
}

// New loads the configuration, creating a default config file on first run.
// configPath may be a file, a directory, or empty for the default location.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.setDefaults()

	if err := c.load(configPath); err != nil {
		return nil, err
	}

	if err := c.parse(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *AppConfig) setDefaults() {
	c.viper.SetDefault("host", "127.0.0.1")
	c.viper.SetDefault("port", 7575)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("checkForUpdates", true)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 7576)
	c.viper.SetDefault("probe.command", "ffprobe")
	c.viper.SetDefault("probe.timeoutSeconds", 10)
	c.viper.SetDefault("scheduler.scanIntervalMinutes", 60)
	c.viper.SetDefault("scheduler.purgeIntervalMinutes", 60)
	c.viper.SetDefault("scheduler.syncIntervalMinutes", 30)
	c.viper.SetDefault("scheduler.jobTimeoutMinutes", 120)
	c.viper.SetDefault("scheduler.workers", 2)
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	for key, env := range envOverrides {
		if err := c.viper.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if configPath == "" {
		configPath = getDefaultConfigDir()
	}

	fi, err := os.Stat(configPath)
	switch {
	case err == nil && fi.IsDir():
		configPath = filepath.Join(configPath, "config.toml")
	case err == nil:
		// explicit existing file
	case strings.HasSuffix(configPath, ".toml"):
		// missing file with an explicit name, created below
	default:
		configPath = filepath.Join(configPath, "config.toml")
	}

	c.configPath = configPath

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := c.writeDefaultConfig(configPath); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}

	c.viper.SetConfigFile(configPath)
	if err := c.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", configPath, err)
	}

	return nil
}

func (c *AppConfig) parse() error {
	cfg := &Config{}
	if err := c.viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.EncryptionSecret == "" {
		secret, err := crypto.GenerateSecureToken(16)
		if err != nil {
			return fmt.Errorf("generate encryption secret: %w", err)
		}
		cfg.EncryptionSecret = secret
		c.viper.Set("encryptionSecret", secret)
		if err := c.persistEncryptionSecret(secret); err != nil {
			log.Warn().Err(err).Msg("config: could not persist generated encryption secret")
		}
	}

	c.mu.Lock()
	c.Config = cfg
	c.mu.Unlock()

	return nil
}

// Watch re-reads the config file on change and applies the reloadable subset.
// Editors fire several fsnotify events per save, so reloads are debounced.
func (c *AppConfig) Watch() {
	debouncer := debounce.New(500 * time.Millisecond)

	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Debug().Str("file", e.Name).Msg("config: file changed, reloading")

		debouncer.Do(c.reload)
	})
	c.viper.WatchConfig()
}

func (c *AppConfig) reload() {
	cfg := &Config{}
	if err := c.viper.Unmarshal(cfg); err != nil {
		log.Error().Err(err).Msg("config: reload failed, keeping previous settings")
		return
	}

	c.mu.Lock()
	c.Config.LogLevel = cfg.LogLevel
	c.Config.CheckForUpdates = cfg.CheckForUpdates
	c.Config.Scheduler = cfg.Scheduler
	c.Config.Probe = cfg.Probe
	c.mu.Unlock()

	if level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
		zerolog.SetGlobalLevel(level)
		log.Info().Str("logLevel", cfg.LogLevel).Msg("config: log level updated")
	}
}

// GetDatabasePath returns the configured database path, defaulting to a
// warden.db next to the config file.
func (c *AppConfig) GetDatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Config.DatabasePath != "" {
		return c.Config.DatabasePath
	}
	return filepath.Join(filepath.Dir(c.configPath), "warden.db")
}

// GetDataDir returns the directory for runtime state, defaulting to the
// config file's directory.
func (c *AppConfig) GetDataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Config.DataDir != "" {
		return c.Config.DataDir
	}
	return filepath.Dir(c.configPath)
}

// GetConfigPath returns the path of the loaded config file.
func (c *AppConfig) GetConfigPath() string {
	return c.configPath
}

// EncryptionKey derives the 32-byte key used to encrypt stored credentials.
func (c *AppConfig) EncryptionKey() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return crypto.DeriveKey(c.Config.EncryptionSecret)
}

// getDefaultConfigDir resolves the default config directory. A bare
// XDG_CONFIG_HOME of /config (the Docker convention) is used directly.
func getDefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		if xdg == "/config" {
			return xdg
		}
		return filepath.Join(xdg, "warden")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "warden")
}
