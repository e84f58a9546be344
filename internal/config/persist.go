// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/autobrr/warden/internal/crypto"
)

const defaultConfigTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "127.0.0.1"
host = "127.0.0.1"

# Port
# Default: 7575
port = 7575

# Base URL
# Set custom baseUrl eg /warden/ to serve in subdirectory
# Optional
#baseUrl = "/warden/"

# Encryption secret
# Used to encrypt integration credentials at rest. Generated on first run.
# Changing it invalidates stored credentials.
encryptionSecret = "{{ENCRYPTION_SECRET}}"

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/warden.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: 50
#logMaxSize = 50

# Number of rotated log files to retain (0 keeps all)
# Default: 3
#logMaxBackups = 3

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "INFO"

# Database path
# If not defined, the database is created next to this file
# Optional
#databasePath = "/data/warden.db"

# Check for updates
# Default: true
checkForUpdates = true

# Prometheus metrics
# Serves /metrics on a separate listener when enabled
# Default: false
#metricsEnabled = false

# Metrics listen address
# Default: "127.0.0.1"
#metricsHost = "127.0.0.1"

# Metrics port
# Default: 7576
#metricsPort = 7576

# Basic auth for the metrics endpoint, comma-separated "user:password" pairs
# Optional
#metricsBasicAuthUsers = ""

# Media probe tool
[probe]
# Command used to probe technical metadata. Arguments are allowed.
# Default: "ffprobe"
#command = "ffprobe"

# Seconds before an unresponsive probe is abandoned
# Default: 10
#timeoutSeconds = 10

# Per-library job defaults. Libraries may override each interval.
[scheduler]
# Default: 60
#scanIntervalMinutes = 60

# Default: 60
#purgeIntervalMinutes = 60

# Default: 30
#syncIntervalMinutes = 30

# Jobs exceeding this are abandoned and resumed on the next run
# Default: 120
#jobTimeoutMinutes = 120

# Background workers executing scheduled jobs
# Default: 2
#workers = 2
`

func (c *AppConfig) writeDefaultConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	secret, err := crypto.GenerateSecureToken(16)
	if err != nil {
		return fmt.Errorf("generate encryption secret: %w", err)
	}

	content := strings.Replace(defaultConfigTemplate, "{{ENCRYPTION_SECRET}}", secret, 1)
	return os.WriteFile(configPath, []byte(content), 0o600)
}

// persistEncryptionSecret writes a generated secret back into an existing
// config file that lacked one, so restarts keep decrypting stored credentials.
func (c *AppConfig) persistEncryptionSecret(secret string) error {
	data, err := os.ReadFile(c.configPath)
	if err != nil {
		return err
	}

	content := string(data)
	line := fmt.Sprintf("encryptionSecret = %q", secret)

	if updated, ok := replaceKeyLine(content, "encryptionSecret", line); ok {
		return os.WriteFile(c.configPath, []byte(updated), 0o600)
	}

	// No existing key to replace, append before the first section header so
	// the key stays in the top-level table.
	updated := insertBeforeFirstSection(content, line+"\n")
	return os.WriteFile(c.configPath, []byte(updated), 0o600)
}

// UpdateLogSettings persists new log settings into the config file in place
// and applies them to the loaded configuration.
func (c *AppConfig) UpdateLogSettings(level, path string, maxSize, maxBackups int) error {
	data, err := os.ReadFile(c.configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	updated := updateLogSettingsInTOML(string(data), level, path, maxSize, maxBackups)
	if err := os.WriteFile(c.configPath, []byte(updated), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	c.mu.Lock()
	c.Config.LogLevel = level
	c.Config.LogPath = path
	c.Config.LogMaxSize = maxSize
	c.Config.LogMaxBackups = maxBackups
	c.mu.Unlock()

	return nil
}

// updateLogSettingsInTOML rewrites log-related keys inside existing content,
// uncommenting keys that are present only as commented defaults. Keys are
// never appended at the end so they stay ahead of any [section] header.
func updateLogSettingsInTOML(content, level, path string, maxSize, maxBackups int) string {
	replacements := []struct {
		key  string
		line string
	}{
		{"logLevel", fmt.Sprintf("logLevel = %q", level)},
		{"logPath", fmt.Sprintf("logPath = %q", path)},
		{"logMaxSize", fmt.Sprintf("logMaxSize = %d", maxSize)},
		{"logMaxBackups", fmt.Sprintf("logMaxBackups = %d", maxBackups)},
	}

	for _, r := range replacements {
		if path == "" && r.key == "logPath" {
			continue
		}
		if updated, ok := replaceKeyLine(content, r.key, r.line); ok {
			content = updated
			continue
		}
		content = insertBeforeFirstSection(content, r.line+"\n")
	}

	return content
}

// replaceKeyLine replaces the first top-level line defining key, commented or
// not. Lines inside [sections] are left alone.
func replaceKeyLine(content, key, newLine string) (string, bool) {
	lines := strings.Split(content, "\n")
	inSection := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			inSection = true
			continue
		}
		if inSection {
			continue
		}

		candidate := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if strings.HasPrefix(candidate, key) {
			rest := strings.TrimPrefix(candidate, key)
			if strings.HasPrefix(strings.TrimSpace(rest), "=") {
				lines[i] = newLine
				return strings.Join(lines, "\n"), true
			}
		}
	}

	return content, false
}

// insertBeforeFirstSection inserts text just before the first [section]
// header, or appends it when the file has no sections.
func insertBeforeFirstSection(content, text string) string {
	idx := -1
	offset := 0
	for _, line := range strings.SplitAfter(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			idx = offset
			break
		}
		offset += len(line)
	}

	if idx == -1 {
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		return content + text
	}

	return content[:idx] + text + content[idx:]
}
