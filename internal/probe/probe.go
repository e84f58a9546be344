// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package probe extracts technical metadata from media files by shelling out
// to ffprobe. Probe failures degrade to unknown metadata; they never fail a
// scan.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Hellseher/go-shellquote"
	"github.com/hashicorp/go-version"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/models"
)

const (
	defaultCommand = "ffprobe"
	defaultTimeout = 10 * time.Second
)

// minimumProbeVersion is the oldest ffprobe known to support the JSON
// show_entries selection used here.
var minimumProbeVersion = version.Must(version.NewVersion("4.0.0"))

// ErrNoCommand is returned when the configured probe command cannot be parsed.
var ErrNoCommand = errors.New("probe command is empty or unparseable")

// Prober runs the configured probe command against media files. The command
// may carry its own arguments ("nice -n 10 ffprobe"); the media arguments are
// appended.
type Prober struct {
	command string
	timeout time.Duration
}

func New(command string, timeoutSeconds int) *Prober {
	command = strings.TrimSpace(command)
	if command == "" {
		command = defaultCommand
	}

	timeout := defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	return &Prober{
		command: command,
		timeout: timeout,
	}
}

// Probe inspects a single file. A nil result with a nil error means the file
// yielded no usable video metadata.
func (p *Prober) Probe(ctx context.Context, path string) (*models.MediaInfo, error) {
	argv, err := p.argv()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := append(argv[1:],
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,codec_name",
		"-show_entries", "format=duration",
		"-of", "json",
		"--", path,
	)

	cmd := exec.CommandContext(ctx, argv[0], args...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("probe: %q gave up after %s: %w", path, p.timeout, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("probe: %q: %w: %s", path, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("probe: %q: %w", path, err)
	}

	return parseProbeOutput(output)
}

// CheckVersion queries the probe tool's version and warns when it is older
// than the minimum supported release. Failures are logged, not returned; an
// exotic probe command with a nonstandard -version output is still usable.
func (p *Prober) CheckVersion(ctx context.Context) {
	argv, err := p.argv()
	if err != nil {
		log.Warn().Err(err).Msg("probe: cannot parse probe command")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], "-version")...)
	output, err := cmd.Output()
	if err != nil {
		log.Warn().Err(err).Str("command", p.command).Msg("probe: tool not runnable, media metadata will be unavailable")
		return
	}

	detected, err := parseProbeVersion(string(output))
	if err != nil {
		log.Debug().Err(err).Str("command", p.command).Msg("probe: could not determine tool version")
		return
	}

	if detected.LessThan(minimumProbeVersion) {
		log.Warn().
			Str("version", detected.String()).
			Str("minimum", minimumProbeVersion.String()).
			Msg("probe: tool is older than the minimum supported version")
		return
	}

	log.Debug().Str("version", detected.String()).Msg("probe: tool version ok")
}

func (p *Prober) argv() ([]string, error) {
	argv, err := shellquote.Split(p.command)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %s", ErrNoCommand, p.command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoCommand, p.command)
	}
	return argv, nil
}

type probeOutput struct {
	Streams []struct {
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbeOutput(data []byte) (*models.MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("probe: parse output: %w", err)
	}

	info := &models.MediaInfo{}
	if len(out.Streams) > 0 {
		stream := out.Streams[0]
		info.Width = stream.Width
		info.Height = stream.Height
		info.Codec = stream.CodecName
	}
	if raw := strings.TrimSpace(out.Format.Duration); raw != "" {
		if seconds, err := strconv.ParseFloat(raw, 64); err == nil && seconds > 0 {
			info.DurationSeconds = seconds
		}
	}

	if info.Width == 0 && info.Height == 0 && info.Codec == "" && info.DurationSeconds == 0 {
		return nil, nil
	}
	return info, nil
}

// parseProbeVersion pulls the release number out of the first line of
// "ffprobe -version" output, e.g. "ffprobe version 6.1.1-3ubuntu5 ..." or the
// static-build form "ffprobe version n4.4.1 ...".
func parseProbeVersion(output string) (*version.Version, error) {
	line, _, _ := strings.Cut(output, "\n")
	fields := strings.Fields(line)

	for i, field := range fields {
		if field != "version" || i+1 >= len(fields) {
			continue
		}

		raw := strings.TrimPrefix(fields[i+1], "n")
		if idx := strings.IndexFunc(raw, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.'
		}); idx > 0 {
			raw = raw[:idx]
		}

		parsed, err := version.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("probe: unparseable version %q: %w", fields[i+1], err)
		}
		return parsed, nil
	}

	return nil, fmt.Errorf("probe: no version in %q", line)
}
