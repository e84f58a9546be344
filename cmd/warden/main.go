// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/autobrr/warden/internal/buildinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Media library safe-action engine",
		Long: `warden watches media libraries, stages risky deletions through a
recoverable trash mirror, and keeps torrent clients, media servers and arr
tools in sync with what is on disk.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.Date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunUpdateCommand())
	rootCmd.AddCommand(RunProbeCommand())
	rootCmd.AddCommand(RunLibraryCommand())

	// Running the bare binary starts the daemon.
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
