// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"

	"github.com/autobrr/warden/internal/buildinfo"
	"github.com/autobrr/warden/pkg/version"
)

func RunVersionCommand() *cobra.Command {
	var checkLatest bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Println(buildinfo.String())

			if !checkLatest {
				return nil
			}

			checker := version.NewChecker("autobrr", "warden", buildinfo.UserAgent)
			newAvailable, release, err := checker.CheckNewVersion(cmd.Context(), buildinfo.Version)
			if err != nil {
				return err
			}

			if newAvailable && release != nil {
				cmd.Printf("\nA new release is available: %s\n", release.TagName)
				cmd.Printf("Download: %s\n", release.HTMLURL)
			} else {
				cmd.Println("\nYou are running the latest version.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkLatest, "check", false, "Check GitHub for a newer release")
	return cmd
}
