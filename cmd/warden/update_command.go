// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"

	"github.com/autobrr/warden/internal/buildinfo"
	"github.com/autobrr/warden/internal/update"
)

func RunUpdateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Update the warden binary in place",
		RunE: func(cmd *cobra.Command, _ []string) error {
			updater := update.NewUpdater(update.Config{
				Repository: "autobrr/warden",
				Version:    buildinfo.Version,
			})

			_, err := updater.Run(cmd.Context())
			return err
		},
	}
}
