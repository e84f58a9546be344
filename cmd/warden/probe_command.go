// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autobrr/warden/internal/config"
	"github.com/autobrr/warden/internal/probe"
)

func RunProbeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "probe <file>",
		Short: "Run the configured media probe against a single file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			prober := probe.New(cfg.Config.Probe.Command, cfg.Config.Probe.TimeoutSeconds)

			info, err := prober.Probe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if info == nil {
				cmd.Println("No usable video metadata found.")
				return nil
			}

			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file or directory")
	return cmd
}
