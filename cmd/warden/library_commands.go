// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/autobrr/warden/internal/api/handlers"
	"github.com/autobrr/warden/internal/config"
	"github.com/autobrr/warden/internal/database"
	"github.com/autobrr/warden/internal/models"
)

func RunLibraryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Manage libraries",
	}

	cmd.AddCommand(runLibraryListCommand())
	cmd.AddCommand(runLibraryAddCommand())
	cmd.AddCommand(runLibraryImportCommand())
	return cmd
}

// openLibraryStore opens the database for a one-shot CLI operation. Info
// logging is suppressed so command output stays clean.
func openLibraryStore(configPath string) (*models.LibraryStore, *database.DB, error) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.New(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	store, err := models.NewLibraryStore(db, cfg.EncryptionKey())
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init library store: %w", err)
	}

	return store, db, nil
}

func runLibraryListCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured libraries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, db, err := openLibraryStore(configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			libraries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			if len(libraries) == 0 {
				cmd.Println("No libraries configured.")
				return nil
			}

			cmd.Printf("%-4s %-20s %-10s %s\n", "ID", "NAME", "STATE", "ROOT")
			for _, lib := range libraries {
				cmd.Printf("%-4d %-20s %-10s %s\n", lib.ID, lib.Name, lib.State, lib.RootPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file or directory")
	return cmd
}

// promptSecret reads a secret from the terminal without echoing it.
func promptSecret(cmd *cobra.Command, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%s requires an interactive terminal", label)
	}

	cmd.Printf("%s: ", label)
	secret, err := term.ReadPassword(fd)
	cmd.Println()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", label, err)
	}

	return strings.TrimSpace(string(secret)), nil
}

func runLibraryAddCommand() *cobra.Command {
	var (
		configPath    string
		name          string
		rootPath      string
		retentionDays int
		requireDryRun bool
		qbitURL       string
		qbitUsername  string
		plexURL       string
		arrURL        string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a library",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lib := &models.Library{
				Name:               name,
				RootPath:           rootPath,
				TrashRetentionDays: retentionDays,
				RequireDryRun:      requireDryRun,
				QbitURL:            qbitURL,
				QbitUsername:       qbitUsername,
				PlexURL:            plexURL,
				ArrURL:             arrURL,
			}

			// Secrets are prompted, never passed as flags, so they stay
			// out of shell history and process listings.
			if qbitURL != "" {
				secret, err := promptSecret(cmd, "qBittorrent password")
				if err != nil {
					return err
				}
				lib.QbitPasswordEncrypted = secret
			}
			if plexURL != "" {
				secret, err := promptSecret(cmd, "Plex token")
				if err != nil {
					return err
				}
				lib.PlexTokenEncrypted = secret
			}
			if arrURL != "" {
				secret, err := promptSecret(cmd, "Arr API key")
				if err != nil {
					return err
				}
				lib.ArrAPIKeyEncrypted = secret
			}

			store, db, err := openLibraryStore(configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			created, err := store.Create(cmd.Context(), lib)
			if err != nil {
				return err
			}

			cmd.Printf("Library %q created with ID %d\n", created.Name, created.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file or directory")
	cmd.Flags().StringVar(&name, "name", "", "Library name")
	cmd.Flags().StringVar(&rootPath, "root", "", "Absolute path to the library root")
	cmd.Flags().IntVar(&retentionDays, "retention-days", 7, "Days trashed items are kept before purge")
	cmd.Flags().BoolVar(&requireDryRun, "require-dry-run", false, "Require a preview before destructive actions")
	cmd.Flags().StringVar(&qbitURL, "qbit-url", "", "qBittorrent WebUI URL")
	cmd.Flags().StringVar(&qbitUsername, "qbit-username", "", "qBittorrent WebUI username")
	cmd.Flags().StringVar(&plexURL, "plex-url", "", "Plex server URL")
	cmd.Flags().StringVar(&arrURL, "arr-url", "", "Sonarr/Radarr URL")

	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("root")

	return cmd
}

func runLibraryImportCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import libraries from a declarative YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			store, db, err := openLibraryStore(configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := handlers.ImportLibraryYAML(cmd.Context(), store, data)
			if err != nil {
				return err
			}

			for _, name := range result.Created {
				cmd.Printf("created: %s\n", name)
			}
			for _, name := range result.Updated {
				cmd.Printf("updated: %s\n", name)
			}
			cmd.Printf("%d created, %d updated\n", len(result.Created), len(result.Updated))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file or directory")
	return cmd
}
