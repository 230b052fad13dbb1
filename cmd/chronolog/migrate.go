// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/chronolog/chronolog/internal/store"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Run all pending database migrations against the PostgreSQL database.`,
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		cfg, err := loadConfig(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		databaseURL = cfg.DatabaseURL
	}
	if databaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database URL is required (DATABASE_URL or config file)")
	}

	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		_ = migrator.Close()
	}()

	cmd.Println("Running migrations...")
	if err := migrator.Up(); err != nil {
		return err
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	cmd.Printf("Migrations completed (version %d, dirty=%v)\n", version, dirty)
	return nil
}
