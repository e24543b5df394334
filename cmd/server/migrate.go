package main

import (
	"fmt"

	"github.com/sagaler1/v-chatbot/internal/database"
	"github.com/sagaler1/v-chatbot/internal/logging"
	"github.com/spf13/cobra"
)

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging)

	if err := database.RunMigrations(cfg.Database); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.WithField("driver", cfg.Database.Driver).Info("Migrations applied")
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging)

	if err := database.RollbackMigration(cfg.Database); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	log.WithField("driver", cfg.Database.Driver).Info("Rolled back one migration")
	return nil
}

func runMigrateVersion(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	version, dirty, err := database.MigrationVersion(cfg.Database)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
	return nil
}
