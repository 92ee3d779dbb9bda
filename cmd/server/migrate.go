package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-crm-pipeline/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		db, err := database.OpenSQL(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := database.ApplyMigrations(ctx, db)
		if err != nil {
			return err
		}
		log.Info().Strs("applied", applied).Msg("Migrations complete")
		return nil
	},
}
