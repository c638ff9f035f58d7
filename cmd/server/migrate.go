package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"companion-backend/internal/config"
	"companion-backend/internal/database"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Postgres migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cfg.StoreType != "postgres" {
			return fmt.Errorf("migrations only apply to STORE_TYPE=postgres (got %q)", cfg.StoreType)
		}

		ctx := cmd.Context()
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, database.DefaultPoolOptions(1))
		if err != nil {
			return err
		}
		defer pool.Close()

		applied, err := database.RunMigrations(ctx, pool, migrationsDir)
		if err != nil {
			return err
		}
		log.Printf("✓ Database migrations applied (%d new)", applied)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "directory holding NNN_*.sql files")
}
