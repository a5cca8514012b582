package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-engine/internal/config"
	"github.com/kozaktomas/face-engine/internal/database/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply pending PostgreSQL schema migrations.

Every other command migrates on startup as well; this command exists for
deployment pipelines that migrate as a separate step.

Examples:
  # Apply pending migrations
  face-engine migrate

  # List applied migrations without changing anything
  face-engine migrate --status`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Bool("status", false, "Only list applied migrations")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	pool, err := postgres.NewPool(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer pool.Close()

	var versions []string
	if mustGetBool(cmd, "status") {
		versions, err = pool.MigrationsApplied(ctx)
	} else {
		versions, err = pool.Migrate(ctx)
	}
	if err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return outputJSON(map[string]any{"migrations": versions})
	}
	if len(versions) == 0 {
		fmt.Println("Nothing to apply, schema is up to date.")
		return nil
	}
	for _, v := range versions {
		fmt.Printf("  %s\n", v)
	}
	return nil
}
