package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scantrail/api/internal/config"
	"github.com/scantrail/api/internal/infra/postgres"
	"github.com/scantrail/api/pkg/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(func(ctx context.Context, r *migrations.Runner) error {
			return r.Up(ctx)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(func(ctx context.Context, r *migrations.Runner) error {
			return r.Down(ctx)
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(func(ctx context.Context, r *migrations.Runner) error {
			return r.Status(ctx)
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func withRunner(fn func(ctx context.Context, r *migrations.Runner) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := postgres.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	return fn(context.Background(), migrations.NewRunner(db.DB))
}
