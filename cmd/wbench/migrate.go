package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/workbench-io/workbench-go/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	Long: `Creates the core, jobs, events, audit, and search schemas plus
their tables, indexes, and the dataset summary materialized view.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := database.NewClient(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("Migrations applied")
	return nil
}
