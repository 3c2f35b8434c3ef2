package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"aquamonitor/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long:  `Creates the tables and indexes used by the postgres storage driver. Safe to run repeatedly.`,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Close()

	if cfg.Storage.Driver != "postgres" {
		return fmt.Errorf("migrate needs the postgres storage driver, got %q", cfg.Storage.Driver)
	}

	conn, err := db.New(cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	if err := conn.Migrate(contextOrBackground(cmd)); err != nil {
		logger.Errorf("Migration failed: %v", err)
		return err
	}
	logger.Info("Schema applied")
	return nil
}
