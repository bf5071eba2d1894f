package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"mailpush/internal/database"
	"mailpush/internal/repository"
	"mailpush/internal/utils"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long:  `Create or update the database schema and seed the default mail providers.`,
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := utils.NewLogger("Migrate")

	if err := database.Initialize(databaseConfig(cfg)); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	if err := repository.NewMailProviderRepository(database.GetDB()).SeedDefaultProviders(); err != nil {
		return fmt.Errorf("failed to seed default providers: %w", err)
	}
	logger.Info("Database %s (%s) is up to date", cfg.Database.DBName, cfg.Database.Driver)
	return nil
}
