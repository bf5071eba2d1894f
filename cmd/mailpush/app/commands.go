// Package app provides the commands of the mailpush binary.
package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"mailpush/internal/config"
	"mailpush/internal/database"
	"mailpush/internal/utils"
)

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mailpush",
		Short:         "IMAP push service",
		Long:          `mailpush keeps IMAP IDLE pings open for push accounts and runs syncs between them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newStatusCmd())
	return rootCmd
}

// loadConfig reads the configuration and installs the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	utils.SetBaseLogger(utils.NewZapLogger(cfg.Log.Level))
	return cfg, nil
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	}
}
