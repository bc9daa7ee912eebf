package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	pg "dastor/internal/adapters/postgres"
	"dastor/internal/config"
	"dastor/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
		db, err := pg.Connect(cmd.Context(), postgresOptions(cfg))
		if err != nil {
			return err
		}
		defer db.Close()
		n, err := db.Migrate(cmd.Context(), log)
		if err != nil {
			return err
		}
		log.Info("migrations complete", slog.Int("applied", n))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func postgresOptions(cfg config.Config) pg.Options {
	return pg.Options{
		URL:               cfg.DatabaseURL,
		MaxConns:          int32(cfg.DBMaxConns),
		HealthCheckPeriod: cfg.DBHealthCheckPeriod,
	}
}
