package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/observability"
	"github.com/lvonguyen/repsentinel/internal/repository"
)

func migrateCmd() *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Database.URL == "" {
				return errors.New("database.url is not set")
			}

			tel, err := observability.New(observability.ConfigFrom(cfg, Version))
			if err != nil {
				return err
			}
			logger := tel.Logger()
			defer func() { _ = logger.Sync() }()

			if down > 0 {
				logger.Info("Rolling back migrations", zap.Int("steps", down))
				return repository.RollbackMigrations(cfg.Database.URL, down, logger)
			}
			return repository.RunMigrations(cfg.Database.URL, logger)
		},
	}

	cmd.Flags().IntVar(&down, "down", 0, "Roll back this many migrations instead of applying")
	return cmd
}
