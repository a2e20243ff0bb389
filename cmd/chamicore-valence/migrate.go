package main

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"git.cscs.ch/openchami/chamicore-valence/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := log.With().Str("component", "migrate").Logger()
			if cfg.DBDSN == "" {
				err := errors.New("VALENCE_DB_DSN is required to run migrations")
				logger.Error().Err(err).Msg("migration failed")
				return err
			}
			schema, err := store.Migrate(cfg.DBDSN)
			if err != nil {
				logger.Error().Err(err).Msg("migration failed")
				return err
			}
			logger.Info().Uint("version", schema).Msg("database migration complete")
			return nil
		},
	}
}
