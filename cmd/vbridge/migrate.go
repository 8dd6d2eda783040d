package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/vdavid/vbridge/internal/config"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/logging"
	"github.com/vdavid/vbridge/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := logging.New(cfg.LogLevel, cfg.LogFormat)

			pool, err := db.NewConnection(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.CloseConnection(pool)

			_, err = migrate(cmd.Context(), pool, log)
			return err
		},
	}
}

func migrate(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) ([]string, error) {
	applied, err := migrations.Apply(ctx, pool)
	if err != nil {
		return nil, err
	}
	if len(applied) == 0 {
		log.Info().Msg("Schema is up to date")
	}
	for _, name := range applied {
		log.Info().Str("migration", name).Msg("Applied migration")
	}
	return applied, nil
}
