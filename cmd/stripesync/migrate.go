package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/erauner12/stripesync/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema bundle to the target database",
	Long: `Creates the schema, the entity tables and the sync bookkeeping
tables, recording each applied step so re-running is a no-op. The other
commands apply this automatically unless DISABLE_MIGRATIONS is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}

		pool, err := openPool(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		return applyMigrations(cmd.Context(), pool, cfg.Schema)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	applied, err := migrate.Apply(ctx, pool, schema)
	if err != nil {
		return migrationError{err}
	}
	if len(applied) > 0 {
		log.Info().Strs("applied", applied).Str("schema", schema).Msg("migrations applied")
	} else {
		log.Info().Str("schema", schema).Msg("schema up to date")
	}
	return nil
}
