// Command stripesync mirrors a payment provider's object catalog into
// Postgres. `backfill` walks the provider's list APIs, `start` keeps
// the mirror current by ingesting webhook events (or the provider's
// live event stream) while running periodic incremental backfills.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/erauner12/stripesync/internal/config"
	"github.com/erauner12/stripesync/internal/db"
)

var (
	flagDatabaseURL string
	flagStripeKey   string
	flagSchema      string
	flagVerbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "stripesync",
	Short:         "Mirror a payment provider's objects into Postgres",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Configure structured logging
		zerolog.TimeFieldFormat = time.RFC3339Nano
		log.Logger = log.With().Str("service", "stripesync").Logger()

		// Pretty logging for local dev
		if os.Getenv("ENV") == "dev" {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		}

		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if flagVerbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagDatabaseURL, "database-url", "", "Postgres URL (defaults to DATABASE_URL)")
	pf.StringVar(&flagStripeKey, "stripe-key", "", "provider secret key (defaults to STRIPE_SECRET_KEY)")
	pf.StringVar(&flagSchema, "schema", "", "Postgres schema holding the mirror (defaults to SCHEMA)")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

// loadConfig reads the environment and layers the global flags on top.
func loadConfig() config.Config {
	cfg := config.Load()
	if flagDatabaseURL != "" {
		cfg.DatabaseURL = flagDatabaseURL
	}
	if flagStripeKey != "" {
		cfg.StripeKey = flagStripeKey
	}
	if flagSchema != "" {
		cfg.Schema = flagSchema
	}
	return cfg
}

func openPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pc := db.DefaultPoolConfig()
	pc.MaxConns = int32(cfg.MaxPostgresConns)
	return db.Open(ctx, cfg.DatabaseURL, pc)
}

// migrationError marks a failure while applying the schema bundle so
// main can exit with the migration code.
type migrationError struct{ err error }

func (e migrationError) Error() string { return e.err.Error() }
func (e migrationError) Unwrap() error { return e.err }

// Exit codes: 1 for configuration problems, 2 for migration failures,
// 3 for everything else.
func exitCode(err error) int {
	var m migrationError
	switch {
	case db.KindOf(err) == db.KindConfig:
		return 1
	case errors.As(err, &m):
		return 2
	default:
		return 3
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitCode(err))
	}
}
