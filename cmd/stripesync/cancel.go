package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/erauner12/stripesync/internal/accounts"
	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/runs"
)

var cancelAccount string

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the open sync runs for an account",
	Long: `Marks every open run for the account cancelled. Workers notice on
their next claim and drain; no partial page is lost. --account may be
omitted when exactly one account is synced.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		account := cancelAccount
		if account == "" {
			ids, err := (&accounts.Store{Pool: pool, Schema: cfg.Schema}).IDs(ctx)
			if err != nil {
				return err
			}
			if len(ids) != 1 {
				return db.Errorf(db.KindConfig, "%d accounts synced here, pass --account", len(ids))
			}
			account = ids[0]
		}

		n, err := runs.NewRegistry(pool, cfg.Schema).CancelRun(ctx, account, "")
		if err != nil {
			return err
		}
		log.Info().Str("account", account).Int("cancelled", n).Msg("open runs cancelled")
		return nil
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelAccount, "account", "", "provider account id")
	rootCmd.AddCommand(cancelCmd)
}
