package main

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/service"
)

var (
	deleteAccountID string
	deleteConfirm   string
)

var deleteAccountCmd = &cobra.Command{
	Use:   "delete-account",
	Short: "Delete an account and every synced row that belongs to it",
	Long: `Cancels the account's runs, removes its managed webhook endpoints
at the provider, then deletes its rows from every entity table, its sync
bookkeeping and the account row itself, in one transaction. Irreversible;
requires --confirm DELETE. Prints the per-table delete counts as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if deleteConfirm != "DELETE" {
			return db.Errorf(db.KindConfig, "refusing without --confirm DELETE")
		}

		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.RequireStripeKey(); err != nil {
			return err
		}

		ctx := cmd.Context()
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		svc, err := service.New(pool, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		// Best effort: without the provider the delete still proceeds,
		// leaving remote webhook cleanup to the report's warnings.
		if err := svc.EnsureAccounts(ctx); err != nil {
			log.Warn().Err(err).Msg("account resolution failed, skipping remote webhook cleanup")
		}

		report, err := svc.DeleteAccount(ctx, deleteAccountID)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	deleteAccountCmd.Flags().StringVar(&deleteAccountID, "account", "", "provider account id (required)")
	deleteAccountCmd.Flags().StringVar(&deleteConfirm, "confirm", "", `must be "DELETE"`)
	_ = deleteAccountCmd.MarkFlagRequired("account")
	rootCmd.AddCommand(deleteAccountCmd)
}
