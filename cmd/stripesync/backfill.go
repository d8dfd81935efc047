package main

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/service"
)

var (
	backfillSince     string
	backfillUntil     string
	backfillSliceDays int
	backfillFull      bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill [object ...]",
	Short: "Walk the provider's list APIs into Postgres",
	Long: `Seeds (or joins) a backfill run and drives it with this process's
workers until every object is walked.

With no arguments (or "all") every directly listable object is walked,
parents before children. Otherwise pass object names: customer, product,
price, subscription, invoice, charge, ...

By default each object resumes just past its stored cursor, so repeated
invocations only pick up new history. --full re-walks from the beginning.
--since/--until restrict the walk to a created window, and --slice-days
splits that window into day-sized slices that workers claim in parallel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackfill(cmd.Context(), args)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillSince, "since", "", "window start (unix seconds or RFC3339)")
	backfillCmd.Flags().StringVar(&backfillUntil, "until", "", "window end (unix seconds or RFC3339)")
	backfillCmd.Flags().IntVar(&backfillSliceDays, "slice-days", 0, "split the window into N-day slices")
	backfillCmd.Flags().BoolVar(&backfillFull, "full", false, "ignore stored cursors and re-walk everything")
	rootCmd.AddCommand(backfillCmd)
}

// parseTimeFlag accepts unix seconds or RFC3339; empty means unset.
func parseTimeFlag(name, v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, db.Errorf(db.KindConfig, "--%s must be unix seconds or RFC3339, got %q", name, v)
	}
	return t.Unix(), nil
}

func runBackfill(ctx context.Context, args []string) error {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.RequireStripeKey(); err != nil {
		return err
	}

	since, err := parseTimeFlag("since", backfillSince)
	if err != nil {
		return err
	}
	until, err := parseTimeFlag("until", backfillUntil)
	if err != nil {
		return err
	}

	objects := args
	if len(args) == 1 && args[0] == "all" {
		objects = nil
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if !cfg.DisableMigrations {
		if err := applyMigrations(ctx, pool, cfg.Schema); err != nil {
			return err
		}
	}

	svc, err := service.New(pool, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.EnsureAccounts(ctx); err != nil {
		return err
	}

	opts := service.BackfillOptions{
		Objects:   objects,
		Since:     since,
		Until:     until,
		SliceDays: backfillSliceDays,
		Full:      backfillFull,
	}
	for _, t := range svc.Tenants() {
		started := time.Now()
		if err := svc.Backfill(ctx, t, "cli-backfill", opts); err != nil {
			return err
		}
		logRunOutcome(ctx, svc, t.AccountID(), started)
	}
	return nil
}

func logRunOutcome(ctx context.Context, svc *service.Service, accountID string, started time.Time) {
	sums, err := svc.RunSummaries(ctx, accountID, 1)
	if err != nil || len(sums) == 0 {
		log.Warn().Err(err).Str("account", accountID).Msg("no run summary after backfill")
		return
	}
	s := sums[0]
	ev := log.Info()
	if s.Error > 0 {
		ev = log.Warn()
	}
	ev.Str("account", accountID).
		Str("status", s.Status).
		Int("objects", s.Total).
		Int("complete", s.Complete).
		Int("errored", s.Error).
		Int64("rows", s.Processed).
		Dur("took", time.Since(started)).
		Msg("backfill run finished")
}
