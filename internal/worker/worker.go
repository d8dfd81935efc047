// Package worker drives backfill runs: a pool of workers that claim
// object slices, page through the provider's list endpoints, and hand
// each page to the entity upserter.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/entities"
	"github.com/erauner12/stripesync/internal/fetch"
	"github.com/erauner12/stripesync/internal/runs"
)

// Pool processes one account's sync runs with Count workers. Workers
// coordinate through the run registry only, so pools in separate
// processes can share a run.
type Pool struct {
	Registry  *runs.Registry
	Fetcher   *fetch.Fetcher
	Upserter  *entities.Upserter
	AccountID string

	Count     int           // workers; 0 means 4
	MaxTasks  int           // tasks each worker processes before exiting; 0 means no budget
	IdleWait  time.Duration // wait between claim attempts when nothing is claimable
	RetryWait time.Duration // wait before retrying after a transient failure
}

func (p *Pool) count() int {
	if p.Count < 1 {
		return 4
	}
	return p.Count
}

func (p *Pool) idleWait() time.Duration {
	if p.IdleWait <= 0 {
		return 2 * time.Second
	}
	return p.IdleWait
}

func (p *Pool) retryWait() time.Duration {
	if p.RetryWait <= 0 {
		return 5 * time.Second
	}
	return p.RetryWait
}

// Run works the given run until it closes or ctx is cancelled.
func (p *Pool) Run(ctx context.Context, run runs.RunKey) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.count(); i++ {
		g.Go(func() error { return p.work(ctx, run) })
	}
	return g.Wait()
}

// Backfill creates (or joins) a run covering the given slices and
// drives it to completion.
func (p *Pool) Backfill(ctx context.Context, trigger string, slices []runs.Slice) error {
	run, created, err := p.Registry.JoinOrCreateRun(ctx, p.AccountID, trigger, p.count(), slices)
	if err != nil {
		return err
	}
	if !created {
		log.Info().Str("account", p.AccountID).Str("trigger", trigger).
			Int64("started_at", run.StartedAt).Msg("joining open run")
	}
	return p.Run(ctx, run)
}

func (p *Pool) work(ctx context.Context, run runs.RunKey) error {
	processed := 0
	for {
		if p.MaxTasks > 0 && processed >= p.MaxTasks {
			log.Info().Str("account", run.AccountID).Int("tasks", processed).Msg("worker task budget reached")
			return nil
		}
		task, err := p.Registry.ClaimNextTask(ctx, run)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !db.IsTransient(err) {
				return err
			}
			log.Warn().Err(err).Str("account", run.AccountID).Msg("claim failed, backing off")
			if err := sleep(ctx, p.retryWait()); err != nil {
				return err
			}
			continue
		}
		if task == nil {
			closed, err := p.Registry.RunClosed(ctx, run)
			if err == nil && closed {
				return nil
			}
			if err := sleep(ctx, p.idleWait()); err != nil {
				return err
			}
			continue
		}
		if err := p.processTask(ctx, task); err != nil {
			return err
		}
		processed++
	}
}

// processTask pages through one claimed slice. Transient failures at
// any step sleep and retry in place; the slice is only marked errored
// for permanent failures. Only context cancellation stops the worker.
func (p *Pool) processTask(ctx context.Context, t *runs.Task) error {
	log.Info().Str("account", t.Run.AccountID).Str("object", t.Object).
		Int64("created_gte", t.CreatedGTE).Int64("cursor", t.Cursor).Msg("task claimed")

	for {
		page, err := p.Fetcher.FetchPage(ctx, t)
		if err != nil {
			if retry, err := p.pause(ctx, t, err, "page fetch"); !retry {
				return err
			}
			continue
		}
		if len(page.Items) == 0 && page.HasMore {
			// A page like this would spin forever; the provider is
			// misbehaving or the request window is wrong.
			return p.failSlice(ctx, t, "provider returned has_more with an empty page")
		}

		out, err := p.Upserter.Upsert(ctx, page.Items, p.AccountID, time.Now().UnixMilli())
		if err != nil {
			// The page is re-fetched on retry; writes are idempotent.
			if retry, err := p.pause(ctx, t, err, "upsert"); !retry {
				return err
			}
			continue
		}
		if out.Errored > 0 {
			return p.failSlice(ctx, t, out.ErrorSummary())
		}

		done, err := p.Registry.UpdateProgress(ctx, t, runs.Progress{
			MinCreated: page.MinCreated,
			LastID:     page.LastID,
			HasMore:    page.HasMore,
			Items:      len(page.Items),
		})
		if err != nil {
			if db.KindOf(err) == db.KindConflict {
				// Reclaimed or cancelled underneath us. The next owner
				// re-fetches from the recorded cursor; upserts are
				// idempotent so the overlap is harmless.
				log.Warn().Err(err).Str("object", t.Object).Msg("task lost, abandoning")
				return nil
			}
			if retry, err := p.pause(ctx, t, err, "progress update"); !retry {
				return err
			}
			continue
		}
		if done {
			return nil
		}
	}
}

// pause decides what a mid-task error means: transient errors wait out
// the retry interval and report retry=true; permanent ones mark the
// slice errored. The returned error is only non-nil on cancellation.
func (p *Pool) pause(ctx context.Context, t *runs.Task, cause error, step string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if !db.IsTransient(cause) {
		return false, p.failSlice(ctx, t, step+": "+cause.Error())
	}
	log.Warn().Err(cause).Str("object", t.Object).Str("step", step).Msg("transient failure, retrying task")
	if err := sleep(ctx, p.retryWait()); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pool) failSlice(ctx context.Context, t *runs.Task, msg string) error {
	if err := p.Registry.FailObject(ctx, t, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The slice stays running; the stale-task reclaimer will put it
		// back on the queue.
		log.Error().Err(err).Str("object", t.Object).Msg("could not record slice failure")
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sweeper periodically recovers from crashed or wedged workers across
// all accounts: stale running tasks go back to pending, and runs open
// past their maximum age are cancelled.
type Sweeper struct {
	Registry *runs.Registry
	Interval time.Duration // 0 means one minute
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.Registry.ReclaimStaleTasks(ctx); err != nil {
		log.Warn().Err(err).Msg("stale task reclaim failed")
	}
	if _, err := s.Registry.SweepStaleRuns(ctx); err != nil {
		log.Warn().Err(err).Msg("stale run sweep failed")
	}
}
