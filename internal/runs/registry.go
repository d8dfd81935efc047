// Package runs tracks sync runs and their per-object slices: creation,
// claiming, progress, closure, and the sweepers that recover from
// crashed workers.
package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/metrics"
	"github.com/erauner12/stripesync/internal/registry"
)

// RunKey identifies one sync run.
type RunKey struct {
	AccountID string
	StartedAt int64 // unix ms
}

// Slice seeds one object-run row: an object kind, optionally bounded to
// a created-time window.
type Slice struct {
	Object     string
	CreatedGTE int64 // unix seconds, 0 = unbounded
	CreatedLTE int64 // unix seconds, 0 = unbounded
	Priority   int
}

// Task is one claimed slice, everything a worker needs to fetch the
// next page.
type Task struct {
	Run        RunKey
	Object     string
	CreatedGTE int64
	CreatedLTE int64
	Cursor     int64  // last completed position (unix seconds), 0 = none
	PageCursor string // mid-page continuation id, "" = none
	Processed  int
}

// Progress reports one fetched page against a task.
type Progress struct {
	MinCreated int64
	LastID     string
	HasMore    bool
	Items      int
}

// RunSummary is one row of the run_summaries projection.
type RunSummary struct {
	AccountID      string `json:"accountId"`
	StartedAt      int64  `json:"startedAt"`
	Trigger        string `json:"trigger"`
	MaxConcurrency int    `json:"maxConcurrency"`
	ClosedAt       int64  `json:"closedAt,omitempty"`
	Status         string `json:"status"`
	Total          int    `json:"total"`
	Pending        int    `json:"pending"`
	Running        int    `json:"running"`
	Complete       int    `json:"complete"`
	Error          int    `json:"error"`
	Processed      int64  `json:"processed"`
}

// Registry is the store for sync runs and object runs.
type Registry struct {
	Pool   *pgxpool.Pool
	Schema string

	Rate           *db.RateCounter
	ClaimRate      int           // claims per second, process-global
	RunMaxAge      time.Duration // open runs older than this self-cancel
	TaskStaleAfter time.Duration // running tasks untouched this long go back to pending
}

// NewRegistry wires a registry with the standing defaults.
func NewRegistry(pool *pgxpool.Pool, schema string) *Registry {
	return &Registry{
		Pool:           pool,
		Schema:         schema,
		Rate:           &db.RateCounter{Pool: pool, Schema: schema},
		ClaimRate:      50,
		RunMaxAge:      6 * time.Hour,
		TaskStaleAfter: 5 * time.Minute,
	}
}

// Slices builds the object-run seeds for an account. Incremental runs
// resume just past each object's stored cursor so already-synced
// history is not re-walked.
func (r *Registry) Slices(ctx context.Context, accountID string, kindNames []string, incremental bool) ([]Slice, error) {
	cursors := map[string]int64{}
	if incremental {
		rows, err := r.Pool.Query(ctx,
			fmt.Sprintf("SELECT object, cursor FROM %s.sync_cursors WHERE account_id = $1", r.Schema), accountID)
		if err != nil {
			return nil, db.Classify(err)
		}
		for rows.Next() {
			var object string
			var cursor int64
			if err := rows.Scan(&object, &cursor); err != nil {
				rows.Close()
				return nil, db.Classify(err)
			}
			cursors[object] = cursor
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, db.Classify(err)
		}
	}

	slices := make([]Slice, 0, len(kindNames))
	for _, name := range kindNames {
		k, ok := registry.ByName(name)
		if !ok {
			return nil, db.Errorf(db.KindConfig, "unknown object kind %q", name)
		}
		s := Slice{Object: k.Name, Priority: k.Priority}
		if c, ok := cursors[k.Name]; ok && incremental {
			s.CreatedGTE = c + 1
		}
		slices = append(slices, s)
	}
	return slices, nil
}

// WindowSlices builds slices for an explicit created window, optionally
// split into day-sized chunks so workers can walk an object's history
// in parallel. Splitting needs a lower bound; until of 0 means now.
func WindowSlices(kindNames []string, since, until int64, sliceDays int) ([]Slice, error) {
	if sliceDays > 0 && since <= 0 {
		return nil, db.Errorf(db.KindConfig, "slicing by day requires --since")
	}
	if sliceDays > 0 && until <= 0 {
		until = time.Now().Unix()
	}

	var slices []Slice
	for _, name := range kindNames {
		k, ok := registry.ByName(name)
		if !ok {
			return nil, db.Errorf(db.KindConfig, "unknown object kind %q", name)
		}
		if sliceDays <= 0 || !k.SupportsCreatedFilter {
			slices = append(slices, Slice{Object: k.Name, CreatedGTE: since, CreatedLTE: until, Priority: k.Priority})
			continue
		}
		step := int64(sliceDays) * 86400
		for lo := since; lo <= until; lo += step {
			hi := lo + step - 1
			if hi > until {
				hi = until
			}
			slices = append(slices, Slice{Object: k.Name, CreatedGTE: lo, CreatedLTE: hi, Priority: k.Priority})
		}
	}
	return slices, nil
}

// JoinOrCreateRun returns the open run for (account, trigger) or creates
// one, seeding every slice eagerly so closure accounting sees the full
// denominator from the first poll.
func (r *Registry) JoinOrCreateRun(ctx context.Context, accountID, trigger string, maxConcurrency int, slices []Slice) (RunKey, bool, error) {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	key := RunKey{AccountID: accountID}
	created := false

	err := db.WithTx(ctx, r.Pool, func(tx pgx.Tx) error {
		if err := db.AdvisoryXactLock(ctx, tx, "run:"+accountID+":"+trigger); err != nil {
			return err
		}

		err := tx.QueryRow(ctx, fmt.Sprintf(
			"SELECT started_at FROM %s.sync_runs WHERE account_id = $1 AND trigger = $2 AND closed_at IS NULL",
			r.Schema), accountID, trigger).Scan(&key.StartedAt)
		if err == nil {
			return nil
		}
		if err != pgx.ErrNoRows {
			return err
		}

		if len(slices) == 0 {
			return db.Errorf(db.KindConfig, "run for %s needs at least one object", accountID)
		}
		key.StartedAt = time.Now().UnixMilli()
		created = true

		if _, err := tx.Exec(ctx, fmt.Sprintf(
			"INSERT INTO %s.sync_runs (account_id, started_at, trigger, max_concurrency) VALUES ($1, $2, $3, $4)",
			r.Schema), accountID, key.StartedAt, trigger, maxConcurrency); err != nil {
			return err
		}
		for _, s := range slices {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %s.object_runs
					(account_id, run_started_at, object, created_gte, created_lte, priority, updated_at)
				VALUES ($1, $2, $3, $4, NULLIF($5::bigint, 0), $6, $2)`,
				r.Schema), accountID, key.StartedAt, s.Object, s.CreatedGTE, s.CreatedLTE, s.Priority); err != nil {
				return fmt.Errorf("seed %s: %w", s.Object, err)
			}
		}
		return nil
	})
	if err != nil {
		return RunKey{}, false, db.Classify(err)
	}
	if created {
		log.Info().Str("account", accountID).Str("trigger", trigger).Int64("started_at", key.StartedAt).
			Int("objects", len(slices)).Msg("sync run created")
	}
	return key, created, nil
}

// ClaimNextTask atomically claims the lowest-priority pending slice of a
// run, bounded by the run's concurrency cap and the global claim rate.
// A nil task with nil error means nothing is claimable right now.
func (r *Registry) ClaimNextTask(ctx context.Context, run RunKey) (*Task, error) {
	ok, err := r.Rate.Allow(ctx, "claim-next-task", r.ClaimRate, time.Second)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.TaskClaims.WithLabelValues("rate_limited").Inc()
		return nil, nil
	}

	var task *Task
	err = db.WithTx(ctx, r.Pool, func(tx pgx.Tx) error {
		// Claims for one run are serialized so the running-count guard
		// below cannot race past max_concurrency.
		if err := db.AdvisoryXactLock(ctx, tx, fmt.Sprintf("claim:%s:%d", run.AccountID, run.StartedAt)); err != nil {
			return err
		}

		sql := fmt.Sprintf(`
			UPDATE %[1]s.object_runs o
			SET status = 'running', updated_at = $3
			WHERE (o.account_id, o.run_started_at, o.object, o.created_gte) IN (
				SELECT account_id, run_started_at, object, created_gte
				FROM %[1]s.object_runs
				WHERE account_id = $1 AND run_started_at = $2 AND status = 'pending'
					AND (SELECT count(*) FROM %[1]s.object_runs x
						WHERE x.account_id = $1 AND x.run_started_at = $2 AND x.status = 'running')
						< (SELECT max_concurrency FROM %[1]s.sync_runs
						   WHERE account_id = $1 AND started_at = $2)
				ORDER BY priority, object, created_gte
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING o.object, o.created_gte, COALESCE(o.created_lte, 0),
				COALESCE(o.cursor, 0), COALESCE(o.page_cursor, ''), o.processed`,
			r.Schema)

		t := Task{Run: run}
		err := tx.QueryRow(ctx, sql, run.AccountID, run.StartedAt, time.Now().UnixMilli()).
			Scan(&t.Object, &t.CreatedGTE, &t.CreatedLTE, &t.Cursor, &t.PageCursor, &t.Processed)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		task = &t
		return nil
	})
	if err != nil {
		return nil, db.Classify(err)
	}
	if task == nil {
		metrics.TaskClaims.WithLabelValues("empty").Inc()
		return nil, nil
	}
	metrics.TaskClaims.WithLabelValues("claimed").Inc()
	return task, nil
}

// UpdateProgress records one fetched page. It either advances the slice
// (cursor to the page's oldest created, page cursor to its last id) or
// completes it when the walk is done or crossed the slice boundary.
// Returns whether the slice completed.
func (r *Registry) UpdateProgress(ctx context.Context, t *Task, p Progress) (bool, error) {
	crossedBoundary := t.CreatedGTE > 0 && p.MinCreated > 0 && p.MinCreated < t.CreatedGTE
	if !p.HasMore || crossedBoundary {
		cursor := p.MinCreated
		if cursor == 0 {
			cursor = t.Cursor
		}
		return true, r.CompleteObject(ctx, t, cursor, p.Items)
	}

	sql := fmt.Sprintf(`
		UPDATE %s.object_runs
		SET cursor = COALESCE(NULLIF($5::bigint, 0), cursor), page_cursor = NULLIF($6, ''),
			processed = processed + $7, updated_at = $8
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3 AND created_gte = $4
			AND status = 'running'`,
		r.Schema)
	tag, err := r.Pool.Exec(ctx, sql,
		t.Run.AccountID, t.Run.StartedAt, t.Object, t.CreatedGTE,
		p.MinCreated, p.LastID, p.Items, time.Now().UnixMilli())
	if err != nil {
		return false, db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		// Reclaimed or cancelled underneath us; drop the task.
		return true, db.Errorf(db.KindConflict, "slice %s/%s no longer running", t.Run.AccountID, t.Object)
	}
	if p.MinCreated > 0 {
		t.Cursor = p.MinCreated
	}
	t.PageCursor = p.LastID
	t.Processed += p.Items
	return false, nil
}

// CompleteObject marks a slice complete, persists its final cursor for
// future incremental runs, and closes the run if it was the last slice.
func (r *Registry) CompleteObject(ctx context.Context, t *Task, finalCursor int64, items int) error {
	now := time.Now().UnixMilli()
	err := db.WithTx(ctx, r.Pool, func(tx pgx.Tx) error {
		sql := fmt.Sprintf(`
			UPDATE %s.object_runs
			SET status = 'complete', cursor = NULLIF($5::bigint, 0), page_cursor = NULL,
				processed = processed + $6, completed_at = $7, updated_at = $7
			WHERE account_id = $1 AND run_started_at = $2 AND object = $3 AND created_gte = $4`,
			r.Schema)
		if _, err := tx.Exec(ctx, sql,
			t.Run.AccountID, t.Run.StartedAt, t.Object, t.CreatedGTE, finalCursor, items, now); err != nil {
			return err
		}
		if finalCursor > 0 {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %s.sync_cursors (account_id, object, cursor, updated_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (account_id, object) DO UPDATE SET
					cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at`,
				r.Schema), t.Run.AccountID, t.Object, finalCursor, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return db.Classify(err)
	}
	log.Info().Str("account", t.Run.AccountID).Str("object", t.Object).
		Int64("cursor", finalCursor).Msg("object run complete")
	return r.CloseRunIfDone(ctx, t.Run)
}

// FailObject marks a slice errored and closes the run if it was the
// last one standing.
func (r *Registry) FailObject(ctx context.Context, t *Task, msg string) error {
	if len(msg) > 500 {
		msg = msg[:500]
	}
	now := time.Now().UnixMilli()
	sql := fmt.Sprintf(`
		UPDATE %s.object_runs
		SET status = 'error', error = $5, completed_at = $6, updated_at = $6
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3 AND created_gte = $4`,
		r.Schema)
	if _, err := r.Pool.Exec(ctx, sql,
		t.Run.AccountID, t.Run.StartedAt, t.Object, t.CreatedGTE, msg, now); err != nil {
		return db.Classify(err)
	}
	log.Error().Str("account", t.Run.AccountID).Str("object", t.Object).Str("error", msg).
		Msg("object run failed")
	return r.CloseRunIfDone(ctx, t.Run)
}

// CloseRunIfDone stamps closed_at once no slice is pending or running.
func (r *Registry) CloseRunIfDone(ctx context.Context, run RunKey) error {
	sql := fmt.Sprintf(`
		UPDATE %[1]s.sync_runs r
		SET closed_at = $3
		WHERE r.account_id = $1 AND r.started_at = $2 AND r.closed_at IS NULL
			AND NOT EXISTS (
				SELECT 1 FROM %[1]s.object_runs o
				WHERE o.account_id = $1 AND o.run_started_at = $2
					AND o.status IN ('pending', 'running'))`,
		r.Schema)
	tag, err := r.Pool.Exec(ctx, sql, run.AccountID, run.StartedAt, time.Now().UnixMilli())
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	var status string
	err = r.Pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT status FROM %s.run_summaries WHERE account_id = $1 AND started_at = $2",
		r.Schema), run.AccountID, run.StartedAt).Scan(&status)
	if err != nil {
		status = "unknown"
	}
	metrics.RunsClosed.WithLabelValues(status).Inc()
	log.Info().Str("account", run.AccountID).Int64("started_at", run.StartedAt).
		Str("status", status).Msg("sync run closed")
	return nil
}

// RunClosed reports whether the run has been closed. A run that no
// longer exists counts as closed.
func (r *Registry) RunClosed(ctx context.Context, run RunKey) (bool, error) {
	var closedAt *int64
	err := r.Pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT closed_at FROM %s.sync_runs WHERE account_id = $1 AND started_at = $2",
		r.Schema), run.AccountID, run.StartedAt).Scan(&closedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, db.Classify(err)
	}
	return closedAt != nil, nil
}

// CancelRun cancels every open run for an account (all triggers when
// trigger is empty). In-flight slices become errors with message
// "cancelled". Returns how many runs were closed.
func (r *Registry) CancelRun(ctx context.Context, accountID, trigger string) (int, error) {
	now := time.Now().UnixMilli()
	closed := 0
	err := db.WithTx(ctx, r.Pool, func(tx pgx.Tx) error {
		cond := ""
		args := []any{accountID, now}
		if trigger != "" {
			cond = " AND trigger = $3"
			args = append(args, trigger)
		}

		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %[1]s.object_runs o
			SET status = 'error', error = 'cancelled', completed_at = $2, updated_at = $2
			WHERE (o.account_id, o.run_started_at) IN (
				SELECT account_id, started_at FROM %[1]s.sync_runs
				WHERE account_id = $1 AND closed_at IS NULL%[2]s)
				AND o.status IN ('pending', 'running')`,
			r.Schema, cond), args...); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, fmt.Sprintf(
			"UPDATE %s.sync_runs SET closed_at = $2 WHERE account_id = $1 AND closed_at IS NULL"+cond,
			r.Schema), args...)
		if err != nil {
			return err
		}
		closed = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, db.Classify(err)
	}
	if closed > 0 {
		metrics.RunsClosed.WithLabelValues("cancelled").Add(float64(closed))
		log.Warn().Str("account", accountID).Str("trigger", trigger).Int("runs", closed).Msg("runs cancelled")
	}
	return closed, nil
}

// SweepStaleRuns self-cancels open runs older than RunMaxAge.
func (r *Registry) SweepStaleRuns(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.RunMaxAge).UnixMilli()
	now := time.Now().UnixMilli()
	closed := 0
	err := db.WithTx(ctx, r.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %[1]s.object_runs o
			SET status = 'error', error = 'cancelled', completed_at = $2, updated_at = $2
			WHERE (o.account_id, o.run_started_at) IN (
				SELECT account_id, started_at FROM %[1]s.sync_runs
				WHERE closed_at IS NULL AND started_at < $1)
				AND o.status IN ('pending', 'running')`,
			r.Schema), cutoff, now); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, fmt.Sprintf(
			"UPDATE %s.sync_runs SET closed_at = $2 WHERE closed_at IS NULL AND started_at < $1",
			r.Schema), cutoff, now)
		if err != nil {
			return err
		}
		closed = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, db.Classify(err)
	}
	if closed > 0 {
		metrics.RunsClosed.WithLabelValues("cancelled").Add(float64(closed))
		log.Warn().Int("runs", closed).Msg("stale runs cancelled")
	}
	return closed, nil
}

// ReclaimStaleTasks returns running slices nobody has touched for
// TaskStaleAfter to pending, so a crashed worker's tasks get picked up
// again.
func (r *Registry) ReclaimStaleTasks(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.TaskStaleAfter).UnixMilli()
	tag, err := r.Pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.object_runs
		SET status = 'pending', updated_at = $2
		WHERE status = 'running' AND updated_at < $1`,
		r.Schema), cutoff, time.Now().UnixMilli())
	if err != nil {
		return 0, db.Classify(err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		log.Warn().Int("tasks", n).Msg("stale tasks reclaimed")
	}
	return n, nil
}

// Summary reads the run projection for an account, newest first.
func (r *Registry) Summary(ctx context.Context, accountID string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.Pool.Query(ctx, fmt.Sprintf(`
		SELECT account_id, started_at, trigger, max_concurrency, COALESCE(closed_at, 0),
			status, total, pending, running, complete, error, processed
		FROM %s.run_summaries
		WHERE account_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		r.Schema), accountID, limit)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.AccountID, &s.StartedAt, &s.Trigger, &s.MaxConcurrency, &s.ClosedAt,
			&s.Status, &s.Total, &s.Pending, &s.Running, &s.Complete, &s.Error, &s.Processed); err != nil {
			return nil, db.Classify(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return out, nil
}
