package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RateCounter is a sliding-window counter shared by every process on the
// database. Each named window is guarded by the advisory lock for its name,
// so the read-reset-increment sequence is atomic across the fleet.
type RateCounter struct {
	Pool   *pgxpool.Pool
	Schema string
}

// Allow consumes one slot from the named window, returning false when the
// window is exhausted. The window resets once `window` has elapsed since it
// was opened.
func (rc *RateCounter) Allow(ctx context.Context, name string, max int, window time.Duration) (bool, error) {
	allowed := false
	err := WithTx(ctx, rc.Pool, func(tx pgx.Tx) error {
		if err := AdvisoryXactLock(ctx, tx, "rate:"+name); err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		var windowStart int64
		var count int
		err := tx.QueryRow(ctx, `
			SELECT window_start, count FROM `+rc.Schema+`.rate_counters WHERE name = $1
		`, name).Scan(&windowStart, &count)
		if err != nil && !IsNotFound(Classify(err)) {
			return err
		}

		if err != nil || now-windowStart >= window.Milliseconds() {
			// Open a fresh window with this claim counted.
			_, err = tx.Exec(ctx, `
				INSERT INTO `+rc.Schema+`.rate_counters (name, window_start, count)
				VALUES ($1, $2, 1)
				ON CONFLICT (name) DO UPDATE SET window_start = $2, count = 1
			`, name, now)
			if err != nil {
				return err
			}
			allowed = true
			return nil
		}

		if count >= max {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE `+rc.Schema+`.rate_counters SET count = count + 1 WHERE name = $1
		`, name)
		if err != nil {
			return err
		}
		allowed = true
		return nil
	})
	return allowed, err
}
