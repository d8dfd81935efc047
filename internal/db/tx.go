package db

import (
	"context"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithTx runs fn inside a transaction, rolling back on error or panic and
// committing otherwise. The returned error is always classified.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return Classify(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return Classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Classify(err)
	}
	return nil
}

// LockKey derives the 64-bit advisory lock key for a name. FNV-1a keeps the
// mapping stable across processes sharing the database.
func LockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// AdvisoryXactLock takes the transactional advisory lock for name. The lock
// is reentrant within the session and released automatically on commit or
// rollback, so no unlock call exists.
func AdvisoryXactLock(ctx context.Context, tx pgx.Tx, name string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, LockKey(name)); err != nil {
		return Classify(err)
	}
	return nil
}

// TryAdvisoryXactLock attempts the lock without blocking. Returns false when
// another session holds it.
func TryAdvisoryXactLock(ctx context.Context, tx pgx.Tx, name string) (bool, error) {
	var got bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, LockKey(name)).Scan(&got); err != nil {
		return false, Classify(err)
	}
	return got, nil
}
