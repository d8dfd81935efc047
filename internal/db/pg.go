package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PoolConfig tunes the shared connection pool.
type PoolConfig struct {
	MaxConns         int32
	StatementTimeout time.Duration
}

// DefaultPoolConfig matches the documented defaults: 10 connections,
// 10 second statement timeout on every session.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxConns: 10, StatementTimeout: 10 * time.Second}
}

// Open creates a new PostgreSQL connection pool
func Open(ctx context.Context, url string, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Err: err}
	}

	if pc.MaxConns <= 0 {
		pc.MaxConns = DefaultPoolConfig().MaxConns
	}
	if pc.StatementTimeout <= 0 {
		pc.StatementTimeout = DefaultPoolConfig().StatementTimeout
	}

	// Connection pool configuration
	cfg.MaxConns = pc.MaxConns
	cfg.MinConns = 2
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	// Every session carries the statement timeout so a stuck query can
	// never hold a claimed task past its window.
	cfg.ConnConfig.RuntimeParams["statement_timeout"] =
		fmt.Sprintf("%d", pc.StatementTimeout.Milliseconds())

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &Error{Kind: KindFatal, Err: err}
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &Error{Kind: KindFatal, Err: err}
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Dur("statement_timeout", pc.StatementTimeout).
		Msg("postgres connection pool created")

	return pool, nil
}
