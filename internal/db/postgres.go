// Package db provides database connection helpers and schema migrations.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool creates and verifies a pgxpool connection pool. The first
// ping is retried with exponential backoff for up to maxWait so the service
// can start alongside its database.
func NewPostgresPool(ctx context.Context, databaseURL string, maxWait time.Duration) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pingWithRetry(ctx, pool.Ping, maxWait); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return pool, nil
}

func pingWithRetry(ctx context.Context, ping func(context.Context) error, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = maxWait
	return backoff.Retry(func() error { return ping(ctx) }, backoff.WithContext(b, ctx))
}
