// Package postgres is the PostgreSQL store for tasks, salary records and the
// analytics reads over them.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"skillora/ingest-service/internal/faults"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements lifecycle.TaskStore, writer.Store and analytics.Source.
type Store struct {
	db DBTX
}

func New(pool *pgxpool.Pool) *Store { return &Store{db: pool} }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

const (
	codeUniqueViolation = "23505"
	liveKeyConstraint   = "ingestion_tasks_live_key"
)

// classify wraps err with op and marks it transient when a retry can succeed:
// lost connections, serialization failures, deadlocks, resource exhaustion
// and server shutdown.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "40001",               // serialization_failure
			pgErr.Code == "40P01",               // deadlock_detected
			pgErr.Code == "57P01",               // admin_shutdown
			pgErr.Code == "57P03":               // cannot_connect_now
			return faults.Transient(wrapped)
		}
		return wrapped
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || faults.IsTransient(err) {
		return faults.Transient(wrapped)
	}
	return wrapped
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == constraint
}
