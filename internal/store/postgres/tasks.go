package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"skillora/ingest-service/internal/lifecycle"
)

const taskColumns = `id, idempotency_key, requester, file, columns, state, attempt, max_attempts,
	progress, errors, cause, result, created_at, updated_at, started_at, finished_at`

func scanTask(row pgx.Row) (*lifecycle.Task, error) {
	var (
		t     lifecycle.Task
		state string
	)
	err := row.Scan(
		&t.ID, &t.IdempotencyKey, &t.Requester, &t.File, &t.Columns, &state, &t.Attempt, &t.MaxAttempts,
		&t.Progress, &t.Errors, &t.Cause, &t.Result, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	t.State = lifecycle.State(state)
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, t *lifecycle.Task) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO ingestion_tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.IdempotencyKey, t.Requester, t.File, t.Columns, string(t.State), t.Attempt, t.MaxAttempts,
		t.Progress, t.Errors, t.Cause, t.Result, t.CreatedAt, t.UpdatedAt, t.StartedAt, t.FinishedAt,
	)
	if isUniqueViolation(err, liveKeyConstraint) {
		return lifecycle.ErrIdempotencyConflict
	}
	if err != nil {
		return classify("insert task", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*lifecycle.Task, error) {
	if uuid.Validate(id) != nil {
		return nil, lifecycle.ErrNotFound
	}
	t, err := scanTask(s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM ingestion_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, classify("get task", err)
	}
	return t, nil
}

func (s *Store) FindByKey(ctx context.Context, key string) (*lifecycle.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM ingestion_tasks
		 WHERE idempotency_key = $1 AND state IN ('PENDING', 'RUNNING', 'RETRY', 'SUCCESS')
		 ORDER BY created_at DESC
		 LIMIT 1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, classify("find task by key", err)
	}
	return t, nil
}

// UpdateTask locks the row for the duration of fn so concurrent updates of
// one task serialize.
func (s *Store) UpdateTask(ctx context.Context, id string, fn func(*lifecycle.Task) error) (*lifecycle.Task, error) {
	if uuid.Validate(id) != nil {
		return nil, lifecycle.ErrNotFound
	}
	var (
		updated *lifecycle.Task
		fnErr   error
	)
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		t, err := scanTask(tx.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM ingestion_tasks WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if fnErr = fn(t); fnErr != nil {
			return fnErr
		}
		_, err = tx.Exec(ctx,
			`UPDATE ingestion_tasks
			 SET state = $2, attempt = $3, progress = $4, errors = $5, cause = $6, result = $7,
			     updated_at = $8, started_at = $9, finished_at = $10
			 WHERE id = $1`,
			t.ID, string(t.State), t.Attempt, t.Progress, t.Errors, t.Cause, t.Result,
			t.UpdatedAt, t.StartedAt, t.FinishedAt,
		)
		if err != nil {
			return err
		}
		updated = t
		return nil
	})
	switch {
	case fnErr != nil:
		return nil, fnErr
	case errors.Is(err, pgx.ErrNoRows):
		return nil, lifecycle.ErrNotFound
	case err != nil:
		return nil, classify("update task", err)
	}
	return updated, nil
}

func (s *Store) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM ingestion_tasks
		 WHERE state IN ('SUCCESS', 'FAILED', 'CANCELLED') AND updated_at < $1`, before)
	if err != nil {
		return 0, classify("delete finished tasks", err)
	}
	return tag.RowsAffected(), nil
}
