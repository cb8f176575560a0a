package lifecycle

import (
	"context"
	"time"

	"skillora/ingest-service/internal/events"
	"skillora/ingest-service/internal/queue"
)

// TaskStore persists tasks. Implementations must make UpdateTask atomic with
// respect to concurrent updates of the same task.
type TaskStore interface {
	// CreateTask inserts a new task. It returns ErrIdempotencyConflict when a
	// PENDING, RUNNING, RETRY or SUCCESS task already holds the key.
	CreateTask(ctx context.Context, t *Task) error
	// GetTask returns ErrNotFound for unknown IDs.
	GetTask(ctx context.Context, id string) (*Task, error)
	// FindByKey returns the task holding key in a PENDING, RUNNING, RETRY or
	// SUCCESS state, or ErrNotFound.
	FindByKey(ctx context.Context, key string) (*Task, error)
	// UpdateTask applies fn to the current task and saves the result. An
	// error from fn aborts the update and is returned as is.
	UpdateTask(ctx context.Context, id string, fn func(*Task) error) (*Task, error)
	// DeleteTerminalBefore removes finished tasks older than before.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// Queue delivers task IDs at least once.
type Queue interface {
	Enqueue(ctx context.Context, taskID string, delay time.Duration) error
	// Dequeue leases the next ready task or returns queue.ErrEmpty.
	Dequeue(ctx context.Context, leaseFor time.Duration) (queue.Delivery, error)
	Ack(ctx context.Context, d queue.Delivery) error
	Extend(ctx context.Context, d queue.Delivery, leaseFor time.Duration) (queue.Delivery, error)
	// Requeue releases the lease and schedules the task again after delay.
	Requeue(ctx context.Context, d queue.Delivery, delay time.Duration) error
	// ReapExpired makes tasks with expired leases ready again.
	ReapExpired(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Publisher receives lifecycle events. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev events.TaskEvent) error
}
