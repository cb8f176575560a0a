package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillora/ingest-service/internal/queue"
	"skillora/ingest-service/internal/queue/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newQueue() (*memory.Queue, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := memory.New()
	q.SetClock(c.now)
	return q, c
}

func TestQueue_FIFOAndAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newQueue()

	require.NoError(t, q.Enqueue(ctx, "a", 0))
	require.NoError(t, q.Enqueue(ctx, "b", 0))

	d, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "a", d.TaskID)
	assert.NotEmpty(t, d.Token)

	require.NoError(t, q.Ack(ctx, d))
	assert.ErrorIs(t, q.Ack(ctx, d), queue.ErrLeaseLost)

	d, err = q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "b", d.TaskID)

	_, err = q.Dequeue(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestQueue_DelayedDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, c := newQueue()

	require.NoError(t, q.Enqueue(ctx, "a", 10*time.Second))
	_, err := q.Dequeue(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	c.advance(10 * time.Second)
	d, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "a", d.TaskID)
}

func TestQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, c := newQueue()

	require.NoError(t, q.Enqueue(ctx, "a", 0))
	first, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	reaped, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped, "lease still valid")

	c.advance(2 * time.Minute)
	reaped, err = q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, reaped)

	second, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)

	assert.ErrorIs(t, q.Ack(ctx, first), queue.ErrLeaseLost, "old holder lost the lease")
	_, err = q.Extend(ctx, first, time.Minute)
	assert.ErrorIs(t, err, queue.ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, second))
}

func TestQueue_ExtendAndRequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, c := newQueue()

	require.NoError(t, q.Enqueue(ctx, "a", 0))
	d, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	c.advance(50 * time.Second)
	d, err = q.Extend(ctx, d, time.Minute)
	require.NoError(t, err)
	c.advance(50 * time.Second)
	reaped, _ := q.ReapExpired(ctx)
	assert.Empty(t, reaped, "extended lease must not expire")

	require.NoError(t, q.Requeue(ctx, d, 5*time.Second))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Delayed: 1}, stats)
}

func TestQueue_SkipsDuplicateWhileLeased(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newQueue()

	require.NoError(t, q.Enqueue(ctx, "a", 0))
	require.NoError(t, q.Enqueue(ctx, "a", 0))
	_, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty, "a task is leased to one consumer at a time")
}
