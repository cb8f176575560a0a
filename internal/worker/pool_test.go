package worker_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillora/ingest-service/internal/lifecycle"
	"skillora/ingest-service/internal/model"
	queuemem "skillora/ingest-service/internal/queue/memory"
	storemem "skillora/ingest-service/internal/store/memory"
	"skillora/ingest-service/internal/worker"
)

var columns = model.ColumnMap{
	Title: "title", Salary: "salary", Currency: "currency",
	Country: "country", Seniority: "seniority", Stack: "stack",
}

func newManager(t *testing.T, lease time.Duration) *lifecycle.Manager {
	t.Helper()
	return lifecycle.NewManager(storemem.New(), queuemem.New(), nil, lifecycle.Config{
		MaxAttempts:    2,
		LeaseDuration:  lease,
		RetryBaseDelay: time.Hour,
		RetryMaxDelay:  time.Hour,
	}, nil)
}

func submit(t *testing.T, m *lifecycle.Manager, id string) *lifecycle.Task {
	t.Helper()
	ref := model.FileReference{ID: id, Path: "/data/uploads/" + id + ".csv"}
	task, err := m.Submit(context.Background(), ref, columns, "alice")
	require.NoError(t, err)
	return task
}

func succeed(context.Context, *lifecycle.Task, lifecycle.Lease) lifecycle.Outcome {
	return lifecycle.Outcome{Kind: lifecycle.OutcomeSucceeded, Result: &lifecycle.Result{}}
}

func TestProcessOne(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t, time.Minute)
	p := worker.NewPool(m, worker.RunnerFunc(succeed), worker.Config{}, nil)

	worked, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, worked)

	task := submit(t, m, "f1")
	worked, err = p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := m.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateSuccess, got.State)
}

func TestProcessOne_PanicBecomesRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t, time.Minute)
	p := worker.NewPool(m, worker.RunnerFunc(func(context.Context, *lifecycle.Task, lifecycle.Lease) lifecycle.Outcome {
		panic("boom")
	}), worker.Config{}, nil)

	task := submit(t, m, "f1")
	worked, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := m.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRetry, got.State)
	assert.Contains(t, got.Cause, "panic: boom")
}

func TestProcessOne_HeartbeatKeepsLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t, 90*time.Millisecond)

	var reaped atomic.Int64
	p := worker.NewPool(m, worker.RunnerFunc(func(ctx context.Context, task *lifecycle.Task, lease lifecycle.Lease) lifecycle.Outcome {
		time.Sleep(200 * time.Millisecond)
		n, err := m.ReapExpiredLeases(ctx)
		if err != nil {
			return lifecycle.Outcome{Kind: lifecycle.OutcomeFailed, Err: err}
		}
		reaped.Store(int64(n))
		return succeed(ctx, task, lease)
	}), worker.Config{}, nil)

	task := submit(t, m, "slow")
	_, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped.Load(), "lease was renewed while running")

	got, err := m.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateSuccess, got.State)
}

func TestPool_RunDrainsQueueAndStops(t *testing.T) {
	t.Parallel()
	m := newManager(t, time.Minute)

	var ran atomic.Int64
	p := worker.NewPool(m, worker.RunnerFunc(func(ctx context.Context, task *lifecycle.Task, lease lifecycle.Lease) lifecycle.Outcome {
		ran.Add(1)
		return succeed(ctx, task, lease)
	}), worker.Config{Concurrency: 3, PollInterval: 5 * time.Millisecond}, nil)

	var tasks []*lifecycle.Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, submit(t, m, fmt.Sprintf("f%d", i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return ran.Load() == 10 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	for _, task := range tasks {
		got, err := m.Status(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StateSuccess, got.State)
	}
}

func TestPool_ShutdownHandsTaskBackForRetry(t *testing.T) {
	t.Parallel()
	m := newManager(t, time.Minute)

	started := make(chan struct{})
	p := worker.NewPool(m, worker.RunnerFunc(func(ctx context.Context, _ *lifecycle.Task, _ lifecycle.Lease) lifecycle.Outcome {
		close(started)
		<-ctx.Done()
		return lifecycle.Outcome{Kind: lifecycle.OutcomeFailed, Err: ctx.Err()}
	}), worker.Config{Concurrency: 1, PollInterval: 5 * time.Millisecond}, nil)

	task := submit(t, m, "f1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-done)

	got, err := m.Status(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRetry, got.State)
	assert.Equal(t, 0, got.Attempt)
}

func TestPool_ShutdownOnFinalAttemptDoesNotFailTask(t *testing.T) {
	t.Parallel()
	m := lifecycle.NewManager(storemem.New(), queuemem.New(), nil, lifecycle.Config{
		MaxAttempts:    1,
		LeaseDuration:  time.Minute,
		RetryBaseDelay: time.Hour,
		RetryMaxDelay:  time.Hour,
	}, nil)

	started := make(chan struct{})
	p := worker.NewPool(m, worker.RunnerFunc(func(ctx context.Context, _ *lifecycle.Task, _ lifecycle.Lease) lifecycle.Outcome {
		close(started)
		<-ctx.Done()
		return lifecycle.Outcome{Kind: lifecycle.OutcomeFailed, Err: ctx.Err()}
	}), worker.Config{Concurrency: 1, PollInterval: 5 * time.Millisecond}, nil)

	task := submit(t, m, "f1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-done)

	got, err := m.Status(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRetry, got.State)
	assert.Equal(t, 0, got.Attempt)
	assert.Contains(t, got.Cause, "interrupted")

	// The restarted worker gets the full attempt budget back.
	next := worker.NewPool(m, worker.RunnerFunc(succeed), worker.Config{}, nil)
	worked, err := next.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	got, err = m.Status(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateSuccess, got.State)
	assert.Equal(t, 1, got.Attempt)
}

type badHeaderError struct{}

func (badHeaderError) Error() string   { return "bad header" }
func (badHeaderError) Permanent() bool { return true }

func TestPool_PermanentFailureDuringShutdownStillFails(t *testing.T) {
	t.Parallel()
	m := newManager(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	p := worker.NewPool(m, worker.RunnerFunc(func(context.Context, *lifecycle.Task, lifecycle.Lease) lifecycle.Outcome {
		cancel()
		return lifecycle.Outcome{Kind: lifecycle.OutcomeFailed, Err: badHeaderError{}}
	}), worker.Config{}, nil)

	task := submit(t, m, "f1")
	worked, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got, err := m.Status(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, got.State)
}
