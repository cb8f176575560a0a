package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillora/ingest-service/internal/events"
	"skillora/ingest-service/internal/lifecycle"
	"skillora/ingest-service/internal/metrics"
	"skillora/ingest-service/internal/model"
	"skillora/ingest-service/internal/parser"
	"skillora/ingest-service/internal/queue"
	queuemem "skillora/ingest-service/internal/queue/memory"
	storemem "skillora/ingest-service/internal/store/memory"
)

var (
	file    = model.FileReference{ID: "file-1", Path: "/data/uploads/file-1.csv", Size: 128}
	columns = model.ColumnMap{
		Title: "title", Salary: "salary", Currency: "currency",
		Country: "country", Seniority: "seniority", Stack: "stack",
	}
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) Publish(_ context.Context, ev events.TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, ev.State)
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

type harness struct {
	m      *lifecycle.Manager
	tasks  *storemem.Store
	queue  *queuemem.Queue
	events *recorder
	now    time.Time
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tasks:  storemem.New(),
		queue:  queuemem.New(),
		events: &recorder{},
		now:    time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	h.queue.SetClock(func() time.Time { return h.now })
	cfg := lifecycle.Config{
		MaxAttempts:     3,
		LeaseDuration:   time.Minute,
		ErrorSummaryCap: 2,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   2 * time.Second,
	}
	h.m = lifecycle.NewManager(h.tasks, h.queue, h.events, cfg, nil)
	h.m.SetClock(func() time.Time { return h.now })
	return h
}

func (h *harness) claim(t *testing.T) (*lifecycle.Task, lifecycle.Lease) {
	t.Helper()
	task, lease, err := h.m.Claim(context.Background())
	require.NoError(t, err)
	return task, lease
}

func total(n int64) *int64 { return &n }

// ── Submit ─────────────────────────────────────────────────────────────────

func TestSubmit_CreatesPendingTaskAndEnqueues(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	task, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePending, task.State)
	assert.Equal(t, lifecycle.IdempotencyKey(file.ID, columns, "alice"), task.IdempotencyKey)
	assert.Equal(t, 3, task.MaxAttempts)

	again, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	assert.Equal(t, task.ID, again.ID, "in-flight submission is reused")

	other, err := h.m.Submit(ctx, file, columns, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, other.ID, "requester is part of the key")

	stats, _ := h.queue.Stats(ctx)
	assert.Equal(t, int64(2), stats.Ready)
	assert.Equal(t, []string{"PENDING", "PENDING"}, h.events.seen())
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	incomplete := columns
	incomplete.Salary = ""
	incomplete.Stack = ""
	_, err := h.m.Submit(context.Background(), file, incomplete, "alice")
	var verr *lifecycle.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "salary")
	assert.Contains(t, verr.Msg, "stack")

	_, err = h.m.Submit(context.Background(), model.FileReference{}, columns, "alice")
	require.ErrorAs(t, err, &verr)

	_, err = h.m.Submit(context.Background(), file, columns, "  ")
	require.ErrorAs(t, err, &verr)

	stats, _ := h.queue.Stats(context.Background())
	assert.Zero(t, stats.Ready)
}

func TestSubmit_AfterSuccessReturnsSameOutcome(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	_, lease := h.claim(t)
	_, err = h.m.Complete(ctx, lease, lifecycle.Outcome{Kind: lifecycle.OutcomeSucceeded, Result: &lifecycle.Result{FileID: file.ID}})
	require.NoError(t, err)

	again, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, lifecycle.StateSuccess, again.State)

	_, _, err = h.m.Claim(ctx)
	assert.ErrorIs(t, err, queue.ErrEmpty, "nothing re-enqueued")
}

func TestSubmit_AfterFailureStartsNewTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	_, lease := h.claim(t)
	_, err = h.m.Complete(ctx, lease, lifecycle.Outcome{Kind: lifecycle.OutcomeFailed, Err: &parser.MalformedInputError{Path: file.Path, Reason: "missing header row"}})
	require.NoError(t, err)

	second, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
}

type brokenQueue struct{ *queuemem.Queue }

func (brokenQueue) Enqueue(context.Context, string, time.Duration) error {
	return errors.New("redis: connection refused")
}

func TestSubmit_EnqueueFailureCancelsTask(t *testing.T) {
	t.Parallel()
	tasks := storemem.New()
	m := lifecycle.NewManager(tasks, brokenQueue{queuemem.New()}, nil, lifecycle.DefaultConfig(), nil)

	_, err := m.Submit(context.Background(), file, columns, "alice")
	require.Error(t, err)

	_, err = tasks.FindByKey(context.Background(), lifecycle.IdempotencyKey(file.ID, columns, "alice"))
	assert.ErrorIs(t, err, lifecycle.ErrNotFound, "the key is free for a later retry")
}

func TestSubmit_EnqueueFailurePublishesCancellation(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	m := lifecycle.NewManager(storemem.New(), brokenQueue{queuemem.New()}, rec, lifecycle.DefaultConfig(), nil)

	_, err := m.Submit(context.Background(), file, columns, "alice")
	require.Error(t, err)
	assert.Equal(t, []string{string(lifecycle.StateCancelled)}, rec.seen())
}

// ── Claim / progress / complete ────────────────────────────────────────────

func TestClaim_StartsAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.m.Claim(ctx)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	submitted, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	task, lease := h.claim(t)
	assert.Equal(t, submitted.ID, task.ID)
	assert.Equal(t, lifecycle.StateRunning, task.State)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, 1, lease.Attempt)
	assert.NotNil(t, task.StartedAt)
}

func TestReportProgress_MonotonicWithinAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	_, lease := h.claim(t)

	issues := []lifecycle.RowIssue{{Row: 3, Reason: "missing_field:salary"}, {Row: 4, Reason: "invalid_number:salary"}, {Row: 9, Reason: "non_positive:salary"}}
	require.NoError(t, h.m.ReportProgress(ctx, lease, lifecycle.ProgressUpdate{Processed: 1000, Rejected: 3, Fraction: 0.4, Issues: issues}))

	err = h.m.ReportProgress(ctx, lease, lifecycle.ProgressUpdate{Processed: 500, Rejected: 3})
	var regressive *lifecycle.RegressiveProgressError
	require.ErrorAs(t, err, &regressive)

	got, err := h.m.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Progress.Processed, "regressive update not applied")
	assert.Len(t, got.Errors.Rows, 2, "summary is capped")
	assert.Equal(t, int64(1), got.Errors.Omitted)
	assert.Nil(t, got.Progress.Total)
	assert.Equal(t, 40, got.Progress.Percent())

	require.NoError(t, h.m.ReportProgress(ctx, lease, lifecycle.ProgressUpdate{Processed: 1500, Rejected: 3, Total: total(1503)}))
	got, _ = h.m.Status(ctx, task.ID)
	assert.Equal(t, 100, got.Progress.Percent())

	stale := lease
	stale.Attempt = 0
	assert.ErrorIs(t, h.m.ReportProgress(ctx, stale, lifecycle.ProgressUpdate{Processed: 2000}), lifecycle.ErrStaleAttempt)
}

func TestComplete_Success(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	_, lease := h.claim(t)

	res := &lifecycle.Result{FileID: file.ID, Inserted: 2, Total: 3, Rejected: 1}
	task, err := h.m.Complete(ctx, lease, lifecycle.Outcome{Kind: lifecycle.OutcomeSucceeded, Result: res})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateSuccess, task.State)
	assert.Equal(t, res, task.Result)
	assert.NotNil(t, task.FinishedAt)

	stats, _ := h.queue.Stats(ctx)
	assert.Equal(t, queue.Stats{}, stats, "lease released")
	assert.Equal(t, []string{"PENDING", "RUNNING", "SUCCESS"}, h.events.seen())
}

func TestComplete_RetryThenFail(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)

	transient := errors.New("connection reset by peer")
	for attempt := 1; attempt <= 3; attempt++ {
		task, lease := h.claim(t)
		require.Equal(t, attempt, task.Attempt)

		task, err = h.m.Complete(ctx, lease, lifecycle.Outcome{Kind: lifecycle.OutcomeFailed, Err: transient})
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, lifecycle.StateRetry, task.State)
			_, _, err = h.m.Claim(ctx)
			assert.ErrorIs(t, err, queue.ErrEmpty, "retry is delayed")
			h.advance(10 * time.Second)
			continue
		}
		assert.Equal(t, lifecycle.StateFailed, task.State)
		assert.Equal(t, transient.Error(), task.Cause)
	}
}

func TestComplete_PermanentErrorFailsImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	_, lease := h.claim(t)

	corrupt := &parser.CorruptStreamError{Path: file.Path, Consecutive: 51, LastOrdinal: 60}
	task, err := h.m.Complete(ctx, lease, lifecycle.Outcome{Kind: lifecycle.OutcomeFailed, Err: corrupt})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, task.State)
	assert.Equal(t, 1, task.Attempt)
	assert.Contains(t, task.Cause, "corrupt stream")
}

func TestComplete_InterruptedAttemptIsNotCharged(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)

	for attempt := 1; attempt < 3; attempt++ {
		_, lease := h.claim(t)
		_, err = h.m.Complete(ctx, lease, lifecycle.Outcome{Kind: lifecycle.OutcomeFailed, Err: errors.New("connection reset by peer")})
		require.NoError(t, err)
		h.advance(10 * time.Second)
	}

	// Final attempt: shutdown must not use it up.
	task, lease := h.claim(t)
	require.Equal(t, 3, task.Attempt)
	task, err = h.m.Complete(ctx, lease, lifecycle.Outcome{Kind: lifecycle.OutcomeInterrupted, Err: context.Canceled})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRetry, task.State)
	assert.Equal(t, 2, task.Attempt)
	assert.Equal(t, "interrupted: context canceled", task.Cause)

	task, lease = h.claim(t)
	assert.Equal(t, 3, task.Attempt, "requeued without delay")
	task, err = h.m.Complete(ctx, lease, lifecycle.Outcome{Kind: lifecycle.OutcomeSucceeded, Result: &lifecycle.Result{}})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateSuccess, task.State)
}

// ── Cancellation ───────────────────────────────────────────────────────────

func TestCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	pending, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	cancelled, err := h.m.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCancelled, cancelled.State)

	_, err = h.m.Cancel(ctx, pending.ID)
	assert.NoError(t, err, "cancelling twice is a no-op")

	_, _, err = h.m.Claim(ctx)
	assert.ErrorIs(t, err, queue.ErrEmpty, "cancelled delivery is skipped")

	_, err = h.m.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestCancel_RunningTaskStopsAtNextReport(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	_, lease := h.claim(t)

	_, err = h.m.Cancel(ctx, task.ID)
	require.NoError(t, err)

	yes, err := h.m.IsCancelled(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, yes)
	assert.ErrorIs(t, h.m.ReportProgress(ctx, lease, lifecycle.ProgressUpdate{Processed: 10}), lifecycle.ErrNotRunning)

	done, err := h.m.Complete(ctx, lease, lifecycle.Outcome{Kind: lifecycle.OutcomeCancelled})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCancelled, done.State)
}

func TestCancel_FinishedTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	_, lease := h.claim(t)
	_, err = h.m.Complete(ctx, lease, lifecycle.Outcome{Kind: lifecycle.OutcomeSucceeded, Result: &lifecycle.Result{}})
	require.NoError(t, err)

	_, err = h.m.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, lifecycle.ErrTerminal)
}

// ── Leases ─────────────────────────────────────────────────────────────────

func TestExpiredLeaseIsRedeliveredAsNewAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	_, first := h.claim(t)

	h.advance(30 * time.Second)
	first, err = h.m.Extend(ctx, first)
	require.NoError(t, err)
	h.advance(45 * time.Second)
	n, err := h.m.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "extended lease still valid")

	h.advance(time.Minute)
	n, err = h.m.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, second := h.claim(t)
	assert.Equal(t, 2, task.Attempt)
	assert.Equal(t, lifecycle.StateRunning, task.State)

	_, err = h.m.Complete(ctx, first, lifecycle.Outcome{Kind: lifecycle.OutcomeSucceeded, Result: &lifecycle.Result{}})
	assert.ErrorIs(t, err, lifecycle.ErrStaleAttempt, "the abandoned worker cannot finish the task")

	done, err := h.m.Complete(ctx, second, lifecycle.Outcome{Kind: lifecycle.OutcomeSucceeded, Result: &lifecycle.Result{}})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateSuccess, done.State)
}

func TestExpiredLeaseOnFinalAttemptFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.claim(t)
		h.advance(2 * time.Minute)
		_, err = h.m.ReapExpiredLeases(ctx)
		require.NoError(t, err)
	}
	_, _, err = h.m.Claim(ctx)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	got, err := h.m.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, got.State)
	assert.Contains(t, got.Cause, "lease expired")
}

// Not parallel: the transition counters are process-wide.
func TestTransitionsCountedOnlyWhenCommitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	count := func(s lifecycle.State) float64 {
		return testutil.ToFloat64(metrics.TaskTransitions.WithLabelValues(string(s)))
	}

	_, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	h.claim(t)
	h.advance(2 * time.Minute)
	_, err = h.m.ReapExpiredLeases(ctx)
	require.NoError(t, err)

	running, retry := count(lifecycle.StateRunning), count(lifecycle.StateRetry)
	task, _ := h.claim(t)
	require.Equal(t, 2, task.Attempt)
	assert.Equal(t, running+1, count(lifecycle.StateRunning))
	assert.Equal(t, retry, count(lifecycle.StateRetry), "redelivery passes through RETRY without committing it")

	cancelled := count(lifecycle.StateCancelled)
	_, err = h.m.Cancel(ctx, task.ID)
	require.NoError(t, err)
	_, err = h.m.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled+1, count(lifecycle.StateCancelled), "a repeated cancel changes nothing")
}

// ── Maintenance ────────────────────────────────────────────────────────────

func TestPurgeExpired(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.m.Submit(ctx, file, columns, "alice")
	require.NoError(t, err)
	_, err = h.m.Cancel(ctx, task.ID)
	require.NoError(t, err)

	n, err := h.m.PurgeExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.advance(2 * time.Hour)
	n, err = h.m.PurgeExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = h.m.Status(ctx, task.ID)
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.False(t, lifecycle.IsRetryable(nil))
	assert.True(t, lifecycle.IsRetryable(errors.New("i/o timeout")))
	assert.True(t, lifecycle.IsRetryable(context.Canceled))
	assert.False(t, lifecycle.IsRetryable(&parser.MalformedInputError{Reason: "x"}))
	assert.False(t, lifecycle.IsRetryable(&lifecycle.ValidationError{Msg: "x"}))
}
