package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"skillora/ingest-service/internal/events"
	"skillora/ingest-service/internal/metrics"
	"skillora/ingest-service/internal/model"
	"skillora/ingest-service/internal/queue"
)

// Config bounds attempts, leases and retry delays.
type Config struct {
	MaxAttempts     int
	LeaseDuration   time.Duration
	ErrorSummaryCap int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		LeaseDuration:   5 * time.Minute,
		ErrorSummaryCap: 20,
		RetryBaseDelay:  5 * time.Second,
		RetryMaxDelay:   5 * time.Minute,
	}
}

// ─── Manager ─────────────────────────────────────────────────────────────────

// Manager applies every task state change. Workers and handlers never write
// task state themselves.
type Manager struct {
	tasks    TaskStore
	queue    Queue
	events   Publisher
	cfg      Config
	log      *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewManager returns a Manager. A nil publisher disables events.
func NewManager(tasks TaskStore, q Queue, pub Publisher, cfg Config, log *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.ErrorSummaryCap <= 0 {
		cfg.ErrorSummaryCap = def.ErrorSummaryCap
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	return &Manager{
		tasks:    tasks,
		queue:    q,
		events:   pub,
		cfg:      cfg,
		log:      log.With("component", "lifecycle"),
		validate: v,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// LeaseDuration is the lease granted by Claim and Extend.
func (m *Manager) LeaseDuration() time.Duration { return m.cfg.LeaseDuration }

// ─── Submission & reads ──────────────────────────────────────────────────────

// Submit registers an ingestion of file with columns on behalf of requester.
// When a task with the same idempotency key already succeeded or is still in
// flight, that task is returned and nothing is enqueued.
func (m *Manager) Submit(ctx context.Context, file model.FileReference, columns model.ColumnMap, requester string) (*Task, error) {
	if err := m.validateSubmission(file, columns, requester); err != nil {
		return nil, err
	}
	key := IdempotencyKey(file.ID, columns, requester)

	// A second pass covers losing a creation race to a concurrent Submit.
	for range 2 {
		existing, err := m.tasks.FindByKey(ctx, key)
		if err == nil {
			m.log.Info("submission matched existing task",
				"task_id", existing.ID, "state", existing.State, "file_id", file.ID)
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("submit: lookup key: %w", err)
		}

		now := m.now()
		task := &Task{
			ID:             uuid.NewString(),
			IdempotencyKey: key,
			Requester:      requester,
			File:           file,
			Columns:        columns,
			State:          StatePending,
			MaxAttempts:    m.cfg.MaxAttempts,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := m.tasks.CreateTask(ctx, task); err != nil {
			if errors.Is(err, ErrIdempotencyConflict) {
				continue
			}
			return nil, fmt.Errorf("submit: create task: %w", err)
		}

		if err := m.queue.Enqueue(ctx, task.ID, 0); err != nil {
			// A PENDING task without a queue entry would never run.
			cause := fmt.Sprintf("enqueue failed: %v", err)
			cancelled, uerr := m.tasks.UpdateTask(context.WithoutCancel(ctx), task.ID, func(t *Task) error {
				t.Cause = cause
				return m.transition(t, StateCancelled)
			})
			if uerr != nil {
				m.log.Error("cancel unqueued task", "task_id", task.ID, "err", uerr)
			} else {
				m.publish(ctx, cancelled)
			}
			return nil, fmt.Errorf("submit: enqueue task %s: %w", task.ID, err)
		}

		m.log.Info("task submitted", "task_id", task.ID, "file_id", file.ID, "requester", requester)
		m.publish(ctx, task)
		return task, nil
	}
	return nil, fmt.Errorf("submit: %w", ErrIdempotencyConflict)
}

func (m *Manager) validateSubmission(file model.FileReference, columns model.ColumnMap, requester string) error {
	if err := m.validate.Struct(file); err != nil {
		return &ValidationError{Msg: "file reference is incomplete: " + missingFields(err)}
	}
	if err := m.validate.Struct(columns); err != nil {
		return &ValidationError{Msg: "column map is incomplete: " + missingFields(err)}
	}
	if strings.TrimSpace(requester) == "" {
		return &ValidationError{Msg: "requester is required"}
	}
	return nil
}

func missingFields(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		names = append(names, fe.Field())
	}
	return strings.Join(names, ", ")
}

// Status returns a snapshot of the task. It never waits on running work.
func (m *Manager) Status(ctx context.Context, taskID string) (*Task, error) {
	return m.tasks.GetTask(ctx, taskID)
}

// IsCancelled reports whether the task was cancelled. Workers poll it at batch
// boundaries.
func (m *Manager) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	t, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return t.State == StateCancelled, nil
}

// ─── Worker side ─────────────────────────────────────────────────────────────

// Claim leases the next runnable task and moves it to RUNNING with a fresh
// attempt. Deliveries of finished tasks are acknowledged and skipped. It
// returns queue.ErrEmpty when nothing is ready.
func (m *Manager) Claim(ctx context.Context) (*Task, Lease, error) {
	for {
		d, err := m.queue.Dequeue(ctx, m.cfg.LeaseDuration)
		if err != nil {
			return nil, Lease{}, err
		}
		metrics.TasksClaimed.Inc()

		var (
			skip    bool
			changed bool
		)
		task, err := m.tasks.UpdateTask(ctx, d.TaskID, func(t *Task) error {
			skip, changed = false, false
			switch t.State {
			case StatePending, StateRetry:
			case StateRunning:
				// Redelivered after the previous holder's lease expired.
				if t.Attempt >= t.MaxAttempts {
					t.Cause = fmt.Sprintf("lease expired during final attempt %d", t.Attempt)
					skip, changed = true, true
					return m.transition(t, StateFailed)
				}
				if err := m.transition(t, StateRetry); err != nil {
					return err
				}
			default:
				skip = true
				return nil
			}
			if err := m.transition(t, StateRunning); err != nil {
				return err
			}
			now := m.now()
			t.Attempt++
			t.Progress = Progress{}
			t.Errors = ErrorSummary{}
			t.StartedAt = &now
			changed = true
			return nil
		})
		if errors.Is(err, ErrNotFound) {
			m.log.Warn("dropping delivery for unknown task", "task_id", d.TaskID)
			m.ack(ctx, d)
			continue
		}
		if err != nil {
			// The lease stays in place and the reaper redelivers it.
			return nil, Lease{}, fmt.Errorf("claim task %s: %w", d.TaskID, err)
		}
		if changed {
			m.publish(ctx, task)
		}
		if skip {
			m.log.Info("skipping delivery", "task_id", task.ID, "state", task.State)
			m.ack(ctx, d)
			continue
		}

		m.log.Info("task claimed", "task_id", task.ID, "attempt", task.Attempt, "max_attempts", task.MaxAttempts)
		return task, Lease{TaskID: task.ID, Attempt: task.Attempt, Token: d.Token, Deadline: d.Deadline}, nil
	}
}

// ReportProgress records counters after a committed batch. Updates from a
// stale attempt or that move a counter backwards are rejected and not
// applied; ErrNotRunning tells the caller the task was cancelled.
func (m *Manager) ReportProgress(ctx context.Context, lease Lease, u ProgressUpdate) error {
	_, err := m.tasks.UpdateTask(ctx, lease.TaskID, func(t *Task) error {
		if t.Attempt != lease.Attempt {
			return ErrStaleAttempt
		}
		if t.State != StateRunning {
			return ErrNotRunning
		}
		if u.Processed < t.Progress.Processed || u.Rejected < t.Progress.Rejected {
			return &RegressiveProgressError{TaskID: t.ID, Attempt: t.Attempt, Current: t.Progress.clone(), Reported: u}
		}
		t.Progress.Processed = u.Processed
		t.Progress.Rejected = u.Rejected
		if u.Total != nil {
			total := *u.Total
			t.Progress.Total = &total
		}
		if u.Fraction > t.Progress.Fraction {
			t.Progress.Fraction = u.Fraction
		}
		t.Errors.Add(u.Issues, m.cfg.ErrorSummaryCap)
		t.UpdatedAt = m.now()
		return nil
	})

	var regressive *RegressiveProgressError
	switch {
	case errors.As(err, &regressive):
		m.log.Warn("rejected regressive progress update", "task_id", lease.TaskID, "err", err)
	case errors.Is(err, ErrStaleAttempt):
		m.log.Warn("rejected progress from stale attempt", "task_id", lease.TaskID, "attempt", lease.Attempt)
	}
	return err
}

// Extend pushes the lease deadline forward by LeaseDuration.
func (m *Manager) Extend(ctx context.Context, lease Lease) (Lease, error) {
	d, err := m.queue.Extend(ctx, delivery(lease), m.cfg.LeaseDuration)
	if err != nil {
		return lease, fmt.Errorf("extend lease of task %s: %w", lease.TaskID, err)
	}
	lease.Deadline = d.Deadline
	return lease, nil
}

// Complete applies the outcome of an attempt and releases its lease.
// Retryable failures with attempts left go to RETRY and are requeued after a
// jittered exponential delay; other failures end in FAILED. An interrupted
// attempt goes back to RETRY at once and does not count against MaxAttempts.
func (m *Manager) Complete(ctx context.Context, lease Lease, out Outcome) (*Task, error) {
	var (
		requeue bool
		delay   time.Duration
		changed bool
	)
	task, err := m.tasks.UpdateTask(ctx, lease.TaskID, func(t *Task) error {
		requeue, changed = false, false
		if t.Attempt != lease.Attempt {
			return ErrStaleAttempt
		}
		if t.State == StateCancelled {
			return nil
		}
		if t.State != StateRunning {
			return ErrNotRunning
		}

		changed = true
		switch out.Kind {
		case OutcomeSucceeded:
			t.Result = out.Result
			t.Cause = ""
			return m.transition(t, StateSuccess)
		case OutcomeCancelled:
			t.Cause = "cancelled"
			return m.transition(t, StateCancelled)
		case OutcomeInterrupted:
			t.Cause = "interrupted"
			if out.Err != nil {
				t.Cause = "interrupted: " + out.Err.Error()
			}
			t.Attempt--
			requeue = true
			return m.transition(t, StateRetry)
		}

		t.Cause = "unknown failure"
		if out.Err != nil {
			t.Cause = out.Err.Error()
		}
		if IsRetryable(out.Err) && t.Attempt < t.MaxAttempts {
			requeue = true
			delay = m.retryDelay(t.Attempt)
			return m.transition(t, StateRetry)
		}
		return m.transition(t, StateFailed)
	})
	if errors.Is(err, ErrStaleAttempt) {
		m.log.Warn("ignoring outcome of stale attempt", "task_id", lease.TaskID, "attempt", lease.Attempt, "outcome", out.Kind)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("complete task %s: %w", lease.TaskID, err)
	}

	d := delivery(lease)
	if requeue {
		err = m.queue.Requeue(ctx, d, delay)
	} else {
		err = m.queue.Ack(ctx, d)
	}
	switch {
	case errors.Is(err, queue.ErrLeaseLost):
		m.log.Warn("lease lost before release", "task_id", task.ID, "state", task.State)
	case err != nil:
		// The task row is already updated; an expired lease is redelivered and
		// Claim resolves it from the stored state.
		m.log.Error("release lease", "task_id", task.ID, "state", task.State, "err", err)
	}

	if changed {
		m.publish(ctx, task)
	}
	m.log.Info("task attempt finished",
		"task_id", task.ID, "attempt", task.Attempt, "outcome", out.Kind, "state", task.State,
		"processed", task.Progress.Processed, "rejected", task.Progress.Rejected, "retry_in", delay)
	return task, nil
}

// retryDelay returns the jittered exponential delay before attempt+1.
func (m *Manager) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryBaseDelay
	b.MaxInterval = m.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// ─── Cancellation & maintenance ──────────────────────────────────────────────

// Cancel moves a PENDING, RUNNING or RETRY task to CANCELLED. A running
// worker notices at its next batch boundary. Cancelling a cancelled task is a
// no-op; cancelling a succeeded or failed one returns ErrTerminal.
func (m *Manager) Cancel(ctx context.Context, taskID string) (*Task, error) {
	var changed bool
	task, err := m.tasks.UpdateTask(ctx, taskID, func(t *Task) error {
		changed = false
		switch {
		case t.State == StateCancelled:
			return nil
		case IsTerminal(t.State):
			return fmt.Errorf("cancel task in state %s: %w", t.State, ErrTerminal)
		}
		changed = true
		t.Cause = "cancelled by request"
		return m.transition(t, StateCancelled)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.log.Info("task cancelled", "task_id", task.ID)
		m.publish(ctx, task)
	}
	return task, nil
}

// ReapExpiredLeases makes tasks whose worker stopped renewing its lease
// deliverable again.
func (m *Manager) ReapExpiredLeases(ctx context.Context) (int, error) {
	ids, err := m.queue.ReapExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	for _, id := range ids {
		m.log.Warn("lease expired, task redelivered", "task_id", id)
	}
	return len(ids), nil
}

// PurgeExpired deletes finished tasks older than ttl. Committed records are
// kept.
func (m *Manager) PurgeExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	n, err := m.tasks.DeleteTerminalBefore(ctx, m.now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	if n > 0 {
		m.log.Info("purged finished tasks", "count", n, "older_than", ttl)
	}
	return n, nil
}

// QueueStats exposes queue depth for health reporting.
func (m *Manager) QueueStats(ctx context.Context) (queue.Stats, error) {
	return m.queue.Stats(ctx)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (m *Manager) transition(t *Task, to State) error {
	if !IsTransitionAllowed(t.State, to) {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: to}
	}
	now := m.now()
	t.State = to
	t.UpdatedAt = now
	if IsTerminal(to) {
		t.FinishedAt = &now
	}
	return nil
}

func (m *Manager) ack(ctx context.Context, d queue.Delivery) {
	if err := m.queue.Ack(ctx, d); err != nil {
		m.log.Warn("ack delivery", "task_id", d.TaskID, "err", err)
	}
}

// publish counts a committed transition and emits its event. The event is
// best effort: a failed publish never fails the transition.
func (m *Manager) publish(ctx context.Context, t *Task) {
	metrics.TaskTransitions.WithLabelValues(string(t.State)).Inc()
	ev := events.TaskEvent{
		Type:      events.TypeTaskState,
		TaskID:    t.ID,
		Requester: t.Requester,
		State:     string(t.State),
		Attempt:   t.Attempt,
		Processed: t.Progress.Processed,
		Rejected:  t.Progress.Rejected,
		Cause:     t.Cause,
		At:        t.UpdatedAt,
	}
	if err := m.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		m.log.Warn("publish task event failed", "task_id", t.ID, "state", t.State, "err", err)
	}
}

func delivery(l Lease) queue.Delivery {
	return queue.Delivery{TaskID: l.TaskID, Token: l.Token, Deadline: l.Deadline}
}
