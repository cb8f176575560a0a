package lifecycle

import (
	"errors"
	"fmt"

	"skillora/ingest-service/internal/faults"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

// ErrIdempotencyConflict is returned by a TaskStore when an active or
// successful task already holds the idempotency key. Submit resolves it by
// returning that task.
var ErrIdempotencyConflict = errors.New("idempotency key already in use")

// ErrStaleAttempt rejects calls made under a lease that is no longer current.
var ErrStaleAttempt = errors.New("stale task attempt")

// ErrNotRunning rejects progress for a task that left RUNNING, typically
// because it was cancelled.
var ErrNotRunning = errors.New("task is not running")

// ErrTerminal is returned when cancelling a task that already succeeded or
// failed.
var ErrTerminal = errors.New("task already finished")

// ValidationError is returned for bad submissions. It is never retried.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string   { return e.Msg }
func (e *ValidationError) Permanent() bool { return true }

// InvalidTransitionError reports a move the state machine does not allow.
type InvalidTransitionError struct {
	TaskID   string
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s → %s", e.TaskID, e.From, e.To)
}

// RegressiveProgressError rejects a progress update that would move a counter
// backwards within one attempt.
type RegressiveProgressError struct {
	TaskID   string
	Attempt  int
	Current  Progress
	Reported ProgressUpdate
}

func (e *RegressiveProgressError) Error() string {
	return fmt.Sprintf("task %s attempt %d: regressive progress (processed %d→%d, rejected %d→%d)",
		e.TaskID, e.Attempt,
		e.Current.Processed, e.Reported.Processed,
		e.Current.Rejected, e.Reported.Rejected)
}

// IsRetryable classifies an attempt failure. Errors that declare themselves
// permanent (malformed input, corrupt stream, validation) are not retried;
// everything else, including I/O and transient store errors, is.
func IsRetryable(err error) bool {
	return err != nil && !faults.IsPermanent(err)
}
