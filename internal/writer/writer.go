// Package writer commits normalized records to durable storage in atomic,
// idempotent batches.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"skillora/ingest-service/internal/faults"
	"skillora/ingest-service/internal/metrics"
	"skillora/ingest-service/internal/model"
)

// MaxBatchSize bounds Config.BatchSize.
const MaxBatchSize = 5000

// Store persists one batch in a single transaction. Rows that already exist
// for (key, ordinal) are skipped; the return value counts new rows only.
type Store interface {
	InsertRecords(ctx context.Context, key string, records []model.Record) (int64, error)
}

// Config controls batching and batch-level retries.
type Config struct {
	BatchSize      int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      1000,
		MaxRetries:     4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d, got %d", MaxBatchSize, c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("batch max retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

// BatchError is returned once a batch could not be committed. It is permanent
// unless the last failure was transient or the commit was interrupted.
type BatchError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d failed after %d attempt(s): %v", e.Index, e.Attempts, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

func (e *BatchError) Permanent() bool {
	return !faults.IsTransient(e.Err) && !errors.Is(e.Err, context.Canceled)
}

// Writer commits batches through a Store.
type Writer struct {
	store Store
	cfg   Config
	log   *slog.Logger
}

func New(store Store, cfg Config, log *slog.Logger) *Writer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{store: store, cfg: cfg, log: log.With("component", "writer")}
}

// BatchSize returns the configured target batch size.
func (w *Writer) BatchSize() int { return w.cfg.BatchSize }

// Commit writes batch atomically under key. Transient store errors are retried
// with exponential backoff up to MaxRetries times; any other error stops at
// once. The returned count excludes rows that were already committed.
func (w *Writer) Commit(ctx context.Context, key string, batch Batch) (int64, error) {
	if len(batch.Records) == 0 {
		return 0, nil
	}

	var (
		inserted int64
		attempts int
	)
	op := func() error {
		attempts++
		n, err := w.store.InsertRecords(ctx, key, batch.Records)
		if err == nil {
			inserted = n
			return nil
		}
		if ctx.Err() != nil || !faults.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.cfg.InitialBackoff
	exp.MaxInterval = w.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	// WithMaxRetries treats 0 as unlimited.
	var bounded backoff.BackOff = &backoff.StopBackOff{}
	if w.cfg.MaxRetries > 0 {
		bounded = backoff.WithMaxRetries(exp, uint64(w.cfg.MaxRetries))
	}
	policy := backoff.WithContext(bounded, ctx)

	notify := func(err error, next time.Duration) {
		metrics.BatchRetries.Inc()
		w.log.Warn("batch commit failed, retrying",
			"batch", batch.Index, "attempt", attempts, "retry_in", next, "error", err)
	}

	start := time.Now()
	err := backoff.RetryNotify(op, policy, notify)
	metrics.BatchCommitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, &BatchError{Index: batch.Index, Attempts: attempts, Err: err}
	}

	metrics.RecordsInserted.Add(float64(inserted))
	w.log.Debug("batch committed",
		"batch", batch.Index, "rows", len(batch.Records), "inserted", inserted, "attempts", attempts)
	return inserted, nil
}
