// Package ingest runs one attempt of an ingestion task: it streams the file,
// normalizes each row, and commits valid records in batches while reporting
// progress after every commit.
//
// Parsing and writing run as two stages joined by a bounded channel. Batches
// are committed one at a time in file order, so reported counters only grow.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"skillora/ingest-service/internal/lifecycle"
	"skillora/ingest-service/internal/metrics"
	"skillora/ingest-service/internal/model"
	"skillora/ingest-service/internal/normalize"
	"skillora/ingest-service/internal/parser"
	"skillora/ingest-service/internal/writer"
)

// NoteNoValidRows is attached to a successful result with no committed rows.
const NoteNoValidRows = "no valid rows after normalization"

const (
	DefaultPipelineDepth = 2
	DefaultSampleSize    = 3
)

// Tracker is the part of the lifecycle manager an attempt talks to.
type Tracker interface {
	ReportProgress(ctx context.Context, lease lifecycle.Lease, u lifecycle.ProgressUpdate) error
	IsCancelled(ctx context.Context, taskID string) (bool, error)
}

// Config tunes the pipeline.
type Config struct {
	// PipelineDepth is the number of batches buffered between the stages.
	PipelineDepth int
	Parser        parser.Options
	SampleSize    int
}

// Orchestrator is safe for concurrent use; each Run is independent.
type Orchestrator struct {
	writer  *writer.Writer
	tracker Tracker
	cfg     Config
	log     *slog.Logger
}

func New(w *writer.Writer, tracker Tracker, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = DefaultPipelineDepth
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{writer: w, tracker: tracker, cfg: cfg, log: log.With("component", "ingest")}
}

// chunk is one unit handed from the parse stage to the write stage: a batch
// of valid records plus the rows rejected since the previous chunk.
type chunk struct {
	batch    writer.Batch
	rejected int64
	issues   []lifecycle.RowIssue
	fraction float64
	final    bool
}

// errCancelled ends a run whose task was cancelled.
var errCancelled = errors.New("ingestion cancelled")

// Run executes one attempt of task under lease and reports how it ended. It is
// safe to run again for the same task: records are keyed by (idempotency key,
// row ordinal) and normalization is deterministic.
func (o *Orchestrator) Run(ctx context.Context, task *lifecycle.Task, lease lifecycle.Lease) lifecycle.Outcome {
	log := o.log.With("task_id", task.ID, "attempt", lease.Attempt, "file_id", task.File.ID)

	stream, err := parser.Open(ctx, task.File, o.cfg.Parser)
	if err != nil {
		log.Warn("cannot open input", "err", err)
		return lifecycle.Outcome{Kind: lifecycle.OutcomeFailed, Err: err}
	}
	defer stream.Close()

	if missing := missingColumns(stream, task.Columns); len(missing) > 0 {
		log.Warn("mapped columns not in header, affected rows will be rejected",
			"missing", missing, "columns", stream.Columns())
	}

	run := &attempt{
		o:      o,
		task:   task,
		lease:  lease,
		log:    log,
		sample: make([]model.Record, 0, o.cfg.SampleSize),
	}

	chunks := make(chan chunk, o.cfg.PipelineDepth)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(chunks)
		return run.produce(gctx, stream, chunks)
	})
	g.Go(func() error {
		return run.consume(gctx, chunks)
	})
	err = g.Wait()

	switch {
	case errors.Is(err, errCancelled), errors.Is(err, lifecycle.ErrNotRunning):
		log.Info("ingestion stopped after cancellation", "processed", run.processed, "rejected", run.rejected)
		return lifecycle.Outcome{Kind: lifecycle.OutcomeCancelled}
	case err != nil:
		log.Warn("ingestion attempt failed", "processed", run.processed, "rejected", run.rejected, "err", err)
		return lifecycle.Outcome{Kind: lifecycle.OutcomeFailed, Err: err}
	}

	res := &lifecycle.Result{
		FileID:   task.File.ID,
		Inserted: run.processed,
		Total:    run.processed + run.rejected,
		Rejected: run.rejected,
		Sample:   run.sample,
	}
	if run.processed == 0 {
		res.Note = NoteNoValidRows
	}
	log.Info("ingestion finished",
		"processed", run.processed, "rejected", run.rejected, "new_rows", run.inserted, "batches", run.batches)
	return lifecycle.Outcome{Kind: lifecycle.OutcomeSucceeded, Result: res}
}

func missingColumns(s *parser.Stream, m model.ColumnMap) []string {
	var missing []string
	for _, f := range model.CanonicalFields {
		if col := m.Source(f); !s.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	return missing
}

// attempt holds the state of one Run. Counters are owned by the write stage.
type attempt struct {
	o     *Orchestrator
	task  *lifecycle.Task
	lease lifecycle.Lease
	log   *slog.Logger

	processed int64
	rejected  int64
	inserted  int64
	batches   int
	sample    []model.Record
}

// ─── Parse stage ─────────────────────────────────────────────────────────────

func (a *attempt) produce(ctx context.Context, stream *parser.Stream, out chan<- chunk) error {
	batcher := writer.NewBatcher(a.o.writer.BatchSize())
	var (
		rejected int64
		issues   []lifecycle.RowIssue
	)
	emit := func(b writer.Batch, final bool) error {
		c := chunk{batch: b, rejected: rejected, issues: issues, fraction: stream.Fraction(), final: final}
		rejected, issues = 0, nil
		select {
		case out <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	reject := func(ordinal int64, reason string) error {
		metrics.RowsRejected.Inc()
		rejected++
		issues = append(issues, lifecycle.RowIssue{Row: ordinal, Reason: reason})
		// Long runs of rejected rows still report progress.
		if rejected >= int64(a.o.writer.BatchSize()) {
			return emit(writer.Batch{Index: -1}, false)
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := stream.Next()
		if errors.Is(err, io.EOF) {
			rest, _ := batcher.Flush()
			return emit(rest, true)
		}
		var fault *parser.RowFault
		if errors.As(err, &fault) {
			if err := reject(fault.Ordinal, fault.Reason); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		rec, rowErr := normalize.Normalize(row, a.task.Columns)
		if rowErr != nil {
			if err := reject(rowErr.Ordinal, rowErr.Reason()); err != nil {
				return err
			}
			continue
		}
		if b, full := batcher.Add(rec); full {
			if err := emit(b, false); err != nil {
				return err
			}
		}
	}
}

// ─── Write stage ─────────────────────────────────────────────────────────────

func (a *attempt) consume(ctx context.Context, in <-chan chunk) error {
	for c := range in {
		if len(c.batch.Records) > 0 {
			// Cancellation is honored between batches, never inside one.
			cancelled, err := a.o.tracker.IsCancelled(ctx, a.task.ID)
			if err != nil {
				return fmt.Errorf("check cancellation: %w", err)
			}
			if cancelled {
				return errCancelled
			}

			n, err := a.o.writer.Commit(ctx, a.task.IdempotencyKey, c.batch)
			if err != nil {
				return err
			}
			a.inserted += n
			a.batches++
			a.processed += int64(len(c.batch.Records))
			a.keepSample(c.batch.Records)
		}
		a.rejected += c.rejected

		u := lifecycle.ProgressUpdate{
			Processed: a.processed,
			Rejected:  a.rejected,
			Fraction:  c.fraction,
			Issues:    c.issues,
		}
		if c.final {
			total := a.processed + a.rejected
			u.Total = &total
			u.Fraction = 1
		}
		if err := a.o.tracker.ReportProgress(ctx, a.lease, u); err != nil {
			return fmt.Errorf("report progress: %w", err)
		}
	}
	return nil
}

func (a *attempt) keepSample(records []model.Record) {
	for _, r := range records {
		if len(a.sample) >= cap(a.sample) {
			return
		}
		a.sample = append(a.sample, r)
	}
}
