// Package worker runs ingestion attempts. Each goroutine of a Pool loops:
// claim a task, run it while renewing its lease, hand the outcome back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"skillora/ingest-service/internal/lifecycle"
	"skillora/ingest-service/internal/queue"
)

// Lifecycle is the part of the lifecycle manager a worker uses.
type Lifecycle interface {
	Claim(ctx context.Context) (*lifecycle.Task, lifecycle.Lease, error)
	Extend(ctx context.Context, lease lifecycle.Lease) (lifecycle.Lease, error)
	Complete(ctx context.Context, lease lifecycle.Lease, out lifecycle.Outcome) (*lifecycle.Task, error)
	LeaseDuration() time.Duration
}

// Runner executes one attempt.
type Runner interface {
	Run(ctx context.Context, task *lifecycle.Task, lease lifecycle.Lease) lifecycle.Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task *lifecycle.Task, lease lifecycle.Lease) lifecycle.Outcome

func (f RunnerFunc) Run(ctx context.Context, task *lifecycle.Task, lease lifecycle.Lease) lifecycle.Outcome {
	return f(ctx, task, lease)
}

type Config struct {
	Concurrency  int
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{Concurrency: 4, PollInterval: time.Second}
}

// Pool is a fixed set of worker goroutines.
type Pool struct {
	lc     Lifecycle
	runner Runner
	cfg    Config
	log    *slog.Logger
}

func NewPool(lc Lifecycle, runner Runner, cfg Config, log *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{lc: lc, runner: runner, cfg: cfg, log: log.With("component", "worker")}
}

// Run blocks until ctx is cancelled. A task in flight at that point is
// handed back as a retryable failure.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool started", "concurrency", p.cfg.Concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		log := p.log.With("worker", i)
		g.Go(func() error {
			p.loop(ctx, log)
			return nil
		})
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, log *slog.Logger) {
	for ctx.Err() == nil {
		worked, err := p.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("claim failed", "err", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// ProcessOne claims and runs a single task. It reports false when nothing was
// ready.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	task, lease, err := p.lc.Claim(ctx)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	heartbeat := make(chan struct{})
	go func() {
		defer close(heartbeat)
		p.keepAlive(runCtx, cancel, lease)
	}()

	out := p.run(runCtx, task, lease)
	cancel()
	<-heartbeat

	// A failure caused by shutdown hands the task back without charging the
	// attempt. The outcome is recorded even though ctx is cancelled.
	if ctx.Err() != nil && out.Kind == lifecycle.OutcomeFailed && lifecycle.IsRetryable(out.Err) {
		out = lifecycle.Outcome{Kind: lifecycle.OutcomeInterrupted, Err: out.Err}
	}
	if _, err := p.lc.Complete(context.WithoutCancel(ctx), lease, out); err != nil {
		p.log.Warn("complete task", "task_id", task.ID, "attempt", lease.Attempt, "err", err)
	}
	return true, nil
}

func (p *Pool) run(ctx context.Context, task *lifecycle.Task, lease lifecycle.Lease) (out lifecycle.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("ingestion panicked", "task_id", task.ID, "panic", r)
			out = lifecycle.Outcome{Kind: lifecycle.OutcomeFailed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return p.runner.Run(ctx, task, lease)
}

// keepAlive extends the lease at a third of its duration. Losing the lease
// stops the attempt, since another worker may now own the task.
func (p *Pool) keepAlive(ctx context.Context, stop context.CancelFunc, lease lifecycle.Lease) {
	ticker := time.NewTicker(p.lc.LeaseDuration() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := p.lc.Extend(ctx, lease)
			if errors.Is(err, queue.ErrLeaseLost) {
				p.log.Warn("lease lost, abandoning attempt", "task_id", lease.TaskID, "attempt", lease.Attempt)
				stop()
				return
			}
			if err != nil {
				p.log.Warn("extend lease", "task_id", lease.TaskID, "err", err)
				continue
			}
			lease = next
		}
	}
}
