// Package scheduler wires up the periodic maintenance jobs: the lease reaper
// that redelivers tasks abandoned by dead workers, and the retention purge of
// old finished tasks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintainer is the part of the lifecycle manager the jobs drive.
type Maintainer interface {
	ReapExpiredLeases(ctx context.Context) (int, error)
	PurgeExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

type Config struct {
	ReapSpec  string        // cron spec, e.g. "@every 30s"
	PurgeSpec string        // cron spec, e.g. "@every 1h"
	Retention time.Duration // finished tasks older than this are purged
}

func DefaultConfig() Config {
	return Config{ReapSpec: "@every 30s", PurgeSpec: "@every 1h", Retention: 7 * 24 * time.Hour}
}

// Scheduler wraps robfig/cron and manages the maintenance jobs.
type Scheduler struct {
	cron *cron.Cron
	m    Maintainer
	cfg  Config
	log  *slog.Logger
}

func New(m Maintainer, cfg Config, log *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.ReapSpec == "" {
		cfg.ReapSpec = def.ReapSpec
	}
	if cfg.PurgeSpec == "" {
		cfg.PurgeSpec = def.PurgeSpec
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "scheduler")
	cl := cronLogger{log}
	return &Scheduler{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl))),
		m:    m,
		cfg:  cfg,
		log:  log,
	}
}

// Start registers the jobs and starts the scheduler. One reap runs right away
// so tasks orphaned by a previous crash do not wait for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.ReapSpec, func() { s.Reap(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc(%q): %w", s.cfg.ReapSpec, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.PurgeSpec, func() { s.Purge(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc(%q): %w", s.cfg.PurgeSpec, err)
	}

	s.cron.Start()
	s.log.Info("cron started", "reap", s.cfg.ReapSpec, "purge", s.cfg.PurgeSpec, "retention", s.cfg.Retention)

	go s.Reap(ctx)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("cron stopped")
}

// Reap runs one lease reaper pass.
func (s *Scheduler) Reap(ctx context.Context) {
	n, err := s.m.ReapExpiredLeases(ctx)
	if err != nil {
		s.log.Error("lease reaper failed", "err", err)
		return
	}
	if n > 0 {
		s.log.Info("expired leases reaped", "count", n)
	}
}

// Purge runs one retention pass.
func (s *Scheduler) Purge(ctx context.Context) {
	if _, err := s.m.PurgeExpired(ctx, s.cfg.Retention); err != nil {
		s.log.Error("retention purge failed", "err", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
