package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"skillora/ingest-service/internal/analytics"
	"skillora/ingest-service/internal/api"
	"skillora/ingest-service/internal/config"
	"skillora/ingest-service/internal/db"
	"skillora/ingest-service/internal/events"
	"skillora/ingest-service/internal/grpcserver"
	"skillora/ingest-service/internal/health"
	"skillora/ingest-service/internal/ingest"
	"skillora/ingest-service/internal/lifecycle"
	"skillora/ingest-service/internal/parser"
	queuemem "skillora/ingest-service/internal/queue/memory"
	"skillora/ingest-service/internal/queue/redisq"
	"skillora/ingest-service/internal/scheduler"
	storemem "skillora/ingest-service/internal/store/memory"
	storepg "skillora/ingest-service/internal/store/postgres"
	"skillora/ingest-service/internal/uploads"
	"skillora/ingest-service/internal/worker"
	"skillora/ingest-service/internal/writer"
)

const (
	shutdownTimeout = 10 * time.Second
	healthInterval  = 10 * time.Second
)

// backend is everything the service needs from durable storage.
type backend interface {
	lifecycle.TaskStore
	writer.Store
	analytics.Source
}

type roles struct {
	api    bool
	worker bool
}

// app holds the wired dependencies of one process.
type app struct {
	store   backend
	manager *lifecycle.Manager
	checker *health.Checker
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build connects to the configured backend and event sink.
func build(ctx context.Context) (*app, error) {
	a := &app{checker: health.NewChecker(0)}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		logger.Info("connecting to redis")
		var err error
		rdb, err = db.NewRedisClient(ctx, cfg.RedisURL, cfg.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		logger.Info("redis connected")
	}

	var q lifecycle.Queue
	switch cfg.Backend {
	case config.BackendPostgres:
		logger.Info("connecting to postgres")
		pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.ConnectTimeout)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.Migrate(pool); err != nil {
			a.close()
			return nil, err
		}
		logger.Info("postgres connected, schema up to date")

		store := storepg.New(pool)
		rq := redisq.New(rdb, cfg.QueueName)
		a.store, q = store, rq
		a.checker.Add("db", store.Ping)
		a.checker.Add("queue", rq.Ping)
	default:
		logger.Warn("using in-memory store and queue, data is lost on exit")
		a.store, q = storemem.New(), queuemem.New()
	}

	pub, err := newPublisher(rdb)
	if err != nil {
		a.close()
		return nil, err
	}
	if pub != nil {
		a.closers = append(a.closers, func() { _ = pub.Close() })
	}

	a.manager = lifecycle.NewManager(a.store, q, pub, lifecycle.Config{
		MaxAttempts:     cfg.TaskMaxAttempts,
		LeaseDuration:   cfg.TaskLease,
		ErrorSummaryCap: cfg.TaskErrorSummaryCap,
	}, logger)
	if cfg.Backend == config.BackendMemory {
		a.checker.Add("queue", func(ctx context.Context) error {
			_, err := a.manager.QueueStats(ctx)
			return err
		})
	}
	return a, nil
}

type publisher interface {
	lifecycle.Publisher
	Close() error
}

func newPublisher(rdb *redis.Client) (publisher, error) {
	switch cfg.EventsSink {
	case config.SinkRedis:
		return events.NewRedisPublisher(rdb, events.TypeTaskState), nil
	case config.SinkKafka:
		logger.Info("connecting to kafka", "brokers", cfg.KafkaBrokers)
		producer, err := events.DialKafka(cfg.KafkaBrokers, cfg.AppName, cfg.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		return events.NewKafkaPublisher(producer, cfg.KafkaTopic), nil
	}
	return nil, nil
}

// runRoles runs the requested roles until ctx is cancelled or one of them
// fails.
func runRoles(ctx context.Context, r roles) error {
	if cfg.Backend == config.BackendMemory && !(r.api && r.worker) {
		return fmt.Errorf("BACKEND=%s only works with the all command", config.BackendMemory)
	}

	a, err := build(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	gs := grpcserver.New(a.checker, logger)
	g.Go(func() error { return gs.Serve(lis) })
	g.Go(func() error {
		gs.Watch(ctx, healthInterval)
		gs.Stop()
		return nil
	})

	if r.api {
		if err := serveHTTP(ctx, g, a); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}
	if r.worker {
		if err := runWorkers(ctx, g, a); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	err = g.Wait()
	logger.Info("stopped")
	return err
}

func serveHTTP(ctx context.Context, g *errgroup.Group, a *app) error {
	files, err := uploads.NewStore(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		return err
	}
	h := api.NewHandler(a.manager, files, analytics.NewAggregator(a.store), a.checker,
		api.Info{App: cfg.AppName, Env: cfg.Environment, Debug: cfg.Debug}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           h.Router(cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	g.Go(func() error {
		logger.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		return nil
	})
	return nil
}

func runWorkers(ctx context.Context, g *errgroup.Group, a *app) error {
	w := writer.New(a.store, cfg.Writer, logger)
	orch := ingest.New(w, a.manager, ingest.Config{
		PipelineDepth: cfg.PipelineDepth,
		Parser:        parser.Options{MaxConsecutiveFaults: cfg.MaxConsecutiveFaults},
	}, logger)
	pool := worker.NewPool(a.manager, orch, worker.Config{Concurrency: cfg.WorkerConcurrency}, logger)

	sched := scheduler.New(a.manager, scheduler.Config{Retention: cfg.TaskRetention}, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	g.Go(func() error {
		err := pool.Run(ctx)
		sched.Stop()
		return err
	})
	return nil
}
