// skillora ingest-service
//
// Ingests CSV/XLSX salary files into PostgreSQL and serves percentile
// analytics over the committed records.
//
//	serve   → HTTP API (upload, map, task status, analytics) + gRPC health
//	worker  → ingestion worker pool + lease reaper/retention cron + gRPC health
//	all     → serve and worker in one process (required for BACKEND=memory)
//	migrate → apply or roll back the PostgreSQL schema
//
// Task state changes are published to Redis or Kafka as EVENT_TASK_STATE.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"skillora/ingest-service/internal/config"
	"skillora/ingest-service/internal/db"
)

// Version is set at build time.
var Version = "1.0.0"

var (
	cfg      *config.Config
	logger   *slog.Logger
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:           "ingest-service",
	Short:         "Salary file ingestion and analytics service",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		logger, closeLog = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		logger = logger.With("service", cfg.AppName, "version", Version)
		slog.SetDefault(logger)

		if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		})); err != nil {
			logger.Warn("set GOMAXPROCS", "err", err)
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = closeLog()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runRoles(cmd.Context(), roles{api: true})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion worker pool and maintenance jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runRoles(cmd.Context(), roles{worker: true})
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the HTTP API and the worker pool in one process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runRoles(cmd.Context(), roles{api: true, worker: true})
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the database schema",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Backend != config.BackendPostgres {
			return fmt.Errorf("migrate requires BACKEND=%s", config.BackendPostgres)
		}
		pool, err := db.NewPostgresPool(cmd.Context(), cfg.DatabaseURL, cfg.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		if len(args) == 1 && args[0] == "down" {
			if err := db.MigrateDown(pool); err != nil {
				return err
			}
			logger.Info("migrations rolled back")
			return nil
		}
		if err := db.Migrate(pool); err != nil {
			return err
		}
		logger.Info("migrations applied")
		return nil
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, workerCmd, allCmd, migrateCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if logger != nil {
			logger.Error("exiting", "err", err)
		} else {
			fmt.Fprintf(os.Stderr, "[ingest-service] %v\n", err)
		}
		os.Exit(1)
	}
}
