package config_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillora/ingest-service/internal/config"
)

func getenv(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoadFrom_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFrom(getenv(map[string]string{
		"DATABASE_URL": "postgres://u:p@db:5432/skillora",
		"REDIS_URL":    "redis://redis:6379/0",
	}))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "/data/uploads", cfg.UploadDir)
	assert.Equal(t, config.BackendPostgres, cfg.Backend)
	assert.Equal(t, config.SinkRedis, cfg.EventsSink)
	assert.Equal(t, 1000, cfg.Writer.BatchSize)
	assert.Equal(t, 4, cfg.Writer.MaxRetries)
	assert.Equal(t, 3, cfg.TaskMaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.TaskLease)
	assert.Equal(t, 168*time.Hour, cfg.TaskRetention)
	assert.Equal(t, 20, cfg.TaskErrorSummaryCap)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, int64(100<<20), cfg.MaxUploadBytes)
}

func TestLoadFrom_Overrides(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFrom(getenv(map[string]string{
		"BACKEND":           "memory",
		"EVENTS_SINK":       "kafka",
		"KAFKA_BROKERS":     "k1:9092, k2:9092",
		"INGEST_BATCH_SIZE": "5000",
		"LOG_LEVEL":         "debug",
		"CORS_ORIGINS":      "https://app.example.com,https://admin.example.com",
		"DEBUG":             "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, config.BackendMemory, cfg.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5000, cfg.Writer.BatchSize)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.Debug)
	assert.Len(t, cfg.CORSOrigins, 2)
}

func TestLoadFrom_Invalid(t *testing.T) {
	t.Parallel()

	base := func() map[string]string {
		return map[string]string{"DATABASE_URL": "postgres://db", "REDIS_URL": "redis://r"}
	}
	cases := map[string]map[string]string{
		"missing database":   {"REDIS_URL": "redis://r"},
		"batch too large":    {"INGEST_BATCH_SIZE": "5001"},
		"batch zero":         {"INGEST_BATCH_SIZE": "0"},
		"not a number":       {"WORKER_CONCURRENCY": "many"},
		"bad level":          {"LOG_LEVEL": "loud"},
		"bad backend":        {"BACKEND": "sqlite"},
		"kafka without host": {"EVENTS_SINK": "kafka"},
		"short lease":        {"TASK_LEASE_SECONDS": "1"},
		"bad bool":           {"DEBUG": "maybe"},
	}
	for name, override := range cases {
		t.Run(name, func(t *testing.T) {
			vars := base()
			if name == "missing database" {
				vars = map[string]string{}
			}
			for k, v := range override {
				vars[k] = v
			}
			_, err := config.LoadFrom(getenv(vars))
			assert.Error(t, err)
		})
	}
}

func TestSetupLogger(t *testing.T) {
	t.Parallel()

	var stderr, file bytes.Buffer
	log := config.SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)
	log.Debug("hidden")
	log.Info("task submitted", "task_id", "t1")

	assert.Contains(t, stderr.String(), "task_id=t1")
	assert.NotContains(t, stderr.String(), "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &line))
	assert.Equal(t, "task submitted", line["msg"])

	logger, cleanup := config.SetupLogger(filepath.Join(t.TempDir(), "ingest.log"), slog.LevelInfo)
	logger.Info("hello")
	assert.NoError(t, cleanup())
}
