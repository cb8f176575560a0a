// Package config loads and validates environment variables at startup.
// Fail-fast: an invalid or missing required variable stops the process.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"skillora/ingest-service/internal/writer"
)

// Backends.
const (
	BackendPostgres = "postgres" // PostgreSQL store, Redis queue
	BackendMemory   = "memory"   // in-process store and queue, single binary
)

// Event sinks.
const (
	SinkRedis = "redis"
	SinkKafka = "kafka"
	SinkNone  = "none"
)

// Config holds all runtime configuration for the ingestion service.
type Config struct {
	AppName     string
	Environment string
	Debug       bool

	HTTPPort       string
	GRPCHealthPort string
	CORSOrigins    []string
	UploadDir      string
	MaxUploadBytes int64

	Backend        string
	DatabaseURL    string
	RedisURL       string
	ConnectTimeout time.Duration
	QueueName      string

	EventsSink   string
	KafkaBrokers []string
	KafkaTopic   string

	LogLevel slog.Level
	LogFile  string

	WorkerConcurrency    int
	Writer               writer.Config
	PipelineDepth        int
	MaxConsecutiveFaults int

	TaskMaxAttempts     int
	TaskLease           time.Duration
	TaskRetention       time.Duration
	TaskErrorSummaryCap int
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(os.Getenv)
}

// LoadFrom builds a Config from getenv.
func LoadFrom(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}
	cfg := &Config{
		AppName:        e.str("APP_NAME", "skillora"),
		Environment:    e.str("ENVIRONMENT", "development"),
		Debug:          e.boolean("DEBUG", false),
		HTTPPort:       e.str("HTTP_PORT", "8080"),
		GRPCHealthPort: e.str("GRPC_HEALTH_PORT", "9090"),
		CORSOrigins:    e.list("CORS_ORIGINS", []string{"*"}),
		UploadDir:      e.str("UPLOAD_DIR", "/data/uploads"),
		MaxUploadBytes: int64(e.integer("MAX_UPLOAD_MB", 100)) << 20,

		Backend:        strings.ToLower(e.str("BACKEND", BackendPostgres)),
		DatabaseURL:    e.str("DATABASE_URL", ""),
		RedisURL:       e.str("REDIS_URL", ""),
		ConnectTimeout: e.seconds("CONNECT_TIMEOUT_SECONDS", 30),
		QueueName:      e.str("QUEUE_NAME", "ingest"),

		EventsSink:   strings.ToLower(e.str("EVENTS_SINK", SinkRedis)),
		KafkaBrokers: e.list("KAFKA_BROKERS", nil),
		KafkaTopic:   e.str("KAFKA_TOPIC", "EVENT_TASK_STATE"),

		LogLevel: e.level("LOG_LEVEL", slog.LevelInfo),
		LogFile:  e.str("LOG_FILE", ""),

		WorkerConcurrency: e.integer("WORKER_CONCURRENCY", 4),
		Writer: writer.Config{
			BatchSize:      e.integer("INGEST_BATCH_SIZE", 1000),
			MaxRetries:     e.integer("INGEST_BATCH_MAX_RETRIES", 4),
			InitialBackoff: writer.DefaultConfig().InitialBackoff,
			MaxBackoff:     writer.DefaultConfig().MaxBackoff,
		},
		PipelineDepth:        e.integer("INGEST_PIPELINE_DEPTH", 2),
		MaxConsecutiveFaults: e.integer("PARSER_MAX_CONSECUTIVE_FAULTS", 50),

		TaskMaxAttempts:     e.integer("TASK_MAX_ATTEMPTS", 3),
		TaskLease:           e.seconds("TASK_LEASE_SECONDS", 300),
		TaskRetention:       time.Duration(e.integer("TASK_RETENTION_HOURS", 168)) * time.Hour,
		TaskErrorSummaryCap: e.integer("TASK_ERROR_SUMMARY_CAP", 20),
	}
	if e.err != nil {
		return nil, e.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.Backend)
	}

	switch c.EventsSink {
	case SinkRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("EVENTS_SINK=redis requires REDIS_URL")
		}
	case SinkKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("EVENTS_SINK=kafka requires KAFKA_BROKERS")
		}
	case SinkNone:
	default:
		return fmt.Errorf("EVENTS_SINK must be one of redis, kafka, none, got %q", c.EventsSink)
	}

	if err := c.Writer.Validate(); err != nil {
		return fmt.Errorf("INGEST_BATCH_*: %w", err)
	}
	for name, v := range map[string]int{
		"WORKER_CONCURRENCY":            c.WorkerConcurrency,
		"INGEST_PIPELINE_DEPTH":         c.PipelineDepth,
		"PARSER_MAX_CONSECUTIVE_FAULTS": c.MaxConsecutiveFaults,
		"TASK_MAX_ATTEMPTS":             c.TaskMaxAttempts,
		"TASK_ERROR_SUMMARY_CAP":        c.TaskErrorSummaryCap,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be a positive integer, got %d", name, v)
		}
	}
	if c.TaskLease < 10*time.Second {
		return fmt.Errorf("TASK_LEASE_SECONDS must be at least 10, got %v", c.TaskLease.Seconds())
	}
	if c.TaskRetention <= 0 {
		return fmt.Errorf("TASK_RETENTION_HOURS must be positive")
	}
	return nil
}

// env reads typed variables and keeps the first parse error.
type env struct {
	getenv func(string) string
	err    error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	s := strings.TrimSpace(e.getenv(key))
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("%s must be an integer, got %q", key, s)
	}
	return v
}

func (e *env) seconds(key string, def int) time.Duration {
	return time.Duration(e.integer(key, def)) * time.Second
}

func (e *env) boolean(key string, def bool) bool {
	s := strings.TrimSpace(e.getenv(key))
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("%s must be a boolean, got %q", key, s)
	}
	return v
}

func (e *env) list(key string, def []string) []string {
	s := strings.TrimSpace(e.getenv(key))
	if s == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e *env) level(key string, def slog.Level) slog.Level {
	s := strings.TrimSpace(e.getenv(key))
	if s == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("%s must be DEBUG, INFO, WARN or ERROR, got %q", key, s)
		}
		return def
	}
	return lvl
}
