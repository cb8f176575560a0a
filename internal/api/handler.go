// Package api implements the HTTP surface of the ingestion service.
//
// Requests may carry an x-user-id header forwarded by the gateway; it names
// the requester of a submission and defaults to "anonymous".
//
// Routes:
//
//	POST /upload                      → store a CSV/XLSX file, returns {fileId}
//	POST /map                         → submit {fileId, columnMap}, returns {taskId}
//	GET  /task/{taskId}               → task status
//	POST /task/{taskId}/cancel        → cancel a task
//	GET  /analytics/salary/summary    → {p50, p75, p90, n}
//	GET  /analytics/stack/compare     → [{stack, p50, n}]
//	GET  /health, /, /config, /metrics
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"skillora/ingest-service/internal/analytics"
	"skillora/ingest-service/internal/health"
	"skillora/ingest-service/internal/lifecycle"
	"skillora/ingest-service/internal/model"
)

const defaultRequester = "anonymous"

// Tasks is the part of the lifecycle manager the handlers use.
type Tasks interface {
	Submit(ctx context.Context, file model.FileReference, columns model.ColumnMap, requester string) (*lifecycle.Task, error)
	Status(ctx context.Context, taskID string) (*lifecycle.Task, error)
	Cancel(ctx context.Context, taskID string) (*lifecycle.Task, error)
}

// Files stores uploads and resolves file IDs.
type Files interface {
	Save(name, contentType string, r io.Reader) (model.FileReference, error)
	Get(id string) (model.FileReference, error)
}

// Analytics answers the read-only salary queries.
type Analytics interface {
	SalarySummary(ctx context.Context, f analytics.Filter) (analytics.Summary, error)
	StackCompare(ctx context.Context, f analytics.Filter) ([]analytics.StackStat, error)
}

// Info is reported by GET / and GET /config.
type Info struct {
	App   string `json:"app"`
	Env   string `json:"env"`
	Debug bool   `json:"debug"`
}

// Handler holds shared dependencies.
type Handler struct {
	tasks     Tasks
	files     Files
	analytics Analytics
	health    *health.Checker
	info      Info
	log       *slog.Logger
}

// NewHandler returns a configured Handler.
func NewHandler(tasks Tasks, files Files, a Analytics, checker *health.Checker, info Info, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		tasks:     tasks,
		files:     files,
		analytics: a,
		health:    checker,
		info:      info,
		log:       log.With("component", "api"),
	}
}

// RegisterRoutes mounts all routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.root).Methods(http.MethodGet)
	r.HandleFunc("/config", h.config).Methods(http.MethodGet)
	r.HandleFunc("/health", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/upload", h.upload).Methods(http.MethodPost)
	r.HandleFunc("/map", h.submit).Methods(http.MethodPost)
	r.HandleFunc("/task/{taskId}", h.status).Methods(http.MethodGet)
	r.HandleFunc("/task/{taskId}/cancel", h.cancel).Methods(http.MethodPost)

	r.HandleFunc("/analytics/salary/summary", h.salarySummary).Methods(http.MethodGet)
	r.HandleFunc("/analytics/stack/compare", h.stackCompare).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonError(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
}

// Router returns the full middleware stack: panic recovery and CORS around
// the routes. An empty origins list allows any origin.
func (h *Handler) Router(origins []string) http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "x-user-id"}),
	)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{h.log}))(cors(r))
}

// ─── Service endpoints ───────────────────────────────────────────────────────

func (h *Handler) root(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, map[string]string{"message": fmt.Sprintf("%s ingest service is running", h.info.App)})
}

func (h *Handler) config(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, h.info)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	report, ok := h.health.Check(r.Context())
	if !ok {
		jsonStatus(w, http.StatusServiceUnavailable, report)
		return
	}
	jsonOK(w, report)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func requester(r *http.Request) string {
	if id := r.Header.Get("x-user-id"); id != "" {
		return id
	}
	return defaultRequester
}

func jsonOK(w http.ResponseWriter, v any) {
	jsonStatus(w, http.StatusOK, v)
}

func jsonStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]string{"error": msg})
}

type recoveryLogger struct{ log *slog.Logger }

func (l recoveryLogger) Println(v ...any) {
	l.log.Error("handler panicked", "panic", fmt.Sprint(v...))
}
