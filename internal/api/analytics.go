package api

import (
	"net/http"
	"strconv"

	"skillora/ingest-service/internal/analytics"
)

func filterFrom(r *http.Request) analytics.Filter {
	q := r.URL.Query()
	return analytics.Filter{
		Country:   q.Get("country"),
		Seniority: q.Get("seniority"),
		Currency:  q.Get("currency"),
		Title:     q.Get("title"),
		Stack:     q.Get("stack"),
	}
}

// salarySummary handles GET /analytics/salary/summary.
func (h *Handler) salarySummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.analytics.SalarySummary(r.Context(), filterFrom(r))
	if err != nil {
		h.log.Error("salary summary", "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, s)
}

// stackCompare handles GET /analytics/stack/compare.
func (h *Handler) stackCompare(w http.ResponseWriter, r *http.Request) {
	f := filterFrom(r)
	if raw := r.URL.Query().Get("min_n"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			jsonError(w, "min_n must be a positive integer", http.StatusBadRequest)
			return
		}
		f.MinN = n
	}

	stats, err := h.analytics.StackCompare(r.Context(), f)
	if err != nil {
		h.log.Error("stack compare", "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []analytics.StackStat{}
	}
	jsonOK(w, stats)
}
