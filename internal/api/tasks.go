package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"skillora/ingest-service/internal/lifecycle"
	"skillora/ingest-service/internal/model"
	"skillora/ingest-service/internal/uploads"
)

// maxMemory bounds the in-memory part of a multipart upload; the rest spills
// to temporary files.
const maxMemory = 32 << 20

// TaskMeta is the progress block of a status response.
type TaskMeta struct {
	Processed int64  `json:"processed"`
	Total     *int64 `json:"total,omitempty"`
	Percent   int    `json:"percent"`
	Rejected  int64  `json:"rejected"`
}

// TaskStatus is the JSON shape of GET /task/{taskId}. Ready means the task
// reached a final state; Successful means that state is SUCCESS.
type TaskStatus struct {
	ID         string                  `json:"id"`
	State      lifecycle.State         `json:"state"`
	Attempt    int                     `json:"attempt"`
	Meta       TaskMeta                `json:"meta"`
	Ready      bool                    `json:"ready"`
	Successful bool                    `json:"successful"`
	Result     *lifecycle.Result       `json:"result,omitempty"`
	Errors     *lifecycle.ErrorSummary `json:"errors,omitempty"`
	Error      string                  `json:"error,omitempty"`
	CreatedAt  time.Time               `json:"createdAt"`
	UpdatedAt  time.Time               `json:"updatedAt"`
}

func newTaskStatus(t *lifecycle.Task) TaskStatus {
	s := TaskStatus{
		ID:      t.ID,
		State:   t.State,
		Attempt: t.Attempt,
		Meta: TaskMeta{
			Processed: t.Progress.Processed,
			Total:     t.Progress.Total,
			Percent:   t.Progress.Percent(),
			Rejected:  t.Progress.Rejected,
		},
		Ready:      lifecycle.IsTerminal(t.State),
		Successful: t.State == lifecycle.StateSuccess,
		Result:     t.Result,
		Error:      t.Cause,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
	if len(t.Errors.Rows) > 0 || t.Errors.Omitted > 0 {
		errs := t.Errors
		s.Errors = &errs
	}
	return s
}

// upload handles POST /upload (multipart field "file").
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		jsonError(w, "body must be multipart/form-data", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "form field \"file\" is required", http.StatusBadRequest)
		return
	}
	defer f.Close()

	ref, err := h.files.Save(header.Filename, header.Header.Get("Content-Type"), f)
	switch {
	case errors.Is(err, uploads.ErrUnsupportedType):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, uploads.ErrTooLarge):
		jsonError(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		h.log.Error("save upload", "filename", header.Filename, "err", err)
		jsonError(w, "could not store file", http.StatusInternalServerError)
		return
	}

	h.log.Info("file uploaded", "file_id", ref.ID, "size", ref.Size)
	jsonOK(w, map[string]string{"fileId": ref.ID})
}

// submit handles POST /map.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileID    string          `json:"fileId"`
		ColumnMap model.ColumnMap `json:"columnMap"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.FileID == "" {
		jsonError(w, "body must contain fileId and columnMap", http.StatusBadRequest)
		return
	}

	ref, err := h.files.Get(body.FileID)
	if errors.Is(err, uploads.ErrNotFound) {
		jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("resolve file", "file_id", body.FileID, "err", err)
		jsonError(w, "could not read file", http.StatusInternalServerError)
		return
	}

	task, err := h.tasks.Submit(r.Context(), ref, body.ColumnMap, requester(r))
	var verr *lifecycle.ValidationError
	if errors.As(err, &verr) {
		jsonError(w, verr.Msg, http.StatusBadRequest)
		return
	}
	if err != nil {
		h.log.Error("submit task", "file_id", body.FileID, "err", err)
		jsonError(w, "could not submit task", http.StatusInternalServerError)
		return
	}

	jsonOK(w, map[string]string{"taskId": task.ID})
}

// status handles GET /task/{taskId}.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Status(r.Context(), mux.Vars(r)["taskId"])
	if !h.taskFound(w, err) {
		return
	}
	jsonOK(w, newTaskStatus(task))
}

// cancel handles POST /task/{taskId}/cancel.
func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Cancel(r.Context(), mux.Vars(r)["taskId"])
	if errors.Is(err, lifecycle.ErrTerminal) {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if !h.taskFound(w, err) {
		return
	}
	jsonOK(w, newTaskStatus(task))
}

// taskFound writes the error response for err and reports whether the
// handler may continue.
func (h *Handler) taskFound(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, lifecycle.ErrNotFound):
		jsonError(w, "task not found", http.StatusNotFound)
	default:
		h.log.Error("load task", "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
	}
	return false
}
