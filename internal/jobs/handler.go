package jobs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelift/backend/internal/middleware"
	"github.com/pixelift/backend/internal/models"
)

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// ListJobs returns the user's recent enhancement jobs, newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.svc.List(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("list jobs failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// GetJob returns the status snapshot of one enhancement job. Failures and
// reaper timeouts are observed here by polling; no error ever crosses back
// to the original submitter.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob transitions an active job to cancelled and refunds its cost.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}
	if err := h.svc.Cancel(r.Context(), job.ID); err != nil {
		if errors.Is(err, ErrNotCancellable) {
			http.Error(w, `{"error":"job already finished"}`, http.StatusConflict)
			return
		}
		h.log.Error("cancel job failed", "job_id", job.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	updated, err := h.svc.Get(r.Context(), job.ID)
	if err != nil {
		h.log.Error("reload cancelled job failed", "job_id", job.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// loadOwnedJob resolves the path id and enforces ownership. Jobs of other
// users are reported as not found, not forbidden.
func (h *Handler) loadOwnedJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return nil, false
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return nil, false
	}
	job, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
			return nil, false
		}
		h.log.Error("load job failed", "job_id", jobID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return nil, false
	}
	if job.UserID != userID {
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		return nil, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
