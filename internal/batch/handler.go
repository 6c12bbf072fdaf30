package batch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pixelift/backend/internal/ledger"
	"github.com/pixelift/backend/internal/middleware"
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

type submitRequest struct {
	Items         []Item `json:"items"`
	SkipCompleted bool   `json:"skip_completed"`
}

// Submit accepts a batch of enhancement requests. Insufficient balance and
// launch failures are the two synchronous error outcomes; everything after a
// successful hand-off is observed by polling job status.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	sub, err := h.svc.Submit(r.Context(), userID, req.Items, req.SkipCompleted)
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		switch {
		case errors.As(err, &insufficient):
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":     "insufficient token balance",
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
		case errors.Is(err, ErrLaunchFailure):
			h.log.Error("batch launch failed", "user_id", userID, "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error": "could not start enhancement batch; tokens refunded",
			})
		case errors.Is(err, ErrEmptyBatch):
			http.Error(w, `{"error":"items must not be empty"}`, http.StatusBadRequest)
		case errors.Is(err, ErrInvalidItem):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		default:
			h.log.Error("batch submit failed", "user_id", userID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// GetSummary returns the derived status rollup for one batch.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	batchID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid batch id"}`, http.StatusBadRequest)
		return
	}
	summary, err := h.svc.GetSummary(r.Context(), batchID)
	if err != nil {
		h.log.Error("batch summary failed", "batch_id", batchID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if summary.Total == 0 || summary.UserID != userID {
		http.Error(w, `{"error":"batch not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
