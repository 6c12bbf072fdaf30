package reaper

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
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

type sweepRequest struct {
	TimeoutMs int64 `json:"timeout_ms"`
	BatchSize int   `json:"batch_size"`
	DryRun    bool  `json:"dry_run"`
}

// Sweep is the operator-triggered sweep. The same logic runs periodically
// from the queue; this endpoint exists for incident response and for dry-run
// inspection. An empty body runs with configured defaults.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
	}
	opts := SweepOptions{
		Threshold: time.Duration(req.TimeoutMs) * time.Millisecond,
		BatchSize: req.BatchSize,
		DryRun:    req.DryRun,
	}
	result, err := h.svc.RunSweep(r.Context(), opts)
	if err != nil {
		h.log.Error("operator sweep failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}
