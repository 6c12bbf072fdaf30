package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

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

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// GetBalance returns the user's current balance, applying any pending
// regeneration.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	balance, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		h.log.Error("get balance failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

// ListTransactions returns the user's recent ledger history.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.svc.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("list transactions failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.TokenTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": list})
}

type paymentEventRequest struct {
	UserID   uuid.UUID `json:"user_id"`
	Amount   int64     `json:"amount"`
	SourceID string    `json:"source_id"`
	Kind     string    `json:"kind"`
}

// PaymentEvent consumes a "grant N tokens to user U" event from the payment
// processor. Operator-authenticated; the processor itself never talks to the
// ledger directly.
func (h *Handler) PaymentEvent(w http.ResponseWriter, r *http.Request) {
	var req paymentEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == uuid.Nil || req.Amount <= 0 || req.SourceID == "" {
		http.Error(w, `{"error":"user_id, positive amount and source_id are required"}`, http.StatusBadRequest)
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = models.TxKindPurchase
	}
	if kind != models.TxKindPurchase && kind != models.TxKindBonus {
		http.Error(w, `{"error":"kind must be purchase or bonus"}`, http.StatusBadRequest)
		return
	}
	balance, err := h.svc.Grant(r.Context(), req.UserID, req.Amount, req.SourceID, kind)
	if err != nil {
		h.log.Error("grant failed", "user_id", req.UserID, "source_id", req.SourceID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

// Audit reports the conservation check for one user: stored balance versus
// the signed transaction sum. Operator-authenticated; a mismatch is a
// data-integrity bug, not a user-visible condition.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	result, err := h.svc.Audit(r.Context(), userID)
	if err != nil {
		h.log.Error("ledger audit failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !result.Consistent {
		h.log.Error("ledger conservation violated",
			"user_id", userID, "balance", result.Balance, "transaction_sum", result.TransactionSum)
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
