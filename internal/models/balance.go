package models

import (
	"time"

	"github.com/google/uuid"
)

// Token transaction kinds. Positive amounts are credits, negative are debits.
const (
	TxKindRegen    = "regen"
	TxKindPurchase = "purchase"
	TxKindBonus    = "bonus"
	TxKindSpend    = "spend"
	TxKindRefund   = "refund"
)

// Balance is the single spendable token balance for a user. Created lazily on
// first access and mutated only through the ledger service.
type Balance struct {
	UserID      uuid.UUID `json:"user_id"`
	Amount      int64     `json:"amount"`
	LastRegenAt time.Time `json:"last_regen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TokenTransaction is one append-only ledger line. The sum of all transaction
// amounts for a user equals the user's current balance.
type TokenTransaction struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	Amount       int64     `json:"amount"`
	Kind         string    `json:"kind"`
	SourceID     string    `json:"source_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}
