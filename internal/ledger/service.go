package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelift/backend/internal/models"
)

// ErrInsufficientBalance is the only expected user-facing ledger failure.
// Anything else coming out of the store is infrastructure trouble.
var ErrInsufficientBalance = errors.New("insufficient token balance")

// InsufficientBalanceError carries the amounts the caller reports upward.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient token balance: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Store is the persistence contract the ledger service mutates balances
// through. Repository implements it against PostgreSQL.
type Store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	GetOrCreateForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, defaultAmount int64, now time.Time) (*models.Balance, bool, error)
	SaveAmount(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, lastRegenAt time.Time) error
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.TokenTransaction) error
	FindRefund(ctx context.Context, tx pgx.Tx, userID uuid.UUID, sourceID string) (*models.TokenTransaction, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.TokenTransaction, error)
	SumByUser(ctx context.Context, userID uuid.UUID) (int64, error)
	GetAmount(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Options carries the regeneration and cap policy. These are product
// parameters, injected rather than hard-coded.
type Options struct {
	DefaultBalance int64
	MaxBalance     int64
	RegenInterval  time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Service is the token ledger manager: the only component allowed to mutate
// a balance. Every operation locks the user's balance row and folds pending
// regeneration into the same transaction, so a concurrent consume can never
// lose a regen credit or vice versa.
type Service struct {
	store          Store
	defaultBalance int64
	maxBalance     int64
	regenInterval  time.Duration
	now            func() time.Time
	log            *slog.Logger
}

func NewService(store Store, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:          store,
		defaultBalance: opts.DefaultBalance,
		maxBalance:     opts.MaxBalance,
		regenInterval:  opts.RegenInterval,
		now:            now,
		log:            log,
	}
}

// GetBalance applies pending regeneration, then returns the current amount.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var amount int64
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		bal, err := s.lockAndRegen(ctx, tx, userID)
		if err != nil {
			return err
		}
		amount = bal.Amount
		return nil
	})
	return amount, err
}

// Consume spends tokens in its own transaction.
func (s *Service) Consume(ctx context.Context, userID uuid.UUID, amount int64, sourceID string) (int64, error) {
	var newBalance int64
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		newBalance, err = s.ConsumeTx(ctx, tx, userID, amount, sourceID)
		return err
	})
	return newBalance, err
}

// ConsumeTx spends tokens inside the caller's transaction, so job creation
// can share the same atomic unit as the reservation. Fails with
// InsufficientBalanceError without ever letting the balance go negative.
func (s *Service) ConsumeTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, sourceID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("consume amount must be positive, got %d", amount)
	}
	bal, err := s.lockAndRegen(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if bal.Amount < amount {
		return 0, &InsufficientBalanceError{Required: amount, Available: bal.Amount}
	}
	bal.Amount -= amount
	if err := s.store.SaveAmount(ctx, tx, userID, bal.Amount, bal.LastRegenAt); err != nil {
		return 0, err
	}
	if err := s.store.InsertTransaction(ctx, tx, &models.TokenTransaction{
		ID:           uuid.New(),
		UserID:       userID,
		Amount:       -amount,
		Kind:         models.TxKindSpend,
		SourceID:     sourceID,
		BalanceAfter: bal.Amount,
	}); err != nil {
		return 0, err
	}
	s.log.Info("tokens consumed", "user_id", userID, "amount", amount, "source_id", sourceID, "balance", bal.Amount)
	return bal.Amount, nil
}

// Refund credits tokens back, exactly once per source id. A second call for
// a source id that already has a refund transaction is a no-op returning the
// recorded result. The balance row lock taken before the duplicate check
// serializes racing refunders (controller vs reaper) on the same user.
func (s *Service) Refund(ctx context.Context, userID uuid.UUID, amount int64, sourceID, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("refund amount must be positive, got %d", amount)
	}
	if sourceID == "" {
		return 0, errors.New("refund requires a source id")
	}
	var newBalance int64
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		bal, err := s.lockAndRegen(ctx, tx, userID)
		if err != nil {
			return err
		}
		existing, err := s.store.FindRefund(ctx, tx, userID, sourceID)
		if err != nil {
			return err
		}
		if existing != nil {
			newBalance = existing.BalanceAfter
			s.log.Info("refund already applied, skipping", "user_id", userID, "source_id", sourceID)
			return nil
		}
		bal.Amount += amount
		if err := s.store.SaveAmount(ctx, tx, userID, bal.Amount, bal.LastRegenAt); err != nil {
			return err
		}
		if err := s.store.InsertTransaction(ctx, tx, &models.TokenTransaction{
			ID:           uuid.New(),
			UserID:       userID,
			Amount:       amount,
			Kind:         models.TxKindRefund,
			SourceID:     sourceID,
			Reason:       reason,
			BalanceAfter: bal.Amount,
		}); err != nil {
			return err
		}
		newBalance = bal.Amount
		s.log.Info("tokens refunded", "user_id", userID, "amount", amount, "source_id", sourceID, "reason", reason, "balance", bal.Amount)
		return nil
	})
	return newBalance, err
}

// Grant credits purchased or bonus tokens. The balance is capped at the
// configured maximum; the transaction records what was actually credited so
// the ledger still sums to the balance.
func (s *Service) Grant(ctx context.Context, userID uuid.UUID, amount int64, sourceID, kind string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	if kind != models.TxKindPurchase && kind != models.TxKindBonus {
		return 0, fmt.Errorf("invalid grant kind %q", kind)
	}
	var newBalance int64
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		bal, err := s.lockAndRegen(ctx, tx, userID)
		if err != nil {
			return err
		}
		credited := amount
		if bal.Amount+credited > s.maxBalance {
			credited = s.maxBalance - bal.Amount
			if credited < 0 {
				credited = 0
			}
		}
		bal.Amount += credited
		if err := s.store.SaveAmount(ctx, tx, userID, bal.Amount, bal.LastRegenAt); err != nil {
			return err
		}
		if err := s.store.InsertTransaction(ctx, tx, &models.TokenTransaction{
			ID:           uuid.New(),
			UserID:       userID,
			Amount:       credited,
			Kind:         kind,
			SourceID:     sourceID,
			BalanceAfter: bal.Amount,
		}); err != nil {
			return err
		}
		newBalance = bal.Amount
		s.log.Info("tokens granted", "user_id", userID, "kind", kind, "requested", amount, "credited", credited, "source_id", sourceID, "balance", bal.Amount)
		return nil
	})
	return newBalance, err
}

// AuditResult is the conservation check for one user: the stored balance
// against the signed sum of the user's transactions.
type AuditResult struct {
	UserID         uuid.UUID `json:"user_id"`
	Balance        int64     `json:"balance"`
	TransactionSum int64     `json:"transaction_sum"`
	Consistent     bool      `json:"consistent"`
}

// Audit compares the stored balance with the transaction sum. The two must
// match; a mismatch means a balance mutation bypassed the ledger. Reads are
// unlocked, so a mutation in flight can report a transient mismatch.
func (s *Service) Audit(ctx context.Context, userID uuid.UUID) (*AuditResult, error) {
	balance, err := s.store.GetAmount(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := s.store.SumByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &AuditResult{
		UserID:         userID,
		Balance:        balance,
		TransactionSum: sum,
		Consistent:     balance == sum,
	}, nil
}

// ListTransactions returns the most recent ledger lines for a user.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.TokenTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// lockAndRegen locks the balance row and applies whole-interval regeneration:
// +1 token per elapsed interval since the watermark, capped at the maximum.
// The watermark advances only by the intervals actually credited, preserving
// the remainder toward the next check. On first access it records the initial
// credit as a transaction, keeping the ledger sum equal to the balance.
func (s *Service) lockAndRegen(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Balance, error) {
	now := s.now()
	bal, created, err := s.store.GetOrCreateForUpdate(ctx, tx, userID, s.defaultBalance, now)
	if err != nil {
		return nil, err
	}
	if created && bal.Amount > 0 {
		if err := s.store.InsertTransaction(ctx, tx, &models.TokenTransaction{
			ID:           uuid.New(),
			UserID:       userID,
			Amount:       bal.Amount,
			Kind:         models.TxKindBonus,
			SourceID:     "initial_balance",
			BalanceAfter: bal.Amount,
		}); err != nil {
			return nil, err
		}
	}
	if s.regenInterval <= 0 {
		return bal, nil
	}
	intervals := int64(now.Sub(bal.LastRegenAt) / s.regenInterval)
	if intervals <= 0 {
		return bal, nil
	}
	credited := intervals
	if bal.Amount+credited > s.maxBalance {
		credited = s.maxBalance - bal.Amount
	}
	if credited <= 0 {
		return bal, nil
	}
	bal.Amount += credited
	bal.LastRegenAt = bal.LastRegenAt.Add(time.Duration(credited) * s.regenInterval)
	if err := s.store.SaveAmount(ctx, tx, userID, bal.Amount, bal.LastRegenAt); err != nil {
		return nil, err
	}
	if err := s.store.InsertTransaction(ctx, tx, &models.TokenTransaction{
		ID:           uuid.New(),
		UserID:       userID,
		Amount:       credited,
		Kind:         models.TxKindRegen,
		BalanceAfter: bal.Amount,
	}); err != nil {
		return nil, err
	}
	return bal, nil
}
