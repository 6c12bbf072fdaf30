package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelift/backend/internal/models"
)

// Repository is the pgx-backed store for balances and token transactions.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetOrCreateForUpdate returns the user's balance row locked FOR UPDATE,
// creating it with the default amount on first access. The row lock is the
// per-user serialization point for every balance mutation. The second return
// reports whether the row was created by this call, so the service can write
// the matching initial-credit transaction.
func (r *Repository) GetOrCreateForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, defaultAmount int64, now time.Time) (*models.Balance, bool, error) {
	res, err := tx.Exec(ctx, `
		INSERT INTO balances (user_id, amount, last_regen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, defaultAmount, now)
	if err != nil {
		return nil, false, err
	}
	created := res.RowsAffected() > 0
	var b models.Balance
	row := tx.QueryRow(ctx, `
		SELECT user_id, amount, last_regen_at, created_at, updated_at
		FROM balances WHERE user_id = $1
		FOR UPDATE
	`, userID)
	if err := row.Scan(&b.UserID, &b.Amount, &b.LastRegenAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, false, err
	}
	return &b, created, nil
}

func (r *Repository) SaveAmount(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, lastRegenAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE balances SET amount = $1, last_regen_at = $2, updated_at = now()
		WHERE user_id = $3
	`, amount, lastRegenAt, userID)
	return err
}

func (r *Repository) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.TokenTransaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO token_transactions (id, user_id, amount, kind, source_id, reason, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, t.ID, t.UserID, t.Amount, t.Kind, t.SourceID, t.Reason, t.BalanceAfter).Scan(&t.CreatedAt)
}

// FindRefund returns the refund transaction for the given source id, or nil
// when none exists. This is the idempotency check that keeps a controller and
// the reaper from double-crediting the same job.
func (r *Repository) FindRefund(ctx context.Context, tx pgx.Tx, userID uuid.UUID, sourceID string) (*models.TokenTransaction, error) {
	var t models.TokenTransaction
	row := tx.QueryRow(ctx, `
		SELECT id, user_id, amount, kind, source_id, reason, balance_after, created_at
		FROM token_transactions
		WHERE user_id = $1 AND source_id = $2 AND kind = $3
	`, userID, sourceID, models.TxKindRefund)
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.SourceID, &t.Reason, &t.BalanceAfter, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.TokenTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, amount, kind, source_id, reason, balance_after, created_at
		FROM token_transactions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.TokenTransaction
	for rows.Next() {
		var t models.TokenTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.SourceID, &t.Reason, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

// SumByUser returns the signed sum of all transaction amounts for a user.
// It must always equal the balance row's amount.
func (r *Repository) SumByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var sum int64
	row := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM token_transactions WHERE user_id = $1
	`, userID)
	if err := row.Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// GetAmount reads the stored balance amount without locking or applying
// regeneration. Used by the operator audit; returns 0 when no row exists.
func (r *Repository) GetAmount(ctx context.Context, userID uuid.UUID) (int64, error) {
	var amount int64
	row := r.pool.QueryRow(ctx, `SELECT amount FROM balances WHERE user_id = $1`, userID)
	err := row.Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return amount, nil
}
