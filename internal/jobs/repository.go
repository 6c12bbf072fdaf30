package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelift/backend/internal/models"
)

// Repository is the pgx-backed job store. Status transitions are guarded in
// SQL (status checked in the WHERE clause) so a late writer loses cleanly:
// the update reports zero rows instead of clobbering a terminal state.
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

// CreateTx inserts a pending job inside the caller's transaction, so job
// creation shares the atomic unit of the batch reservation.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	return tx.QueryRow(ctx, `
		INSERT INTO jobs (id, user_id, image_ref, tier, cost, status, batch_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, j.ID, j.UserID, j.ImageRef, j.Tier, j.Cost, j.Status, j.BatchID).Scan(&j.CreatedAt, &j.UpdatedAt)
}

const jobColumns = `id, user_id, image_ref, tier, cost, status, batch_id, result_ref,
	error_message, retry_count, created_at, processing_started_at, processing_completed_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.ImageRef, &j.Tier, &j.Cost, &j.Status, &j.BatchID, &j.ResultRef,
		&j.ErrorMessage, &j.RetryCount, &j.CreatedAt, &j.ProcessingStartedAt, &j.ProcessingCompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repository) GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
}

func (r *Repository) ListByBatchID(ctx context.Context, batchID uuid.UUID) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE batch_id = $1 ORDER BY created_at
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// MarkProcessing transitions pending -> processing. Returns false when the
// job was not pending (duplicate delivery, cancelled before dispatch).
func (r *Repository) MarkProcessing(ctx context.Context, jobID uuid.UUID, startedAt time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, processing_started_at = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`, models.JobStatusProcessing, startedAt, jobID, models.JobStatusPending)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkCompleted transitions processing -> completed. A provider response that
// arrives after cancellation or reaping reports false and is discarded.
func (r *Repository) MarkCompleted(ctx context.Context, jobID uuid.UUID, resultRef string, completedAt time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, result_ref = $2, processing_completed_at = $3, updated_at = now()
		WHERE id = $4 AND status = $5
	`, models.JobStatusCompleted, resultRef, completedAt, jobID, models.JobStatusProcessing)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkFailed transitions an active job to failed with an error message.
func (r *Repository) MarkFailed(ctx context.Context, jobID uuid.UUID, errorMessage string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, error_message = $2, processing_completed_at = now(), updated_at = now()
		WHERE id = $3 AND status IN ($4, $5)
	`, models.JobStatusFailed, errorMessage, jobID, models.JobStatusPending, models.JobStatusProcessing)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkRefunded is the post-refund marker on a failed job.
func (r *Repository) MarkRefunded(ctx context.Context, jobID uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, models.JobStatusRefunded, jobID, models.JobStatusFailed)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkCancelled transitions an active job to cancelled.
func (r *Repository) MarkCancelled(ctx context.Context, jobID uuid.UUID, errorMessage string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, error_message = $2, updated_at = now()
		WHERE id = $3 AND status IN ($4, $5)
	`, models.JobStatusCancelled, errorMessage, jobID, models.JobStatusPending, models.JobStatusProcessing)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// IncrementRetry bumps retry_count and returns the new value.
func (r *Repository) IncrementRetry(ctx context.Context, jobID uuid.UUID) (int, error) {
	var count int
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs SET retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING retry_count
	`, jobID)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// HasCompleted reports whether the user already has a completed job for this
// image at this tier (the batch skip pre-filter).
func (r *Repository) HasCompleted(ctx context.Context, userID uuid.UUID, imageRef, tier string) (bool, error) {
	var exists bool
	row := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE user_id = $1 AND image_ref = $2 AND tier = $3 AND status = $4
		)
	`, userID, imageRef, tier, models.JobStatusCompleted)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// FindStale returns processing jobs whose start or last update is strictly
// older than cutoff. A job timestamped exactly at cutoff is not stale.
func (r *Repository) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND (processing_started_at < $2 OR updated_at < $2)
		ORDER BY processing_started_at
		LIMIT $3
	`, models.JobStatusProcessing, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}
