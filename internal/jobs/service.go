package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pixelift/backend/internal/models"
)

// ErrNotCancellable is returned when cancel is requested for a job that has
// already reached a terminal state.
var ErrNotCancellable = errors.New("job is not in a cancellable state")

// Store is the job persistence contract the lifecycle controller drives
// transitions through.
type Store interface {
	GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Job, error)
	MarkProcessing(ctx context.Context, jobID uuid.UUID, startedAt time.Time) (bool, error)
	MarkCompleted(ctx context.Context, jobID uuid.UUID, resultRef string, completedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, jobID uuid.UUID, errorMessage string) (bool, error)
	MarkRefunded(ctx context.Context, jobID uuid.UUID) (bool, error)
	MarkCancelled(ctx context.Context, jobID uuid.UUID, errorMessage string) (bool, error)
	IncrementRetry(ctx context.Context, jobID uuid.UUID) (int, error)
}

// Ledger is the slice of the token ledger the controller needs: failure paths
// refund, nothing else. The job's cost was consumed before the job existed.
type Ledger interface {
	Refund(ctx context.Context, userID uuid.UUID, amount int64, sourceID, reason string) (int64, error)
}

// Enhancer is the external AI provider contract: one call per attempt,
// bounded by the context deadline.
type Enhancer interface {
	Enhance(ctx context.Context, imageRef, tier string) (string, error)
}

// Service drives a single enhancement job from pending to a terminal state,
// reconciling failure outcomes with the ledger.
type Service struct {
	store           Store
	ledger          Ledger
	enhancer        Enhancer
	providerTimeout time.Duration
	maxRetries      int
	now             func() time.Time
	log             *slog.Logger
}

type ServiceOptions struct {
	ProviderTimeout time.Duration
	MaxRetries      int
	Now             func() time.Time
	Logger          *slog.Logger
}

func NewService(store Store, ledger Ledger, enhancer Enhancer, opts ServiceOptions) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:           store,
		ledger:          ledger,
		enhancer:        enhancer,
		providerTimeout: opts.ProviderTimeout,
		maxRetries:      opts.MaxRetries,
		now:             now,
		log:             log,
	}
}

// Get returns a status snapshot.
func (s *Service) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.store.GetByID(ctx, jobID)
}

// List returns the user's most recent jobs.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Process runs the job state machine to a terminal state. It is safe to call
// again after a crash or a cleanup failure: completed work is not redone and
// refunds are idempotent on the job id.
func (s *Service) Process(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	switch job.Status {
	case models.JobStatusPending:
		ok, err := s.store.MarkProcessing(ctx, jobID, s.now())
		if err != nil {
			return err
		}
		if !ok {
			// Lost the transition race (e.g. cancelled before dispatch).
			return nil
		}
	case models.JobStatusProcessing:
		// Redelivery after a crash mid-flight: re-attempt the provider call.
	case models.JobStatusFailed:
		// A previous run marked the job failed but the refund never landed.
		return s.settleFailure(ctx, job)
	default:
		return nil
	}

	var lastErr error
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
		resultRef, err := s.enhancer.Enhance(attemptCtx, job.ImageRef, job.Tier)
		cancel()
		if err == nil {
			ok, err := s.store.MarkCompleted(ctx, jobID, resultRef, s.now())
			if err != nil {
				return err
			}
			if !ok {
				// Cancelled or reaped while the provider was working; the
				// late result is discarded, the refund already happened.
				s.log.Warn("discarding provider result for non-processing job", "job_id", jobID)
			}
			return nil
		}
		if ctx.Err() != nil {
			// Shutdown, not a provider verdict. Leave the job for redelivery.
			return ctx.Err()
		}
		lastErr = err
		if job.RetryCount >= s.maxRetries {
			break
		}
		job.RetryCount, err = s.store.IncrementRetry(ctx, jobID)
		if err != nil {
			return err
		}
		s.log.Warn("enhance attempt failed, retrying",
			"job_id", jobID, "retry_count", job.RetryCount, "error", lastErr)
	}

	if _, err := s.store.MarkFailed(ctx, jobID, lastErr.Error()); err != nil {
		return err
	}
	s.log.Warn("job failed after retries", "job_id", jobID, "retry_count", job.RetryCount, "error", lastErr)
	return s.settleFailure(ctx, job)
}

// settleFailure performs the refund for a failed job and stamps the refunded
// marker. A refund error leaves the job at failed and propagates, so the
// execution substrate retries the cleanup rather than stranding an
// unrefunded failure.
func (s *Service) settleFailure(ctx context.Context, job *models.Job) error {
	if _, err := s.ledger.Refund(ctx, job.UserID, job.Cost, job.ID.String(), "processing_failed"); err != nil {
		return fmt.Errorf("refund failed job %s: %w", job.ID, err)
	}
	if _, err := s.store.MarkRefunded(ctx, job.ID); err != nil {
		return err
	}
	return nil
}

// Cancel transitions an active job to cancelled and refunds its cost. An
// in-flight provider call is not interrupted; its eventual result is
// discarded by the guarded completed transition.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !job.Active() {
		return ErrNotCancellable
	}
	ok, err := s.store.MarkCancelled(ctx, jobID, "cancelled by user")
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotCancellable
	}
	if _, err := s.ledger.Refund(ctx, job.UserID, job.Cost, job.ID.String(), "cancelled"); err != nil {
		return fmt.Errorf("refund cancelled job %s: %w", job.ID, err)
	}
	s.log.Info("job cancelled", "job_id", jobID, "user_id", job.UserID, "cost", job.Cost)
	return nil
}
