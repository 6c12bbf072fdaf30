package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pixelift/backend/internal/models"
)

// Store is the slice of the job store the reaper writes through: it only
// transitions stuck jobs to failed and stamps the refunded marker. It never
// creates jobs.
type Store interface {
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)
	MarkFailed(ctx context.Context, jobID uuid.UUID, errorMessage string) (bool, error)
	MarkRefunded(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// Ledger provides the idempotent refund. The source-id dedupe is the only
// coordination with a controller racing to clean up the same job.
type Ledger interface {
	Refund(ctx context.Context, userID uuid.UUID, amount int64, sourceID, reason string) (int64, error)
}

// Options sets sweep defaults; RunSweep accepts per-call overrides.
type Options struct {
	Threshold time.Duration
	BatchSize int
	Now       func() time.Time
	Logger    *slog.Logger
}

// SweepOptions override the defaults for a single sweep (operator trigger).
// Zero values fall back to the configured defaults.
type SweepOptions struct {
	Threshold time.Duration
	BatchSize int
	DryRun    bool
}

// Result is the structured outcome of one sweep.
type Result struct {
	Found          int   `json:"found"`
	Cleaned        int   `json:"cleaned"`
	Failed         int   `json:"failed"`
	TokensRefunded int64 `json:"tokens_refunded"`
	DryRun         bool  `json:"dry_run,omitempty"`
}

// Service reclaims jobs stuck in processing past the timeout threshold. It
// runs on a timer independent of any request's lifetime, so it converges
// jobs whose controller crashed or hung; the threshold is kept well above
// the provider's worst-case latency so a healthy in-flight job is never
// raced.
type Service struct {
	store     Store
	ledger    Ledger
	threshold time.Duration
	batchSize int
	now       func() time.Time
	log       *slog.Logger
}

func NewService(store Store, ledger Ledger, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Service{
		store:     store,
		ledger:    ledger,
		threshold: opts.Threshold,
		batchSize: batchSize,
		now:       now,
		log:       log,
	}
}

// RunSweep finds processing jobs stale past the threshold, force-fails them
// and refunds their cost. One bad row never aborts the sweep; it is counted
// and the sweep moves on. Safe to run concurrently with live controllers:
// the guarded failed transition and the refund dedupe make both sides
// converge on exactly one terminal outcome per job.
func (s *Service) RunSweep(ctx context.Context, opts SweepOptions) (*Result, error) {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = s.threshold
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	cutoff := s.now().Add(-threshold)

	result := &Result{DryRun: opts.DryRun}
	seen := make(map[uuid.UUID]bool)
	for {
		stale, err := s.store.FindStale(ctx, cutoff, batchSize)
		if err != nil {
			return result, fmt.Errorf("find stale jobs: %w", err)
		}
		progress := 0
		for _, job := range stale {
			if seen[job.ID] {
				continue
			}
			seen[job.ID] = true
			result.Found++
			if opts.DryRun {
				continue
			}
			reclaimed, err := s.reap(ctx, job, threshold)
			if err != nil {
				result.Failed++
				s.log.Error("failed to reap stale job", "job_id", job.ID, "error", err)
				continue
			}
			if reclaimed {
				result.Cleaned++
				result.TokensRefunded += job.Cost
			}
			progress++
		}
		if opts.DryRun || len(stale) < batchSize || progress == 0 {
			break
		}
	}

	s.log.Info("stale job sweep finished",
		"found", result.Found, "cleaned", result.Cleaned, "failed", result.Failed,
		"tokens_refunded", result.TokensRefunded, "dry_run", result.DryRun)
	return result, nil
}

func (s *Service) reap(ctx context.Context, job *models.Job, threshold time.Duration) (bool, error) {
	msg := fmt.Sprintf("reaped: no progress for more than %s", threshold)
	ok, err := s.store.MarkFailed(ctx, job.ID, msg)
	if err != nil {
		return false, err
	}
	if !ok {
		// The controller finished in the meantime; nothing to reclaim.
		return false, nil
	}
	if _, err := s.ledger.Refund(ctx, job.UserID, job.Cost, job.ID.String(), "timeout"); err != nil {
		return false, err
	}
	if _, err := s.store.MarkRefunded(ctx, job.ID); err != nil {
		return false, err
	}
	s.log.Warn("reaped stale job", "job_id", job.ID, "user_id", job.UserID, "cost", job.Cost)
	return true, nil
}
