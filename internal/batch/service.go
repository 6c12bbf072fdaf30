package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelift/backend/internal/models"
)

// ErrLaunchFailure marks a batch whose hand-off to the execution substrate
// failed after the reservation succeeded. The whole batch cost has been
// refunded; this is not a per-item processing failure.
var ErrLaunchFailure = errors.New("failed to launch enhancement batch")

// ErrEmptyBatch is returned when a submission contains no items to enqueue.
var ErrEmptyBatch = errors.New("batch contains no items")

// ErrInvalidItem is returned when a submitted item is malformed.
var ErrInvalidItem = errors.New("invalid batch item")

// LaunchFailureError wraps the substrate error behind ErrLaunchFailure.
type LaunchFailureError struct {
	BatchID uuid.UUID
	Err     error
}

func (e *LaunchFailureError) Error() string {
	return fmt.Sprintf("failed to launch batch %s: %v", e.BatchID, e.Err)
}

func (e *LaunchFailureError) Unwrap() error { return e.Err }

func (e *LaunchFailureError) Is(target error) bool { return target == ErrLaunchFailure }

// Item is one requested enhancement.
type Item struct {
	ImageRef string `json:"image_ref"`
	Tier     string `json:"tier"`
}

// JobRef pairs a submitted image with its created job.
type JobRef struct {
	ImageRef string    `json:"image_ref"`
	JobID    uuid.UUID `json:"job_id"`
}

// Submission is the synchronous result of a batch submit.
type Submission struct {
	BatchID   uuid.UUID `json:"batch_id"`
	TotalCost int64     `json:"total_cost"`
	Queued    int       `json:"queued"`
	Skipped   int       `json:"skipped"`
	Jobs      []JobRef  `json:"jobs"`
}

// Summary is the derived per-batch view; nothing here is stored.
type Summary struct {
	BatchID       uuid.UUID      `json:"batch_id"`
	UserID        uuid.UUID      `json:"user_id"`
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	TotalCost     int64          `json:"total_cost"`
	TotalRefunded int64          `json:"total_refunded"`
}

// Store is the slice of the job store the orchestrator uses.
type Store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error
	HasCompleted(ctx context.Context, userID uuid.UUID, imageRef, tier string) (bool, error)
	ListByBatchID(ctx context.Context, batchID uuid.UUID) ([]*models.Job, error)
	MarkFailed(ctx context.Context, jobID uuid.UUID, errorMessage string) (bool, error)
	MarkRefunded(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// Ledger is the slice of the token ledger the orchestrator uses: one
// whole-batch reservation, and the batch-keyed refund behind the launch
// guard.
type Ledger interface {
	ConsumeTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, sourceID string) (int64, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int64, sourceID, reason string) (int64, error)
}

// EnqueueFunc hands created jobs to the execution substrate. Wired in main
// as a closure over the river client.
type EnqueueFunc func(ctx context.Context, jobIDs []uuid.UUID) error

// Service composes job lifecycle controllers under one logical batch: an
// all-or-nothing reservation up front, then per-item independent completion
// and refund.
type Service struct {
	store     Store
	ledger    Ledger
	enqueue   EnqueueFunc
	tierCosts map[string]int64
	log       *slog.Logger
}

func NewService(store Store, ledger Ledger, enqueue EnqueueFunc, tierCosts map[string]int64, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, ledger: ledger, enqueue: enqueue, tierCosts: tierCosts, log: log}
}

// Cost returns the token cost for a tier.
func (s *Service) Cost(tier string) (int64, error) {
	cost, ok := s.tierCosts[tier]
	if !ok {
		return 0, fmt.Errorf("unknown tier %q", tier)
	}
	return cost, nil
}

// Submit reserves the full batch cost in one consume, creates all job rows in
// the same transaction, and hands them to the execution substrate. If the
// reservation fails no jobs are created at all; if the hand-off fails the
// entire cost is refunded synchronously under the batch id and the error is
// reported as a launch failure, distinct from per-item processing failures.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, items []Item, skipCompleted bool) (*Submission, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}
	for _, item := range items {
		if item.ImageRef == "" {
			return nil, fmt.Errorf("%w: missing image reference", ErrInvalidItem)
		}
		if !models.ValidTier(item.Tier) {
			return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidItem, item.Tier)
		}
	}

	batchID := uuid.New()
	sub := &Submission{BatchID: batchID}

	// Pre-filter before any cost computation: skipped is not a job outcome.
	queued := items
	if skipCompleted {
		queued = make([]Item, 0, len(items))
		for _, item := range items {
			done, err := s.store.HasCompleted(ctx, userID, item.ImageRef, item.Tier)
			if err != nil {
				return nil, err
			}
			if done {
				sub.Skipped++
				continue
			}
			queued = append(queued, item)
		}
		if len(queued) == 0 {
			return sub, nil
		}
	}

	var totalCost int64
	costs := make([]int64, len(queued))
	for i, item := range queued {
		cost, err := s.Cost(item.Tier)
		if err != nil {
			return nil, err
		}
		costs[i] = cost
		totalCost += cost
	}

	created := make([]*models.Job, 0, len(queued))
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.ledger.ConsumeTx(ctx, tx, userID, totalCost, batchID.String()); err != nil {
			return err
		}
		for i, item := range queued {
			job := &models.Job{
				ID:       uuid.New(),
				UserID:   userID,
				ImageRef: item.ImageRef,
				Tier:     item.Tier,
				Cost:     costs[i],
				Status:   models.JobStatusPending,
				BatchID:  &batchID,
			}
			if err := s.store.CreateTx(ctx, tx, job); err != nil {
				return err
			}
			created = append(created, job)
		}
		return nil
	})
	if err != nil {
		// Reservation failed: nothing was created, nothing to refund.
		return nil, err
	}

	jobIDs := make([]uuid.UUID, len(created))
	for i, job := range created {
		jobIDs[i] = job.ID
		sub.Jobs = append(sub.Jobs, JobRef{ImageRef: job.ImageRef, JobID: job.ID})
	}

	if err := s.enqueue(ctx, jobIDs); err != nil {
		return nil, s.failLaunch(ctx, userID, batchID, totalCost, created, err)
	}

	sub.TotalCost = totalCost
	sub.Queued = len(created)
	s.log.Info("batch submitted", "batch_id", batchID, "user_id", userID, "queued", sub.Queued, "skipped", sub.Skipped, "total_cost", totalCost)
	return sub, nil
}

// failLaunch is the launch guard: the substrate never started, so the whole
// reservation comes back in one refund keyed by the batch id, and every
// created job is closed out so none is left active.
func (s *Service) failLaunch(ctx context.Context, userID, batchID uuid.UUID, totalCost int64, created []*models.Job, cause error) error {
	s.log.Error("batch hand-off failed, refunding full reservation",
		"batch_id", batchID, "user_id", userID, "total_cost", totalCost, "error", cause)
	msg := fmt.Sprintf("launch failed: %v", cause)
	for _, job := range created {
		if _, err := s.store.MarkFailed(ctx, job.ID, msg); err != nil {
			return fmt.Errorf("close out job %s after launch failure: %w", job.ID, err)
		}
	}
	if _, err := s.ledger.Refund(ctx, userID, totalCost, batchID.String(), "launch_failed"); err != nil {
		return fmt.Errorf("refund batch %s after launch failure: %w", batchID, err)
	}
	for _, job := range created {
		if _, err := s.store.MarkRefunded(ctx, job.ID); err != nil {
			return fmt.Errorf("mark job %s refunded after launch failure: %w", job.ID, err)
		}
	}
	return &LaunchFailureError{BatchID: batchID, Err: cause}
}

// GetSummary derives the batch view from its jobs.
func (s *Service) GetSummary(ctx context.Context, batchID uuid.UUID) (*Summary, error) {
	list, err := s.store.ListByBatchID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	summary := &Summary{BatchID: batchID, Total: len(list), ByStatus: make(map[string]int)}
	if len(list) > 0 {
		summary.UserID = list[0].UserID
	}
	for _, job := range list {
		summary.ByStatus[job.Status]++
		summary.TotalCost += job.Cost
		if job.Status == models.JobStatusRefunded || job.Status == models.JobStatusCancelled {
			summary.TotalRefunded += job.Cost
		}
	}
	return summary, nil
}
