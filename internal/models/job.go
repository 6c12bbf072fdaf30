package models

import (
	"time"

	"github.com/google/uuid"
)

// Enhancement job statuses. Transitions are monotonic: a job never revisits a
// state, and a retry of finished work is a new job.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusRefunded   = "refunded"
	JobStatusCancelled  = "cancelled"
)

// Enhancement tiers. Each tier maps to a token cost in config.
const (
	TierStandard = "standard"
	TierHigh     = "high"
	TierUltra    = "ultra"
)

// ValidTier reports whether tier is a known enhancement tier.
func ValidTier(tier string) bool {
	switch tier {
	case TierStandard, TierHigh, TierUltra:
		return true
	}
	return false
}

// Job is one unit of enhancement work. Cost is fixed at creation and never
// recomputed.
type Job struct {
	ID                    uuid.UUID  `json:"id"`
	UserID                uuid.UUID  `json:"user_id"`
	ImageRef              string     `json:"image_ref"`
	Tier                  string     `json:"tier"`
	Cost                  int64      `json:"cost"`
	Status                string     `json:"status"`
	BatchID               *uuid.UUID `json:"batch_id,omitempty"`
	ResultRef             *string    `json:"result_ref,omitempty"`
	ErrorMessage          *string    `json:"error_message,omitempty"`
	RetryCount            int        `json:"retry_count"`
	CreatedAt             time.Time  `json:"created_at"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Terminal reports whether the job has reached a terminal state.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusRefunded, JobStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the job is still in flight (cancellable, reapable).
func (j *Job) Active() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusProcessing
}
