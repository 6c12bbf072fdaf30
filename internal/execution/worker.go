package execution

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/pixelift/backend/internal/reaper"
)

// EnhanceArgs is the durable payload for one enhancement job. Only the job id
// crosses the queue; everything else is read back from the job row.
type EnhanceArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

func (EnhanceArgs) Kind() string { return "enhance_image" }

// InsertOpts allows redelivery for crash recovery and cleanup retries. The
// provider retry budget lives on the job row itself, not here.
func (EnhanceArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// JobProcessor is the lifecycle contract the worker drives.
type JobProcessor interface {
	Process(ctx context.Context, jobID uuid.UUID) error
}

// EnhanceWorker runs one job lifecycle controller per queue delivery.
type EnhanceWorker struct {
	river.WorkerDefaults[EnhanceArgs]
	jobs JobProcessor
}

func NewEnhanceWorker(jobs JobProcessor) *EnhanceWorker {
	return &EnhanceWorker{jobs: jobs}
}

// Work returns an error only when the job's terminal handling itself failed
// (e.g. a refund that must be retried); provider failures are settled inside
// Process and do not bounce the queue job.
func (w *EnhanceWorker) Work(ctx context.Context, job *river.Job[EnhanceArgs]) error {
	return w.jobs.Process(ctx, job.Args.JobID)
}

// ReapArgs triggers a stale job sweep. Enqueued periodically so the sweep
// survives any single process: a controller that died mid-flight is cleaned
// up by whichever instance runs the next sweep.
type ReapArgs struct{}

func (ReapArgs) Kind() string { return "reap_stale_jobs" }

// Sweeper is the reaper contract the worker drives.
type Sweeper interface {
	RunSweep(ctx context.Context, opts reaper.SweepOptions) (*reaper.Result, error)
}

// ReapWorker runs the stale job sweep with configured defaults.
type ReapWorker struct {
	river.WorkerDefaults[ReapArgs]
	sweeper Sweeper
}

func NewReapWorker(sweeper Sweeper) *ReapWorker {
	return &ReapWorker{sweeper: sweeper}
}

func (w *ReapWorker) Work(ctx context.Context, job *river.Job[ReapArgs]) error {
	_, err := w.sweeper.RunSweep(ctx, reaper.SweepOptions{})
	return err
}
