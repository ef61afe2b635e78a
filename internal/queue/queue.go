// Package queue is the durable job queue. Jobs live in the store; the cache
// mirrors each job's polling view so status requests rarely reach the database.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/transly/internal/cache"
	"github.com/kiranshivaraju/transly/internal/store"
	"github.com/kiranshivaraju/transly/pkg/models"
)

// ErrEmpty is returned by Claim when no job is pending.
var ErrEmpty = store.ErrQueueEmpty

// Queue moves jobs through pending -> processing -> completed|failed.
// A nil cache disables the status mirror.
type Queue struct {
	store     store.JobStore
	cache     cache.Cache
	statusTTL time.Duration
	log       *slog.Logger
	wake      chan struct{}
}

// New creates a Queue.
func New(s store.JobStore, c cache.Cache, statusTTL time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:     s,
		cache:     c,
		statusTTL: statusTTL,
		log:       logger,
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue stores job as pending and wakes an idle worker.
func (q *Queue) Enqueue(ctx context.Context, job *models.TranslationJob) error {
	now := time.Now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = models.JobStatusPending
	job.ProgressPercentage = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := q.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	q.mirror(ctx, job)
	q.signal()

	q.log.Info("job enqueued", "job_id", job.ID, "kind", job.Kind, "owner_id", job.OwnerID,
		"credits_required", job.CreditsRequired)
	return nil
}

// Claim hands the oldest pending job to workerID. It returns ErrEmpty when
// there is nothing to do.
func (q *Queue) Claim(ctx context.Context, workerID string) (*models.TranslationJob, error) {
	job, err := q.store.ClaimNextJob(ctx, workerID)
	if errors.Is(err, store.ErrQueueEmpty) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	q.mirror(ctx, job)
	// More work may be waiting; let another idle worker look.
	q.signal()
	return job, nil
}

// UpdateProgress records progress for a processing job. Percentages never go
// down and chunks are written only once.
func (q *Queue) UpdateProgress(ctx context.Context, id uuid.UUID, p models.JobProgress) error {
	if err := q.store.UpdateJobProgress(ctx, id, p); err != nil {
		return err
	}
	q.refresh(ctx, id)
	return nil
}

// Complete marks a processing job completed. A job that is already terminal
// is left alone and applied is false.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, out models.JobOutcome) (bool, error) {
	applied, err := q.store.CompleteJob(ctx, id, out)
	if err != nil {
		return false, err
	}
	if applied {
		q.refresh(ctx, id)
		q.log.Info("job completed", "job_id", id, "credits_consumed", out.CreditsConsumed)
	}
	return applied, nil
}

// Fail marks a processing job failed with a caller-safe message.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	applied, err := q.store.FailJob(ctx, id, message)
	if err != nil {
		return false, err
	}
	if applied {
		q.refresh(ctx, id)
		q.log.Info("job failed", "job_id", id, "reason", message)
	}
	return applied, nil
}

// Get returns the full job record.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*models.TranslationJob, error) {
	return q.store.GetJob(ctx, id)
}

// GetStatus returns the polling view, from the cache when possible.
func (q *Queue) GetStatus(ctx context.Context, id uuid.UUID) (*models.JobStatusView, error) {
	if q.cache != nil {
		view, ok, err := q.cache.GetJobStatus(ctx, id)
		if err != nil {
			q.log.Warn("job status cache read failed", "job_id", id, "error", err)
		}
		if ok {
			return view, nil
		}
	}

	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	q.mirror(ctx, job)
	view := job.StatusView()
	return &view, nil
}

// Stats counts jobs by status.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	return q.store.CountJobsByStatus(ctx)
}

// PurgeExpired deletes terminal jobs finished before the cutoff.
func (q *Queue) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	return q.store.DeleteExpiredJobs(ctx, before)
}

// FailStale fails processing jobs whose last update is older than the
// cutoff. The returned jobs carry their reservation IDs.
func (q *Queue) FailStale(ctx context.Context, before time.Time, message string) ([]*models.TranslationJob, error) {
	jobs, err := q.store.FailStaleJobs(ctx, before, message)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		q.mirror(ctx, job)
		q.log.Warn("stale job failed", "job_id", job.ID, "owner_id", job.OwnerID)
	}
	return jobs, nil
}

// Wake fires after Enqueue and after each successful Claim.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) refresh(ctx context.Context, id uuid.UUID) {
	if q.cache == nil {
		return
	}
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		// Drop the stale entry so readers fall through to the store.
		q.log.Warn("job reload failed", "job_id", id, "error", err)
		if err := q.cache.Delete(ctx, cache.JobStatusKey(id)); err != nil {
			q.log.Warn("job status cache delete failed", "job_id", id, "error", err)
		}
		return
	}
	q.mirror(ctx, job)
}

func (q *Queue) mirror(ctx context.Context, job *models.TranslationJob) {
	if q.cache == nil {
		return
	}
	if err := q.cache.SetJobStatus(ctx, job.StatusView(), q.statusTTL); err != nil {
		q.log.Warn("job status cache write failed", "job_id", job.ID, "error", err)
	}
}
