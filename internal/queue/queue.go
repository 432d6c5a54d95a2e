package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/timecard-processor/constants"
	"github.com/joseph-ayodele/timecard-processor/internal/common"
	"github.com/joseph-ayodele/timecard-processor/internal/repository"
)

// Queue is the job-queue facade. It owns no state beyond the store; every
// operation delegates to repository.JobStore and adds the policy the store
// deliberately does not know about (terminal-only deletes, stop semantics).
type Queue struct {
	store repository.JobStore
	log   *slog.Logger
}

func New(store repository.JobStore, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, log: logger}
}

// Enqueue adds a job in Pending state.
func (q *Queue) Enqueue(ctx context.Context, nj repository.NewJob) (*repository.Job, error) {
	return q.store.Insert(ctx, nj)
}

func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*repository.Job, error) {
	return q.store.Fetch(ctx, id)
}

func (q *Queue) List(ctx context.Context, limit int, statuses []constants.JobStatus) ([]*repository.Job, error) {
	return q.store.List(ctx, limit, statuses)
}

// ClaimNext hands out the next runnable job, or (nil, nil) when the queue
// is empty.
func (q *Queue) ClaimNext(ctx context.Context) (*repository.Job, error) {
	return q.store.ClaimNext(ctx)
}

// UpdateProgress records pipeline progress for a running job.
func (q *Queue) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress < 0 || progress > 100 {
		return common.WrapError(common.ErrInvalidInput, fmt.Sprintf("progress %d out of range", progress))
	}
	_, err := q.store.Update(ctx, id, repository.JobUpdate{Progress: &progress})
	return err
}

// Complete transitions a job to Completed with its result payload.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) (*repository.Job, error) {
	status := constants.JobStatusCompleted
	progress := 100
	job, err := q.store.Update(ctx, id, repository.JobUpdate{
		Status:   &status,
		Progress: &progress,
		Result:   result,
	})
	if err != nil {
		return nil, err
	}
	q.log.Info("job completed", "job_id", id)
	return job, nil
}

// Fail transitions a job to Failed with an error message.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, cause error) (*repository.Job, error) {
	status := constants.JobStatusFailed
	msg := cause.Error()
	job, err := q.store.Update(ctx, id, repository.JobUpdate{
		Status: &status,
		Error:  &msg,
	})
	if err != nil {
		return nil, err
	}
	q.log.Warn("job failed", "job_id", id, "error", msg)
	return job, nil
}

// Cancel cancels a job that has not started yet. Returns false when the job
// exists but was no longer pending.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	if _, err := q.store.Fetch(ctx, id); err != nil {
		return false, err
	}
	return q.store.Cancel(ctx, id)
}

// Stop force-cancels a job that is already processing. The pipeline for the
// job keeps running until it checks its context; the status flip just makes
// the outcome authoritative.
func (q *Queue) Stop(ctx context.Context, id uuid.UUID) (*repository.Job, error) {
	job, err := q.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, common.WrapError(common.ErrTerminalState, fmt.Sprintf("job %s is %s", id, job.Status))
	}
	status := constants.JobStatusCancelled
	msg := "stopped by user"
	job, err = q.store.Update(ctx, id, repository.JobUpdate{Status: &status, Error: &msg})
	if err != nil {
		return nil, err
	}
	q.log.Info("job stopped", "job_id", id)
	return job, nil
}

// Delete removes a job record. Active jobs cannot be deleted; cancel or stop
// them first.
func (q *Queue) Delete(ctx context.Context, id uuid.UUID) error {
	job, err := q.store.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return common.WrapError(common.ErrInvalidInput, fmt.Sprintf("job %s is %s; only finished jobs can be deleted", id, job.Status))
	}
	if _, err := q.store.Delete(ctx, id); err != nil {
		return err
	}
	return nil
}

// DeleteFinished removes all jobs in the given terminal statuses and returns
// how many were deleted. Defaults to every terminal status.
func (q *Queue) DeleteFinished(ctx context.Context, statuses []constants.JobStatus) (int, error) {
	if len(statuses) == 0 {
		statuses = []constants.JobStatus{
			constants.JobStatusCompleted,
			constants.JobStatusFailed,
			constants.JobStatusCancelled,
		}
	}
	for _, st := range statuses {
		if !st.IsTerminal() {
			return 0, common.WrapError(common.ErrInvalidInput, fmt.Sprintf("status %q is not terminal", st))
		}
	}
	// List pages at the store's default limit, so keep draining until a pass
	// deletes nothing.
	deleted := 0
	for {
		jobs, err := q.store.List(ctx, 0, statuses)
		if err != nil {
			return deleted, err
		}
		if len(jobs) == 0 {
			break
		}
		before := deleted
		for _, job := range jobs {
			ok, err := q.store.Delete(ctx, job.ID)
			if err != nil {
				return deleted, err
			}
			if ok {
				deleted++
			}
		}
		if deleted == before {
			break
		}
	}
	q.log.Info("bulk delete", "count", deleted)
	return deleted, nil
}

func (q *Queue) Stats(ctx context.Context) (*repository.QueueStats, error) {
	return q.store.Stats(ctx)
}

// ReviewQueue lists completed jobs whose verdict still awaits human review.
func (q *Queue) ReviewQueue(ctx context.Context, limit int) ([]*repository.Job, error) {
	jobs, err := q.store.List(ctx, limit, []constants.JobStatus{constants.JobStatusCompleted})
	if err != nil {
		return nil, err
	}
	var out []*repository.Job
	for _, job := range jobs {
		if needsReview(job.Result) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (q *Queue) CompleteReview(ctx context.Context, id uuid.UUID) (*repository.Job, error) {
	job, err := q.store.CompleteReview(ctx, id)
	if err != nil {
		return nil, err
	}
	q.log.Info("review completed", "job_id", id)
	return job, nil
}

// Cleanup prunes terminal jobs older than the retention window.
func (q *Queue) Cleanup(ctx context.Context, days int) (int64, error) {
	return q.store.PruneOlderThan(ctx, days)
}

func needsReview(result json.RawMessage) bool {
	if len(result) == 0 {
		return false
	}
	var payload struct {
		Validation struct {
			RequiresHumanReview bool `json:"requires_human_review"`
			ReviewCompleted     bool `json:"review_completed"`
		} `json:"validation"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return false
	}
	return payload.Validation.RequiresHumanReview && !payload.Validation.ReviewCompleted
}
