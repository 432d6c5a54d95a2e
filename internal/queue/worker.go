package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/timecard-processor/internal/common"
	"github.com/joseph-ayodele/timecard-processor/internal/repository"
)

// Processor turns a claimed job into a result payload. Implementations report
// progress through the callback and must honor ctx cancellation.
type Processor interface {
	Process(ctx context.Context, job *repository.Job, progress func(int)) (json.RawMessage, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *repository.Job, progress func(int)) (json.RawMessage, error)

func (f ProcessorFunc) Process(ctx context.Context, job *repository.Job, progress func(int)) (json.RawMessage, error) {
	return f(ctx, job, progress)
}

// Scheduler polls the queue and runs claimed jobs on bounded goroutines.
// At most maxConcurrent jobs run at once; the claim itself is serialized in
// the poll loop so ordering is decided entirely by the store.
type Scheduler struct {
	queue     *Queue
	processor Processor
	log       *slog.Logger

	maxConcurrent   int
	pollInterval    time.Duration
	capacityBackoff time.Duration
	errorBackoff    time.Duration
	jobTimeout      time.Duration

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
	wg     sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithMaxConcurrent(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithCapacityBackoff(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.capacityBackoff = d
		}
	}
}

func WithErrorBackoff(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.errorBackoff = d
		}
	}
}

func WithJobTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.log = logger
		}
	}
}

// NewScheduler creates a scheduler with sensible defaults; override with
// options.
func NewScheduler(q *Queue, p Processor, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		queue:           q,
		processor:       p,
		log:             slog.Default(),
		maxConcurrent:   3,
		pollInterval:    500 * time.Millisecond,
		capacityBackoff: time.Second,
		errorBackoff:    5 * time.Second,
		jobTimeout:      15 * time.Minute,
		active:          make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActiveCount reports how many jobs are currently running.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Run polls for work until ctx is cancelled. It returns after the loop
// exits; in-flight jobs keep running until Shutdown or their own completion.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started",
		"max_concurrent", s.maxConcurrent,
		"poll_interval", s.pollInterval)
	for {
		if ctx.Err() != nil {
			s.log.Info("scheduler stopping")
			return
		}
		if s.ActiveCount() >= s.maxConcurrent {
			sleep(ctx, s.capacityBackoff)
			continue
		}
		job, err := s.queue.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("claim failed", "error", err)
			sleep(ctx, s.errorBackoff)
			continue
		}
		if job == nil {
			sleep(ctx, s.pollInterval)
			continue
		}
		s.start(ctx, job)
	}
}

func (s *Scheduler) start(ctx context.Context, job *repository.Job) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.jobTimeout)
	s.mu.Lock()
	s.active[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, job.ID)
			s.mu.Unlock()
			cancel()
		}()
		s.runJob(jobCtx, job)
	}()
}

func (s *Scheduler) runJob(ctx context.Context, job *repository.Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "job_id", job.ID, "panic", r,
				"stack", string(debug.Stack()))
			s.finishFailed(job.ID, fmt.Errorf("panic: %v", r))
		}
	}()

	s.log.Info("job started", "job_id", job.ID, "file", job.FileName)
	progress := func(pct int) {
		if err := s.queue.UpdateProgress(ctx, job.ID, pct); err != nil {
			s.log.Warn("progress update failed", "job_id", job.ID, "error", err)
		}
	}

	result, err := s.processor.Process(ctx, job, progress)
	if err != nil {
		s.finishFailed(job.ID, err)
		return
	}
	// Terminal updates use a fresh context so a stop signal arriving at the
	// finish line cannot lose a finished result.
	finishCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.queue.Complete(finishCtx, job.ID, result); err != nil {
		if errors.Is(err, common.ErrTerminalState) {
			s.log.Info("job finished after being stopped; result discarded", "job_id", job.ID)
			return
		}
		s.log.Error("failed to record completion", "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) finishFailed(id uuid.UUID, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.queue.Fail(ctx, id, cause); err != nil {
		if errors.Is(err, common.ErrTerminalState) {
			return
		}
		s.log.Error("failed to record failure", "job_id", id, "error", err)
	}
}

// StopJob cancels the context of a running job, if it is active here.
func (s *Scheduler) StopJob(id uuid.UUID) bool {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown waits for in-flight jobs to finish, up to the ctx deadline.
// Jobs still running at the deadline keep their Processing status and are
// picked up as stale work by operators, not silently re-queued.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with %d jobs in flight", s.ActiveCount())
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
