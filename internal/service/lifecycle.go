package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobtrackd/jobtrackd/internal/core"
	"github.com/jobtrackd/jobtrackd/internal/data"
	"github.com/jobtrackd/jobtrackd/internal/domain/model"
)

// EventSink receives job events for asynchronous webhook delivery. Enqueue
// must never block or fail the caller.
type EventSink interface {
	Enqueue(ctx context.Context, event model.JobEvent)
}

// JobLifecycleServiceOptions groups dependencies for JobLifecycleService.
type JobLifecycleServiceOptions struct {
	Jobs   core.JobRepository // Required: job store
	Cache  *core.JobCache     // Optional: read-through job cache
	Events EventSink          // Optional: delivery engine hand-off
	Logger *slog.Logger       // Optional: structured logger
	Now    func() time.Time   // Optional: clock override for tests
}

// JobLifecycleService validates and applies job state transitions, keeps the
// cache consistent, and hands matching events to the delivery engine.
//
// Store failures propagate to the caller; event hand-off is fire-and-forget
// and never fails a lifecycle operation.
type JobLifecycleService struct {
	jobs   core.JobRepository
	cache  *core.JobCache
	events EventSink
	logger *slog.Logger
	now    func() time.Time
}

// NewJobLifecycleService constructs a new JobLifecycleService.
func NewJobLifecycleService(opts JobLifecycleServiceOptions) (*JobLifecycleService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}

	cache := opts.Cache
	if cache == nil {
		cache = core.NewJobCache(core.JobCacheOptions{})
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_lifecycle_service")
	}

	return &JobLifecycleService{
		jobs:   opts.Jobs,
		cache:  cache,
		events: opts.Events,
		logger: logger,
		now:    now,
	}, nil
}

// MustNewJobLifecycleService constructs a new JobLifecycleService and panics on error.
// Use this when you want fail-fast behavior during application startup.
func MustNewJobLifecycleService(opts JobLifecycleServiceOptions) *JobLifecycleService {
	svc, err := NewJobLifecycleService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// Create persists a new job, populates the cache, and emits a status_change
// event for the transition into the initial status.
func (s *JobLifecycleService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job, err := s.jobs.Insert(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.cache.Set(ctx, job)
	s.emit(ctx, model.StatusChangeEvent{Job: job, OccurredAt: s.now().UTC()})

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job created", "id", job.ID, "status", job.Status)
	}
	return job, nil
}

// Get returns a job by id, serving from the cache when possible.
func (s *JobLifecycleService) Get(ctx context.Context, id string) (*model.Job, error) {
	if cached := s.cache.Get(ctx, id); cached != nil {
		return cached, nil
	}

	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// Set on read-miss; a racing update is bounded by the cache key TTL.
	s.cache.Set(ctx, job)
	return job, nil
}

// List returns jobs matching the filter options plus the total match count.
func (s *JobLifecycleService) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, int, error) {
	return s.jobs.List(ctx, opts)
}

// Update applies a patch to an existing job. It refreshes updated_at, stamps
// completed_at the first time the status becomes completed, invalidates the
// cache entry, and emits status_change and/or progress_update events for the
// fields that actually changed.
func (s *JobLifecycleService) Update(ctx context.Context, id string, patch *model.UpdateJobRequest) (*model.Job, error) {
	if patch == nil {
		return nil, errors.New("update job request is required")
	}
	patch.Normalize()
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	// Load current for diffing and completed_at stamping.
	prev, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	fields := core.UpdateJobFields{
		Name:      patch.Name,
		Status:    patch.Status,
		Progress:  patch.Progress,
		Tags:      patch.Tags,
		Metadata:  patch.Metadata,
		Error:     patch.Error,
		UpdatedAt: now,
	}
	// completed_at is stamped exactly once; re-completing never moves it.
	if patch.Status != nil && *patch.Status == model.JobStatusCompleted && prev.CompletedAt == nil {
		fields.CompletedAt = &now
	}

	job, err := s.jobs.Update(ctx, id, fields)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	s.cache.Invalidate(ctx, id)

	// status change first, then progress update; both may fire for one call.
	if patch.Status != nil && *patch.Status != prev.Status {
		s.emit(ctx, model.StatusChangeEvent{Job: job, Previous: prev.Status, OccurredAt: now})
	}
	if patch.Progress != nil && *patch.Progress != prev.Progress {
		s.emit(ctx, model.ProgressUpdateEvent{Job: job, Previous: prev.Progress, OccurredAt: now})
	}

	return job, nil
}

// Delete removes a job and its cache entry. No event is emitted.
func (s *JobLifecycleService) Delete(ctx context.Context, id string) error {
	count, err := s.jobs.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if count == 0 {
		return data.ErrJobNotFound
	}

	s.cache.Invalidate(ctx, id)

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job deleted", "id", id)
	}
	return nil
}

// BulkAction names an operation kind inside a bulk request.
type BulkAction string

const (
	// BulkActionCreate creates a job.
	BulkActionCreate BulkAction = "create"
	// BulkActionUpdate patches a job.
	BulkActionUpdate BulkAction = "update"
	// BulkActionDelete deletes a job.
	BulkActionDelete BulkAction = "delete"
)

// BulkOperation is one entry in a BulkApply request.
type BulkOperation struct {
	Action BulkAction              `json:"action"`
	ID     string                  `json:"id,omitempty"`
	Create *model.CreateJobRequest `json:"create,omitempty"`
	Update *model.UpdateJobRequest `json:"update,omitempty"`
}

// BulkOperationResult captures the per-item outcome of a bulk operation.
type BulkOperationResult struct {
	Index  int        `json:"index"`
	Action BulkAction `json:"action"`
	JobID  string     `json:"job_id,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// BulkResult aggregates the outcomes of a BulkApply call.
type BulkResult struct {
	Results   []BulkOperationResult `json:"results"`
	Succeeded int                   `json:"succeeded"`
}

// BulkApply executes the operations sequentially. Each operation's failure
// is captured per-item and never aborts the batch.
func (s *JobLifecycleService) BulkApply(ctx context.Context, ops []BulkOperation) *BulkResult {
	result := &BulkResult{Results: make([]BulkOperationResult, 0, len(ops))}

	for i, op := range ops {
		item := BulkOperationResult{Index: i, Action: op.Action, JobID: op.ID}
		if err := s.applyBulkOperation(ctx, op, &item); err != nil {
			item.Error = err.Error()
		} else {
			result.Succeeded++
		}
		result.Results = append(result.Results, item)
	}

	return result
}

func (s *JobLifecycleService) applyBulkOperation(ctx context.Context, op BulkOperation, item *BulkOperationResult) error {
	switch op.Action {
	case BulkActionCreate:
		job, err := s.Create(ctx, op.Create)
		if err != nil {
			return err
		}
		item.JobID = job.ID
		return nil
	case BulkActionUpdate:
		_, err := s.Update(ctx, op.ID, op.Update)
		return err
	case BulkActionDelete:
		return s.Delete(ctx, op.ID)
	default:
		return fmt.Errorf("invalid bulk action: %q", op.Action)
	}
}

// emit hands an event to the delivery engine. Hand-off problems are logged
// and swallowed; they never fail the lifecycle operation.
func (s *JobLifecycleService) emit(ctx context.Context, event model.JobEvent) {
	if s.events == nil {
		return
	}
	s.events.Enqueue(ctx, event)
}
