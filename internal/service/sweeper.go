package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobtrackd/jobtrackd/config"
	"github.com/jobtrackd/jobtrackd/internal/core"
	"github.com/jobtrackd/jobtrackd/internal/data"
	"github.com/jobtrackd/jobtrackd/pkg/backoff"
)

// SweeperServiceOptions groups dependencies for SweeperService.
type SweeperServiceOptions struct {
	Jobs       core.JobRepository      // Required: job store
	Deliveries core.DeliveryRepository // Required: delivery record sink
	Cache      *core.JobCache          // Optional: read-through job cache
	Config     config.SweeperConfig
	Logger     *slog.Logger     // Optional: structured logger
	Now        func() time.Time // Optional: clock override for tests
}

// SweeperService reclaims storage for time-expired jobs and keeps the cache
// consistent with the store.
//
// This service manages:
// - Deleting jobs past their configured TTL (silently, no webhook events).
// - Pruning delivery records past the retention window.
// - Evicting cache entries whose backing job no longer exists.
type SweeperService struct {
	jobs       core.JobRepository
	deliveries core.DeliveryRepository
	cache      *core.JobCache
	cfg        config.SweeperConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewSweeperService constructs a new SweeperService.
func NewSweeperService(opts SweeperServiceOptions) (*SweeperService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Deliveries == nil {
		return nil, errors.New("DeliveryRepository is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

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
		logger = opts.Logger.With("component", "sweeper_service")
		logger.Debug("SweeperService initialized",
			"full_interval", cfg.FullInterval,
			"expired_interval", cfg.ExpiredInterval,
			"delivery_retention", cfg.DeliveryRetention,
		)
	}

	return &SweeperService{
		jobs:       opts.Jobs,
		deliveries: opts.Deliveries,
		cache:      cache,
		cfg:        cfg,
		logger:     logger,
		now:        now,
	}, nil
}

// MustNewSweeperService constructs a new SweeperService and panics on error.
// Use this when you want fail-fast behavior during application startup.
func MustNewSweeperService(opts SweeperServiceOptions) *SweeperService {
	svc, err := NewSweeperService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// Run starts both sweep schedules and runs until the context is cancelled.
// Pass failures are logged and deferred to the next cycle; they never
// propagate. Returns nil on graceful shutdown (context.Canceled).
func (s *SweeperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting sweeper service",
			"full_interval", s.cfg.FullInterval,
			"expired_interval", s.cfg.ExpiredInterval,
		)
	}

	// Jitter the start to prevent thundering herd when instances restart together.
	s.waitWithJitter(ctx)

	fullTicker := time.NewTicker(s.cfg.FullInterval)
	defer fullTicker.Stop()
	expiredTicker := time.NewTicker(s.cfg.ExpiredInterval)
	defer expiredTicker.Stop()

	// Run a full pass immediately after the jitter.
	s.runFullPass(ctx)

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "sweeper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-fullTicker.C:
			s.runFullPass(ctx)

		case <-expiredTicker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logSweepError(err, "expired sweep")
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the expired interval.
func (s *SweeperService) waitWithJitter(ctx context.Context) {
	jitter, err := backoff.Jitter(s.cfg.ExpiredInterval / 10)
	if err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}
	if jitter <= 0 {
		return
	}

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		// Graceful shutdown during jitter
	}
}

// runFullPass executes all sweep steps. Each step's failure is isolated.
func (s *SweeperService) runFullPass(ctx context.Context) {
	if _, err := s.SweepExpired(ctx); err != nil {
		s.logSweepError(err, "expired sweep")
	}
	if _, err := s.SweepStaleDeliveries(ctx); err != nil {
		s.logSweepError(err, "stale delivery sweep")
	}
	if _, err := s.SweepCache(ctx); err != nil {
		s.logSweepError(err, "cache sweep")
	}
}

// SweepExpired deletes jobs past their TTL in one batch and invalidates
// their cache entries. Expiry is silent: no webhook event fires, matching
// the explicit-delete path. Returns the number of jobs removed.
func (s *SweeperService) SweepExpired(ctx context.Context) (int64, error) {
	now := s.now().UTC()

	expired, err := s.jobs.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired jobs: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]string, len(expired))
	for i, job := range expired {
		ids[i] = job.ID
	}

	count, err := s.jobs.DeleteBatch(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}

	for _, id := range ids {
		s.cache.Invalidate(ctx, id)
	}

	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "swept expired jobs", "count", count)
	}
	return count, nil
}

// SweepStaleDeliveries prunes delivery records older than the retention
// window, looping in bounded batches until no rows remain.
func (s *SweeperService) SweepStaleDeliveries(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.DeliveryRetention)

	var totalCount int64
	for {
		count, err := s.deliveries.DeleteOlderThan(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return totalCount, fmt.Errorf("delete stale delivery records: %w", err)
		}
		totalCount += count
		if count == 0 {
			break
		}
		// Check context between batches
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "swept stale delivery records",
			"count", totalCount,
			"retention", s.cfg.DeliveryRetention,
		)
	}
	return totalCount, nil
}

// SweepCache reconciles the cache against the store: entries whose backing
// job record no longer exists are evicted. Guards against cache entries
// outliving their record via out-of-band deletion paths.
func (s *SweeperService) SweepCache(ctx context.Context) (int64, error) {
	if !s.cache.Enabled() {
		return 0, nil
	}

	ids, err := s.cache.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerate cache keys: %w", err)
	}

	var evicted int64
	for _, id := range ids {
		_, err := s.jobs.GetByID(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, data.ErrJobNotFound) {
			return evicted, fmt.Errorf("check job %s: %w", id, err)
		}
		s.cache.Invalidate(ctx, id)
		evicted++
	}

	if evicted > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "evicted orphaned cache entries", "count", evicted)
	}
	return evicted, nil
}

func (s *SweeperService) logSweepError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}
