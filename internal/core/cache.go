// Package core provides the ports and cache façade for the jobtrackd system.
package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jobtrackd/jobtrackd/internal/domain/model"
)

const jobCacheKeyPrefix = "job:"

// JobCacheConfig holds configuration for the read-through job cache.
type JobCacheConfig struct {
	// TTL bounds how long a stale entry can outlive a racing update.
	TTL time.Duration `json:"ttl"`
}

// DefaultJobCacheConfig returns a JobCacheConfig with sensible defaults.
func DefaultJobCacheConfig() JobCacheConfig {
	return JobCacheConfig{
		TTL: time.Hour,
	}
}

// JobCacheOptions bundles dependencies for NewJobCache.
type JobCacheOptions struct {
	Cache  CacheRepository // Optional: nil disables caching entirely
	Config JobCacheConfig
	Logger *slog.Logger // Optional: structured logger
}

// JobCache is a side-channel, read-through cache of job records keyed by id.
// The backing store stays authoritative: every operation degrades silently
// to a no-op or miss when the cache repository is nil or erroring.
type JobCache struct {
	cache  CacheRepository
	ttl    time.Duration
	logger *slog.Logger
}

// NewJobCache creates a new JobCache.
func NewJobCache(opts JobCacheOptions) *JobCache {
	ttl := opts.Config.TTL
	if ttl <= 0 {
		ttl = DefaultJobCacheConfig().TTL
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_cache")
	}

	return &JobCache{
		cache:  opts.Cache,
		ttl:    ttl,
		logger: logger,
	}
}

// Enabled reports whether a cache repository is wired.
func (c *JobCache) Enabled() bool {
	return c.cache != nil
}

// Get returns the cached job for id, or nil on miss or cache failure.
func (c *JobCache) Get(ctx context.Context, id string) *model.Job {
	if c.cache == nil || id == "" {
		return nil
	}

	raw, err := c.cache.Get(ctx, Key(id))
	if err != nil {
		c.logDegrade(ctx, "get", id, err)
		return nil
	}
	if len(raw) == 0 {
		return nil
	}

	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		// A corrupt entry reads as a miss; the next Set overwrites it.
		c.logDegrade(ctx, "decode", id, err)
		return nil
	}
	return &job
}

// Set stores the job under its id with the configured TTL.
func (c *JobCache) Set(ctx context.Context, job *model.Job) {
	if c.cache == nil || job == nil || job.ID == "" {
		return
	}

	raw, err := json.Marshal(job)
	if err != nil {
		c.logDegrade(ctx, "encode", job.ID, err)
		return
	}
	if err := c.cache.Set(ctx, Key(job.ID), raw, c.ttl); err != nil {
		c.logDegrade(ctx, "set", job.ID, err)
	}
}

// Invalidate removes the cache entry for id.
func (c *JobCache) Invalidate(ctx context.Context, id string) {
	if c.cache == nil || id == "" {
		return
	}
	if _, err := c.cache.Delete(ctx, Key(id)); err != nil {
		c.logDegrade(ctx, "delete", id, err)
	}
}

// Keys returns all cached job ids. Used by the sweeper's reconciliation pass.
func (c *JobCache) Keys(ctx context.Context) ([]string, error) {
	if c.cache == nil {
		return nil, nil
	}

	keys, err := c.cache.Keys(ctx, jobCacheKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if len(k) > len(jobCacheKeyPrefix) {
			ids = append(ids, k[len(jobCacheKeyPrefix):])
		}
	}
	return ids, nil
}

// Key returns the cache key for a job id.
func Key(id string) string {
	return jobCacheKeyPrefix + id
}

func (c *JobCache) logDegrade(ctx context.Context, op, id string, err error) {
	if c.logger == nil {
		return
	}
	// Cache failures never surface; they read as misses/no-ops.
	c.logger.DebugContext(ctx, "cache degraded to no-op", "op", op, "job_id", id, "error", err)
}
