package core

import (
	"context"
	"time"

	"github.com/jobtrackd/jobtrackd/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// JobRepository defines the interface for job data operations.
type JobRepository interface {
	Insert(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, id string, fields UpdateJobFields) (*model.Job, error)
	Delete(ctx context.Context, id string) (int64, error)
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, int, error)
	// ListExpired returns jobs whose ttl is set, positive, and whose
	// created_at + ttl lies strictly before now.
	ListExpired(ctx context.Context, now time.Time) ([]*model.Job, error)
	DeleteBatch(ctx context.Context, ids []string) (int64, error)
}

// UpdateJobFields carries the resolved column values for a job update.
// The lifecycle service computes timestamps and completed_at stamping; the
// repository applies only the non-nil fields.
type UpdateJobFields struct {
	Name        *string
	Status      *model.JobStatus
	Progress    *float64
	Tags        []string
	Metadata    map[string]string
	Error       *string
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// WebhookRepository defines the interface for webhook registration data operations.
type WebhookRepository interface {
	Insert(ctx context.Context, req *model.CreateWebhookRequest) (*model.Webhook, error)
	GetByID(ctx context.Context, id string) (*model.Webhook, error)
	Update(ctx context.Context, id string, req *model.UpdateWebhookRequest) (*model.Webhook, error)
	Delete(ctx context.Context, id string) (bool, error)
	// ListActiveForEvent returns webhooks with is_active = true whose event
	// set contains the given event type.
	ListActiveForEvent(ctx context.Context, event model.EventType) ([]*model.Webhook, error)
	List(ctx context.Context, limit, offset int) ([]*model.Webhook, error)
	// MarkTriggered records a send-attempt initiation and adds the retries
	// consumed by the attempt chain to the informational retry counter.
	MarkTriggered(ctx context.Context, params MarkTriggeredParams) error
}

// MarkTriggeredParams groups parameters for MarkTriggered to keep param count <=3.
type MarkTriggeredParams struct {
	WebhookID   string
	TriggeredAt time.Time
	Retries     int
}

// DeliveryRepository defines the interface for the append-only delivery
// record sink. The core writes records and prunes old ones; reading the
// audit trail is a collaborator's concern beyond simple listing.
type DeliveryRepository interface {
	Insert(ctx context.Context, record *model.DeliveryRecord) error
	List(ctx context.Context, limit, offset int) ([]*model.DeliveryRecord, error)
	// DeleteOlderThan removes up to batchSize records created before cutoff
	// and returns the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// CacheRepository defines the interface for caching operations. All cache
// usage is optional: callers degrade to the backing store when the cache is
// unavailable.
type CacheRepository interface {
	// Set stores a value with the given key and TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value by key. Returns nil if the key doesn't exist or
	// has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key. Returns true if the key was deleted.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys returns the keys matching the given glob-style pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}
