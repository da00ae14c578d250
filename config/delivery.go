package config

import "time"

// Delivery engine guardrail bounds.
const (
	maxDeliveryRetries   = 10
	maxDeliveryBatchSize = 100
	maxDeliveryWorkers   = 32
)

// DeliveryConfig contains webhook delivery engine configuration.
type DeliveryConfig struct {
	// Timeout bounds each outbound HTTP call.
	Timeout time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"5s"`

	// MaxRetries is the number of retries after the initial attempt for
	// retryable failures (network reset/timeout, HTTP 5xx).
	MaxRetries int `env:"DELIVERY_MAX_RETRIES" envDefault:"3"`

	// BackoffBase is the unit for the exponential retry delay
	// (delay = BackoffBase * 2^attempt). Tests shrink this.
	BackoffBase time.Duration `env:"DELIVERY_BACKOFF_BASE" envDefault:"1s"`

	// BatchSize is the number of webhooks delivered concurrently per batch
	// during a fan-out.
	BatchSize int `env:"DELIVERY_BATCH_SIZE" envDefault:"10"`

	// BatchPause is the pause between fan-out batches to avoid bursts
	// against shared infrastructure.
	BatchPause time.Duration `env:"DELIVERY_BATCH_PAUSE" envDefault:"500ms"`

	// QueueSize is the capacity of the event hand-off queue. Events beyond
	// capacity are dropped with a log line rather than blocking callers.
	QueueSize int `env:"DELIVERY_QUEUE_SIZE" envDefault:"256"`

	// Workers is the number of goroutines consuming the event queue.
	Workers int `env:"DELIVERY_WORKERS" envDefault:"4"`

	// UserAgent identifies the service on outbound requests.
	UserAgent string `env:"DELIVERY_USER_AGENT" envDefault:"jobtrackd/1.0"`
}

// Sanitize applies guardrails to delivery configuration values.
func (c *DeliveryConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries > maxDeliveryRetries {
		c.MaxRetries = maxDeliveryRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchSize > maxDeliveryBatchSize {
		c.BatchSize = maxDeliveryBatchSize
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Workers > maxDeliveryWorkers {
		c.Workers = maxDeliveryWorkers
	}
	if c.UserAgent == "" {
		c.UserAgent = "jobtrackd/1.0"
	}
}
