package config

import "time"

// SweeperConfig contains expiry sweeper configuration.
//
// The sweeper runs two independent schedules: a coarse full-cleanup pass
// (expired jobs, stale delivery records, cache reconciliation) and a finer
// expired-job-only pass.
type SweeperConfig struct {
	// FullInterval is the period of the full-cleanup pass.
	FullInterval time.Duration `env:"SWEEPER_FULL_INTERVAL" envDefault:"1h"`

	// ExpiredInterval is the period of the expired-job-only pass.
	ExpiredInterval time.Duration `env:"SWEEPER_EXPIRED_INTERVAL" envDefault:"15m"`

	// DeliveryRetention is how long delivery records are kept.
	DeliveryRetention time.Duration `env:"SWEEPER_DELIVERY_RETENTION" envDefault:"720h"`

	// BatchSize bounds each stale-delivery delete statement.
	BatchSize int `env:"SWEEPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to sweeper configuration values.
func (c *SweeperConfig) Sanitize() {
	if c.FullInterval <= 0 {
		c.FullInterval = time.Hour
	}
	if c.ExpiredInterval <= 0 {
		c.ExpiredInterval = 15 * time.Minute
	}
	if c.DeliveryRetention <= 0 {
		c.DeliveryRetention = 30 * 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
}
