package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// Job repository sentinels.
	ErrJobNotFound = errors.New("job not found")

	// Webhook repository sentinels.
	ErrWebhookNotFound  = errors.New("webhook not found")
	ErrWebhookURLExists = errors.New("webhook url already registered")

	// Delivery repository sentinels.
	ErrDeliveryRecordRequired = errors.New("delivery record is required")
)
