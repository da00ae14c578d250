package model

import (
	"encoding/json"
	"time"
)

// DeliveryRecord is an append-only audit entry capturing the final outcome
// of one webhook delivery attempt chain. Retries happen in-process before
// the record is written, so RetryCount reflects the attempts consumed.
type DeliveryRecord struct {
	ID           string          `json:"id"                      db:"id"`
	WebhookID    string          `json:"webhook_id"              db:"webhook_id"`
	JobID        string          `json:"job_id"                  db:"job_id"`
	EventType    EventType       `json:"event_type"              db:"event_type"`
	Payload      json.RawMessage `json:"payload"                 db:"payload"`
	StatusCode   *int            `json:"status_code,omitempty"   db:"status_code"`
	ResponseBody *string         `json:"response_body,omitempty" db:"response_body"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	RetryCount   int             `json:"retry_count"             db:"retry_count"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty"  db:"delivered_at"`
	CreatedAt    time.Time       `json:"created_at"              db:"created_at"`
}

// Succeeded reports whether the attempt chain ended with a delivered response.
func (d *DeliveryRecord) Succeeded() bool {
	return d.DeliveredAt != nil
}
