package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EventType identifies a job event a webhook may subscribe to.
type EventType string

const (
	// EventStatusChange fires when a job's status transitions.
	EventStatusChange EventType = "status_change"
	// EventProgressUpdate fires when a job's progress value changes.
	EventProgressUpdate EventType = "progress_update"
	// EventCompletion is a payload-shaping subtype of status_change for
	// transitions into completed. It is a valid subscription value but is
	// never dispatched as a distinct trigger.
	EventCompletion EventType = "completion"
	// EventFailure is a payload-shaping subtype of status_change for
	// transitions into failed. It is a valid subscription value but is
	// never dispatched as a distinct trigger.
	EventFailure EventType = "failure"
)

// ErrInvalidBodyTemplate indicates a body template that failed to compile.
var ErrInvalidBodyTemplate = errors.New("invalid body template")

// Webhook field constraints.
const (
	maxWebhookURLLen     = 1024
	maxWebhookHeaderKeys = 32
)

// Valid returns true if the EventType is one of the known values.
func (e EventType) Valid() bool {
	switch e {
	case EventStatusChange, EventProgressUpdate, EventCompletion, EventFailure:
		return true
	default:
		return false
	}
}

// Webhook represents an external HTTP endpoint subscribed to job events.
type Webhook struct {
	ID            string            `json:"id"                       db:"id"`
	URL           string            `json:"url"                      db:"url"`
	Events        []EventType       `json:"events"                   db:"events"`
	Headers       map[string]string `json:"headers"                  db:"headers"`
	BodyTemplate  *string           `json:"body_template,omitempty"  db:"body_template"`
	IsActive      bool              `json:"is_active"                db:"is_active"`
	LastTriggered *time.Time        `json:"last_triggered,omitempty" db:"last_triggered"`
	RetryCount    int               `json:"retry_count"              db:"retry_count"`
	CreatedAt     time.Time         `json:"created_at"               db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"               db:"updated_at"`
}

// SubscribedTo reports whether the webhook subscribes to the given event type.
func (w *Webhook) SubscribedTo(event EventType) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// CreateWebhookRequest represents a request to register a new webhook.
type CreateWebhookRequest struct {
	URL          string            `json:"url"`
	Events       []EventType       `json:"events"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodyTemplate *string           `json:"body_template,omitempty"`
	IsActive     *bool             `json:"is_active,omitempty"`
}

// Normalize trims whitespace from the URL.
func (r *CreateWebhookRequest) Normalize() {
	r.URL = strings.TrimSpace(r.URL)
}

// Validate validates the CreateWebhookRequest fields. URL scheme is checked
// here, at registration time, never at delivery time.
func (r *CreateWebhookRequest) Validate() error {
	if err := validateWebhookURL(r.URL); err != nil {
		return err
	}
	if err := validateEventSet(r.Events); err != nil {
		return err
	}
	return validateWebhookHeaders(r.Headers)
}

// UpdateWebhookRequest represents a patch to an existing webhook.
type UpdateWebhookRequest struct {
	URL          *string           `json:"url,omitempty"`
	Events       []EventType       `json:"events,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodyTemplate *string           `json:"body_template,omitempty"`
	IsActive     *bool             `json:"is_active,omitempty"`
}

// HasUpdates reports whether the patch carries at least one field.
func (r *UpdateWebhookRequest) HasUpdates() bool {
	return r.URL != nil || r.Events != nil || r.Headers != nil ||
		r.BodyTemplate != nil || r.IsActive != nil
}

// Normalize trims whitespace from the URL if present.
func (r *UpdateWebhookRequest) Normalize() {
	if r.URL != nil {
		u := strings.TrimSpace(*r.URL)
		r.URL = &u
	}
}

// Validate validates the UpdateWebhookRequest fields and ensures at least
// one field is being updated.
func (r *UpdateWebhookRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.URL != nil {
		if err := validateWebhookURL(*r.URL); err != nil {
			return err
		}
	}
	if r.Events != nil {
		if err := validateEventSet(r.Events); err != nil {
			return err
		}
	}
	return validateWebhookHeaders(r.Headers)
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	if len(raw) > maxWebhookURLLen {
		return fmt.Errorf("url must be at most %d characters", maxWebhookURLLen)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("invalid url: missing host")
	}
	return nil
}

func validateEventSet(events []EventType) error {
	if len(events) == 0 {
		return errors.New("at least one event type is required")
	}
	for _, e := range events {
		if !e.Valid() {
			return fmt.Errorf("invalid event type: %q", e)
		}
	}
	return nil
}

func validateWebhookHeaders(headers map[string]string) error {
	if len(headers) > maxWebhookHeaderKeys {
		return fmt.Errorf("headers must have at most %d entries", maxWebhookHeaderKeys)
	}
	for k := range headers {
		if strings.TrimSpace(k) == "" {
			return errors.New("header names must not be empty")
		}
	}
	return nil
}
