package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobEvent is a job state transition handed to the delivery engine. Each
// event type is a distinct variant carrying exactly the fields valid for it.
type JobEvent interface {
	// Type returns the event type dispatched to subscribers.
	Type() EventType
	// JobID returns the id of the job the event concerns.
	JobID() string
	// WirePayload serializes the webhook payload for this event.
	WirePayload() (json.RawMessage, error)
}

// StatusChangeEvent fires when a job's status transitions, including the
// implicit transition into the initial status at creation time (Previous
// is empty in that case).
type StatusChangeEvent struct {
	Job        *Job
	Previous   JobStatus
	OccurredAt time.Time
}

// Type implements JobEvent.
func (e StatusChangeEvent) Type() EventType { return EventStatusChange }

// JobID implements JobEvent.
func (e StatusChangeEvent) JobID() string { return e.Job.ID }

// WirePayload implements JobEvent. Transitions into completed carry the
// job's completed_at; transitions into failed carry the job's error.
func (e StatusChangeEvent) WirePayload() (json.RawMessage, error) {
	env := newEnvelope(EventStatusChange, e.Job, e.OccurredAt)
	if e.Previous != "" {
		env.PreviousState = &previousState{Status: &e.Previous}
	}
	switch e.Job.Status {
	case JobStatusCompleted:
		env.CompletedAt = e.Job.CompletedAt
	case JobStatusFailed:
		env.Error = e.Job.Error
	}
	return marshalEnvelope(env)
}

// ProgressUpdateEvent fires when a job's progress value changes.
type ProgressUpdateEvent struct {
	Job        *Job
	Previous   float64
	OccurredAt time.Time
}

// Type implements JobEvent.
func (e ProgressUpdateEvent) Type() EventType { return EventProgressUpdate }

// JobID implements JobEvent.
func (e ProgressUpdateEvent) JobID() string { return e.Job.ID }

// WirePayload implements JobEvent.
func (e ProgressUpdateEvent) WirePayload() (json.RawMessage, error) {
	env := newEnvelope(EventProgressUpdate, e.Job, e.OccurredAt)
	env.PreviousState = &previousState{Progress: &e.Previous}
	return marshalEnvelope(env)
}

// envelopeJob is the job view embedded in every webhook payload.
type envelopeJob struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    JobStatus         `json:"status"`
	Progress  float64           `json:"progress"`
	Tags      []string          `json:"tags"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type previousState struct {
	Status   *JobStatus `json:"status,omitempty"`
	Progress *float64   `json:"progress,omitempty"`
}

type envelope struct {
	Event         EventType      `json:"event"`
	Timestamp     time.Time      `json:"timestamp"`
	Job           envelopeJob    `json:"job"`
	PreviousState *previousState `json:"previous_state,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Error         *string        `json:"error,omitempty"`
}

func newEnvelope(event EventType, job *Job, at time.Time) envelope {
	return envelope{
		Event:     event,
		Timestamp: at,
		Job: envelopeJob{
			ID:        job.ID,
			Name:      job.Name,
			Status:    job.Status,
			Progress:  job.Progress,
			Tags:      job.Tags,
			Metadata:  job.Metadata,
			CreatedAt: job.CreatedAt,
			UpdatedAt: job.UpdatedAt,
		},
	}
}

func marshalEnvelope(env envelope) (json.RawMessage, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}
	return b, nil
}
