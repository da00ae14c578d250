// Package model defines the core data types and structures used throughout the jobtrackd system.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current status of a tracked job.
type JobStatus string

const (
	// JobStatusPending indicates a job is waiting to start.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a job is currently in progress.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates a job has finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job has failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates a job was cancelled before finishing.
	JobStatusCancelled JobStatus = "cancelled"
)

// Job field constraints.
const (
	minJobNameLen       = 1
	maxJobNameLen       = 255
	maxJobMetadataKeys  = 32
	maxMetadataKeyLen   = 64
	maxMetadataValueLen = 1024
	maxJobTagLen        = 64
)

// Valid returns true if the JobStatus is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus to allow env and JSON parsing.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobStatus: %q", string(text))
	}
	*s = v
	return nil
}

// Job represents a tracked unit of external work.
//
// TTL, when set, is the number of milliseconds after CreatedAt at which the
// job becomes eligible for automatic deletion by the sweeper. A nil TTL
// means the job never expires.
type Job struct {
	ID          string            `json:"id"                     db:"id"`
	Name        string            `json:"name"                   db:"name"`
	Status      JobStatus         `json:"status"                 db:"status"`
	Progress    float64           `json:"progress"               db:"progress"`
	Tags        []string          `json:"tags"                   db:"tags"`
	Metadata    map[string]string `json:"metadata"               db:"metadata"`
	TTL         *int64            `json:"ttl,omitempty"          db:"ttl_ms"`
	Error       *string           `json:"error,omitempty"        db:"error"`
	CompletedAt *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time         `json:"created_at"             db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"             db:"updated_at"`
}

// ExpiresAt returns the instant the job becomes eligible for expiry,
// or the zero time when the job never expires.
func (j *Job) ExpiresAt() time.Time {
	if j.TTL == nil || *j.TTL <= 0 {
		return time.Time{}
	}
	return j.CreatedAt.Add(time.Duration(*j.TTL) * time.Millisecond)
}

// Expired reports whether the job is past its TTL at the given instant.
func (j *Job) Expired(now time.Time) bool {
	at := j.ExpiresAt()
	return !at.IsZero() && at.Before(now)
}

// CreateJobRequest represents a request to create a new job.
type CreateJobRequest struct {
	Name     string            `json:"name"`
	Status   *JobStatus        `json:"status,omitempty"`
	Progress *float64          `json:"progress,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	TTL      *int64            `json:"ttl,omitempty"`
}

// Normalize trims whitespace from the name and tags.
func (r *CreateJobRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	for i, t := range r.Tags {
		r.Tags[i] = strings.TrimSpace(t)
	}
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if err := validateJobName(r.Name); err != nil {
		return err
	}
	if r.Status != nil && !r.Status.Valid() {
		return fmt.Errorf("invalid status: %q", *r.Status)
	}
	if r.Progress != nil {
		if err := validateProgress(*r.Progress); err != nil {
			return err
		}
	}
	if r.TTL != nil && *r.TTL <= 0 {
		return errors.New("ttl must be a positive number of milliseconds")
	}
	if err := validateTags(r.Tags); err != nil {
		return err
	}
	return validateMetadata(r.Metadata)
}

// UpdateJobRequest represents a patch to an existing job. Only non-nil
// fields are applied.
type UpdateJobRequest struct {
	Name     *string           `json:"name,omitempty"`
	Status   *JobStatus        `json:"status,omitempty"`
	Progress *float64          `json:"progress,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Error    *string           `json:"error,omitempty"`
}

// HasUpdates reports whether the patch carries at least one field.
func (r *UpdateJobRequest) HasUpdates() bool {
	return r.Name != nil || r.Status != nil || r.Progress != nil ||
		r.Tags != nil || r.Metadata != nil || r.Error != nil
}

// Normalize trims whitespace from the replaced name and tags.
func (r *UpdateJobRequest) Normalize() {
	if r.Name != nil {
		trimmed := strings.TrimSpace(*r.Name)
		r.Name = &trimmed
	}
	for i, t := range r.Tags {
		r.Tags[i] = strings.TrimSpace(t)
	}
}

// Validate validates the UpdateJobRequest fields and ensures at least one
// field is being updated.
func (r *UpdateJobRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.Name != nil {
		if err := validateJobName(*r.Name); err != nil {
			return err
		}
	}
	if r.Status != nil && !r.Status.Valid() {
		return fmt.Errorf("invalid status: %q", *r.Status)
	}
	if r.Progress != nil {
		if err := validateProgress(*r.Progress); err != nil {
			return err
		}
	}
	if r.Tags != nil {
		if err := validateTags(r.Tags); err != nil {
			return err
		}
	}
	return validateMetadata(r.Metadata)
}

// JobListOptions holds filter, sort, and pagination options for listing jobs.
type JobListOptions struct {
	Status  *JobStatus
	Tag     *string
	SortBy  string // created_at, updated_at, name, progress
	SortDir string // asc, desc
	Limit   int
	Offset  int
}

func validateJobName(name string) error {
	if len(name) < minJobNameLen {
		return errors.New("name is required")
	}
	if len(name) > maxJobNameLen {
		return fmt.Errorf("name must be at most %d characters", maxJobNameLen)
	}
	return nil
}

func validateProgress(p float64) error {
	if p < 0 || p > 100 {
		return fmt.Errorf("progress must be between 0 and 100, got %v", p)
	}
	return nil
}

func validateTags(tags []string) error {
	for _, t := range tags {
		if t == "" {
			return errors.New("tags must not be empty strings")
		}
		if len(t) > maxJobTagLen {
			return fmt.Errorf("tag %q exceeds %d characters", t, maxJobTagLen)
		}
	}
	return nil
}

func validateMetadata(meta map[string]string) error {
	if len(meta) > maxJobMetadataKeys {
		return fmt.Errorf("metadata must have at most %d keys", maxJobMetadataKeys)
	}
	for k, v := range meta {
		if k == "" || len(k) > maxMetadataKeyLen {
			return fmt.Errorf("metadata key %q must be 1-%d characters", k, maxMetadataKeyLen)
		}
		if len(v) > maxMetadataValueLen {
			return fmt.Errorf("metadata value for %q exceeds %d characters", k, maxMetadataValueLen)
		}
	}
	return nil
}
