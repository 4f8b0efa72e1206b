// Package model defines the core data types shared across the dispatch system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobKind represents the kind of background work a job carries.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobKind string

// JobStatus represents the current status of a queued job.
type JobStatus string

const (
	// JobKindExport represents a bulk conversation export job.
	JobKindExport JobKind = "export"
	// JobKindEmbedding represents a document embedding generation job.
	JobKindEmbedding JobKind = "embedding"
	// JobKindEvaluation represents a cross-document comparison evaluation job.
	JobKindEvaluation JobKind = "evaluation"

	// JobStatusPending indicates a job is waiting to be reserved.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates a job has finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job exhausted its retries.
	JobStatusFailed JobStatus = "failed"
)

// UnmarshalText implements encoding.TextUnmarshaler for JobKind to allow env parsing.
func (k *JobKind) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jk := JobKind(v)
	if jk.Valid() {
		*k = jk
		return nil
	}
	return fmt.Errorf("invalid JobKind: %q", v)
}

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobKind is valid.
func (k JobKind) Valid() bool {
	return k == JobKindExport || k == JobKindEmbedding || k == JobKindEvaluation
}

// AllJobKinds returns every kind the worker can process.
func AllJobKinds() []JobKind {
	return []JobKind{JobKindExport, JobKindEmbedding, JobKindEvaluation}
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// MaxLogicalKeyLen bounds the byte length of a logical key.
const MaxLogicalKeyLen = 256

// Job represents a queued unit of work. LogicalKey ties the job to its
// completion record and doubles as the notification correlation id.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	LogicalKey     string          `json:"logical_key"                db:"logical_key"`
	Kind           JobKind         `json:"kind"                       db:"kind"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// SubmitRequest represents a request to dispatch a new job.
type SubmitRequest struct {
	LogicalKey string          `json:"logical_key"`
	Kind       JobKind         `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

// Validate validates the SubmitRequest fields. maxPayload bounds the payload
// size in bytes; zero means the caller imposes no bound.
func (r *SubmitRequest) Validate(maxPayload int) error {
	if strings.TrimSpace(r.LogicalKey) == "" {
		return errors.New("logical key is required")
	}
	if len(r.LogicalKey) > MaxLogicalKeyLen {
		return fmt.Errorf("logical key exceeds %d bytes", MaxLogicalKeyLen)
	}
	if !r.Kind.Valid() {
		return errors.New("invalid job kind")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if maxPayload > 0 && len(r.Payload) > maxPayload {
		return fmt.Errorf("payload exceeds %d bytes", maxPayload)
	}
	return nil
}

// SubmitOutcome describes how the dispatcher handled a submission.
type SubmitOutcome string

const (
	// SubmitAccepted indicates a new job was recorded and enqueued.
	SubmitAccepted SubmitOutcome = "accepted"
	// SubmitAlreadyInFlight indicates the logical key already holds a
	// completion record; no new work was scheduled.
	SubmitAlreadyInFlight SubmitOutcome = "already_in_flight"
)

// SubmitResult is the dispatcher's answer to a submission.
type SubmitResult struct {
	Outcome SubmitOutcome `json:"status"`
	JobID   string        `json:"job_id,omitempty"`
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
