// Package core defines the ports between the service layer and the adapters.
package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/parleyhq/dispatch-api/internal/domain/model"
)

// This file contains repository and adapter interface definitions (ports in
// hexagonal architecture). Service implementations depend on these
// interfaces, not on concrete implementations.

// CreateJobParams groups parameters for JobRepository.Create (≤3 params rule).
type CreateJobParams struct {
	LogicalKey string
	Kind       model.JobKind
	Payload    json.RawMessage
	MaxRetries int
}

// JobRepository defines the interface for queue data operations.
type JobRepository interface {
	Create(ctx context.Context, params CreateJobParams) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// ReserveNext claims the oldest reservable pending job of the given kind,
	// skipping keys that already have a running job.
	ReserveNext(ctx context.Context, kind model.JobKind, leaseSeconds int) (*model.Job, error)
	// WaitForNotification blocks until a job of the given kind is enqueued or
	// the context is done.
	WaitForNotification(ctx context.Context, kind model.JobKind) error
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	// Fail records a failure. When retries remain the job returns to pending
	// after a delay; otherwise it moves to failed and exhausted is true.
	Fail(ctx context.Context, id, errMsg string) (exhausted bool, err error)
	Stats(ctx context.Context, kind model.JobKind) (*model.JobStats, error)
	Delete(ctx context.Context, id string) error
}

// JobRepositoryTx defines optional transactional job creation support.
type JobRepositoryTx interface {
	CreateInTx(ctx context.Context, tx *sql.Tx, params CreateJobParams) (*model.Job, error)
}

// CompletionRepository defines the interface for completion record operations.
// All mutations are conditional so concurrent dispatchers and workers never
// need external locking.
type CompletionRepository interface {
	// CreateIfAbsent inserts a record for the key. It returns created=false
	// without error when a record already exists, whatever its notified state.
	CreateIfAbsent(ctx context.Context, logicalKey string) (created bool, err error)
	Get(ctx context.Context, logicalKey string) (*model.CompletionRecord, error)
	// MarkNotified flips notified for an in-flight record. It returns false
	// when the record is missing or was already notified.
	MarkNotified(ctx context.Context, params MarkNotifiedParams) (bool, error)
	// Delete removes the record, releasing the key for future submissions.
	Delete(ctx context.Context, logicalKey string) (bool, error)
}

// MarkNotifiedParams groups parameters for CompletionRepository.MarkNotified.
// Exactly one of ResultRef and FailureMsg is set per outcome.
type MarkNotifiedParams struct {
	LogicalKey string
	ResultRef  *string
	FailureMsg *string
}

// DedupGuard is a short-lived advisory guard that collapses duplicate
// submissions before they reach the completion store.
type DedupGuard interface {
	// Acquire attempts to claim the key for the window. It returns false when
	// another submission already holds it.
	Acquire(ctx context.Context, logicalKey string, window time.Duration) (bool, error)
	// Release drops the claim early, used when a submission is rolled back.
	Release(ctx context.Context, logicalKey string) error
}

// NotificationPublisher publishes ephemeral events for a correlation id.
type NotificationPublisher interface {
	Publish(ctx context.Context, event model.NotificationEvent) error
}

// NotificationSubscription is a live subscription to one correlation id.
type NotificationSubscription interface {
	// Events yields decoded events until Close or context cancellation.
	Events() <-chan model.NotificationEvent
	Close() error
}

// NotificationChannel combines publish and subscribe over the same transport.
type NotificationChannel interface {
	NotificationPublisher
	Subscribe(ctx context.Context, correlationID string) (NotificationSubscription, error)
}

// EmitFunc receives incremental output chunks from a running work unit.
type EmitFunc func(chunk string)

// WorkUnit executes one kind of job. Run returns a reference to the stored
// result on success. Emitted chunks are forwarded as partial notifications;
// Run must not emit after it returns.
type WorkUnit interface {
	Kind() model.JobKind
	Run(ctx context.Context, payload json.RawMessage, emit EmitFunc) (resultRef string, err error)
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs (≤3 params rule).
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for queue hygiene operations.
// Completion records are out of its reach; those only leave through explicit
// cleanup.
type ReaperRepository interface {
	// FailStalePendingJobs marks pending jobs older than maxAge as failed.
	// Processes up to batchSize jobs per call to prevent long locks.
	FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// DeleteOldJobs deletes jobs with the given status older than maxAge.
	// Processes up to batchSize jobs per call to prevent long locks.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}
