// Package jobrunner pulls queued jobs and executes them through work units,
// publishing progress on the notification channel as it goes.
package jobrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/data"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
	obserrors "github.com/parleyhq/dispatch-api/internal/observability/errors"
	"github.com/parleyhq/dispatch-api/internal/observability/metrics"
	"github.com/parleyhq/dispatch-api/internal/observability/notify"
	"github.com/parleyhq/dispatch-api/internal/observability/statsd"
	"github.com/parleyhq/dispatch-api/internal/service"
)

// FailureNotifier receives terminal job failures for operator alerting.
type FailureNotifier interface {
	NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload)
	Enabled() bool
}

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	DB     *sql.DB
	Logger *slog.Logger

	// Job processing settings
	Lease       time.Duration // per-job lease duration; defaults to 30s
	Concurrency int           // number of worker goroutines; defaults to 1
	Kind        model.JobKind // which job kind to process; required

	// Unit executes jobs of Kind; required.
	Unit core.WorkUnit

	// Channel publishes partial and terminal events; required.
	Channel core.NotificationPublisher

	// Optional dependency injections (useful for tests/decoupling)
	JobsRepo    core.JobRepository
	Completions core.CompletionRepository
	Metrics     statsd.Sink

	// FailureNotifier, when set, is told about jobs that exhaust their
	// retries. Retryable failures are not reported.
	FailureNotifier FailureNotifier
}

// Runner pulls jobs of one kind and executes them with the configured work
// unit. Failures go back through the queue's retry machinery; once retries
// are exhausted the runner still marks the completion record notified and
// publishes a terminal event so no waiting client is left hanging.
type Runner struct {
	jobs        *service.JobService
	completions core.CompletionRepository
	channel     core.NotificationPublisher
	unit        core.WorkUnit
	logger      *slog.Logger
	lease       time.Duration
	kind        model.JobKind
	workers     int
	metrics     statsd.Sink
	notifier    FailureNotifier
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// NewRunner wires repositories/services and constructs a job runner for a single job kind.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && (opts.JobsRepo == nil || opts.Completions == nil) {
		return nil, errors.New("either DB or both JobsRepo and Completions must be provided")
	}
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("invalid job kind: %q", opts.Kind)
	}
	if opts.Unit == nil {
		return nil, errors.New("work unit is required")
	}
	if opts.Unit.Kind() != opts.Kind {
		return nil, fmt.Errorf("work unit handles %q, runner configured for %q", opts.Unit.Kind(), opts.Kind)
	}
	if opts.Channel == nil {
		return nil, errors.New("notification channel is required")
	}

	logger := resolveLogger(opts.Logger)

	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}

	jobsRepo := opts.JobsRepo
	if jobsRepo == nil {
		jobsRepo = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: logger})
	}
	completions := opts.Completions
	if completions == nil {
		completions = data.NewCompletionRepo(opts.DB, data.CompletionRepoConfig{Logger: logger})
	}

	jobSvc := service.MustNewJobService(service.JobServiceOptions{
		Repo:         jobsRepo,
		DefaultLease: lease,
		Logger:       logger,
	})

	return &Runner{
		jobs:        jobSvc,
		completions: completions,
		channel:     opts.Channel,
		unit:        opts.Unit,
		logger:      logger,
		lease:       lease,
		kind:        opts.Kind,
		workers:     workers,
		metrics:     opts.Metrics,
		notifier:    opts.FailureNotifier,
	}, nil
}

// Run starts worker goroutines and processes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner", "kind", r.kind, "workers", r.workers, "lease", r.lease)

	// Derive a cancellable context that we can signal on first fatal error
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe for notifications for the job kind we process
	unsub, ch := r.jobs.Subscribe(r.kind)
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, ch); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, r.kind, r.lease)
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForNotify(ctx, notify) {
				return nil
			}
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return ctx.Err()
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	}
}

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	emitMetric := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			JobKind:    string(job.Kind),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	resultRef, runErr := r.runUnit(ctx, job)
	if runErr != nil {
		r.handleFailure(ctx, job, runErr)
		emitMetric("failed", metrics.ResultError, runErr)
		return
	}

	r.handleSuccess(ctx, job, resultRef)
	emitMetric("completed", metrics.ResultSuccess, nil)
}

// runUnit executes the work unit with a lease heartbeat running alongside.
// Partial output is published as it is emitted; a publish failure does not
// fail the unit because partials are best-effort by contract.
func (r *Runner) runUnit(ctx context.Context, job *model.Job) (string, error) {
	unitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		r.heartbeatLoop(unitCtx, job.ID)
	}()
	defer hbWG.Wait()

	emit := func(chunk string) {
		event := model.NotificationEvent{
			CorrelationID: job.LogicalKey,
			Kind:          model.EventPartial,
			Message:       chunk,
		}
		if err := r.channel.Publish(unitCtx, event); err != nil {
			r.logger.WarnContext(unitCtx, "publish partial event failed",
				"logical_key", job.LogicalKey,
				"job_id", job.ID,
				"error", err,
			)
		}
	}

	return r.unit.Run(unitCtx, job.Payload, emit)
}

func (r *Runner) heartbeatLoop(ctx context.Context, jobID string) {
	interval := r.lease / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extended, err := r.jobs.Heartbeat(ctx, jobID, r.lease)
			if err != nil {
				r.logger.WarnContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
				continue
			}
			if !extended {
				// The lease was lost; the job will be redelivered elsewhere.
				r.logger.WarnContext(ctx, "heartbeat found job no longer running", "job_id", jobID)
				return
			}
		}
	}
}

func (r *Runner) handleSuccess(ctx context.Context, job *model.Job, resultRef string) {
	marked, err := r.completions.MarkNotified(ctx, core.MarkNotifiedParams{
		LogicalKey: job.LogicalKey,
		ResultRef:  &resultRef,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "mark notified failed", "logical_key", job.LogicalKey, "error", err)
		// Leave the job running; the lease will expire and redelivery retries
		// the whole completion path.
		return
	}

	if marked {
		r.publishTerminal(ctx, model.NotificationEvent{
			CorrelationID: job.LogicalKey,
			Kind:          model.EventTerminal,
			ResultRef:     resultRef,
		})
	} else {
		// Another delivery already finished this key. The record wins; skip
		// the duplicate terminal event.
		r.logger.WarnContext(ctx, "completion already notified", "logical_key", job.LogicalKey, "job_id", job.ID)
	}

	if _, err := r.jobs.Complete(ctx, job.ID); err != nil {
		r.logger.ErrorContext(ctx, "complete job error", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) handleFailure(ctx context.Context, job *model.Job, runErr error) {
	r.logger.WarnContext(ctx, "work unit failed",
		"job_id", job.ID,
		"logical_key", job.LogicalKey,
		"kind", job.Kind,
		"retry_count", job.RetryCount,
		"error_class", obserrors.Classify(runErr),
		"error", runErr,
	)

	exhausted, err := r.jobs.Fail(ctx, job.ID, runErr.Error())
	if err != nil {
		r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", err, "original_error", runErr)
		return
	}
	if !exhausted {
		// The queue redelivers after the retry delay; nothing is published
		// until the outcome is final.
		return
	}

	msg := runErr.Error()
	marked, markErr := r.completions.MarkNotified(ctx, core.MarkNotifiedParams{
		LogicalKey: job.LogicalKey,
		FailureMsg: &msg,
	})
	if markErr != nil {
		r.logger.ErrorContext(ctx, "mark notified after exhaustion failed",
			"logical_key", job.LogicalKey,
			"error", markErr,
		)
	}
	if !marked && markErr == nil {
		r.logger.WarnContext(ctx, "completion already notified on failure path",
			"logical_key", job.LogicalKey,
			"job_id", job.ID,
		)
	}

	// The terminal event goes out even when the record update raced; a
	// waiting client must always be unblocked.
	r.publishTerminal(ctx, model.NotificationEvent{
		CorrelationID: job.LogicalKey,
		Kind:          model.EventTerminal,
		Error:         msg,
	})

	if r.notifier != nil && r.notifier.Enabled() {
		r.notifier.NotifyJobFailure(ctx, notify.JobFailurePayload{
			JobID:      job.ID,
			JobKind:    string(job.Kind),
			LogicalKey: job.LogicalKey,
			Error:      msg,
			ErrorClass: obserrors.Classify(runErr),
			RetryCount: job.RetryCount,
			OccurredAt: time.Now().UTC(),
		})
	}
}

func (r *Runner) publishTerminal(ctx context.Context, event model.NotificationEvent) {
	if err := r.channel.Publish(ctx, event); err != nil {
		// Subscribers that miss this fall back to the status poll.
		r.logger.ErrorContext(ctx, "publish terminal event failed",
			"logical_key", event.CorrelationID,
			"error", err,
		)
	}
}
