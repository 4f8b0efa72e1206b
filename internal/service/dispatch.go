package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/parleyhq/dispatch-api/internal/errors"

	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/data"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
)

const (
	defaultMaxPayloadBytes = 256 * 1024
	defaultDedupWindow     = 5 * time.Second
)

// DispatchServiceOptions groups dependencies for DispatchService.
type DispatchServiceOptions struct {
	Completions core.CompletionRepository // Required: completion record store
	Jobs        *JobService               // Required: queue service
	Dedup       core.DedupGuard           // Optional: advisory duplicate window
	Logger      *slog.Logger              // Optional: structured logger

	MaxPayloadBytes int           // Optional: payload size bound; defaults to 256 KiB
	DedupWindow     time.Duration // Optional: advisory window; defaults to 5s
	MaxRetries      int           // Optional: per-job retry bound; repo default when zero
}

// DispatchService accepts job submissions and answers status polls. A logical
// key admits at most one in-flight job: the completion record's conditional
// insert is the authoritative guard, the Redis dedup window only shields it
// from tight retry storms.
type DispatchService struct {
	completions core.CompletionRepository
	jobs        *JobService
	dedup       core.DedupGuard
	logger      *slog.Logger

	maxPayloadBytes int
	dedupWindow     time.Duration
	maxRetries      int
}

// NewDispatchService constructs a new DispatchService.
func NewDispatchService(opts DispatchServiceOptions) (*DispatchService, error) {
	if opts.Completions == nil {
		return nil, errors.New("CompletionRepository is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}

	maxPayload := opts.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayloadBytes
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = defaultDedupWindow
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "dispatch_service")
	}

	return &DispatchService{
		completions:     opts.Completions,
		jobs:            opts.Jobs,
		dedup:           opts.Dedup,
		logger:          logger,
		maxPayloadBytes: maxPayload,
		dedupWindow:     window,
		maxRetries:      opts.MaxRetries,
	}, nil
}

// MustNewDispatchService constructs a new DispatchService and panics on error.
func MustNewDispatchService(opts DispatchServiceOptions) *DispatchService {
	svc, err := NewDispatchService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create DispatchService: %v", err))
	}
	return svc
}

// Submit validates and dispatches a job request. A fresh logical key gets a
// completion record plus a queued job; a key already holding a record answers
// already_in_flight without scheduling anything. When the enqueue fails after
// the record insert, the record is rolled back so the key is never wedged.
func (s *DispatchService) Submit(ctx context.Context, req model.SubmitRequest) (*model.SubmitResult, error) {
	if err := req.Validate(s.maxPayloadBytes); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid submit request")
	}

	if s.dedup != nil {
		acquired, err := s.dedup.Acquire(ctx, req.LogicalKey, s.dedupWindow)
		if err != nil {
			// The guard is advisory; a Redis failure must not block
			// submissions. Fall through to the store-level guard.
			if s.logger != nil {
				s.logger.WarnContext(ctx, "dedup guard unavailable, relying on store guard",
					"logical_key", req.LogicalKey,
					"error", err,
				)
			}
		} else if !acquired {
			if s.logger != nil {
				s.logger.DebugContext(ctx, "submission collapsed by dedup window",
					"logical_key", req.LogicalKey,
				)
			}
			return &model.SubmitResult{Outcome: model.SubmitAlreadyInFlight}, nil
		}
	}

	created, err := s.completions.CreateIfAbsent(ctx, req.LogicalKey)
	if err != nil {
		return nil, fmt.Errorf("create completion record: %w", err)
	}
	if !created {
		return &model.SubmitResult{Outcome: model.SubmitAlreadyInFlight}, nil
	}

	job, err := s.jobs.Create(ctx, core.CreateJobParams{
		LogicalKey: req.LogicalKey,
		Kind:       req.Kind,
		Payload:    req.Payload,
		MaxRetries: s.maxRetries,
	})
	if err != nil {
		s.rollback(ctx, req.LogicalKey, err)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job dispatched",
			"logical_key", req.LogicalKey,
			"kind", req.Kind,
			"job_id", job.ID,
		)
	}

	return &model.SubmitResult{Outcome: model.SubmitAccepted, JobID: job.ID}, nil
}

// rollback deletes the completion record created by a failed submission so
// the logical key does not stay permanently blocked with no job to finish it.
func (s *DispatchService) rollback(ctx context.Context, logicalKey string, cause error) {
	if _, delErr := s.completions.Delete(ctx, logicalKey); delErr != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "rollback of completion record failed; key is blocked until cleanup",
				"logical_key", logicalKey,
				"error", delErr,
				"enqueue_error", cause,
			)
		}
		return
	}
	if s.dedup != nil {
		if relErr := s.dedup.Release(ctx, logicalKey); relErr != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "release dedup window failed",
				"logical_key", logicalKey,
				"error", relErr,
			)
		}
	}
	if s.logger != nil {
		s.logger.WarnContext(ctx, "submission rolled back",
			"logical_key", logicalKey,
			"error", cause,
		)
	}
}

// Status answers the idempotent poll for a logical key. It works without the
// live notification channel and is the documented fallback for clients that
// missed the terminal event.
func (s *DispatchService) Status(ctx context.Context, logicalKey string) (*model.CompletionStatus, error) {
	if logicalKey == "" {
		return nil, apperrors.Validation("logical key is required")
	}

	rec, err := s.completions.Get(ctx, logicalKey)
	if err != nil {
		return nil, fmt.Errorf("get completion record: %w", err)
	}
	if rec == nil {
		return &model.CompletionStatus{Exists: false}, nil
	}

	return &model.CompletionStatus{
		Exists:    true,
		Notified:  rec.Notified,
		ResultRef: rec.ResultRef,
		LastError: rec.LastError,
	}, nil
}

// Cleanup removes the completion record for a consumed result, releasing the
// logical key for future submissions. Keys still in flight are refused.
func (s *DispatchService) Cleanup(ctx context.Context, logicalKey string) error {
	if logicalKey == "" {
		return apperrors.Validation("logical key is required")
	}

	deleter, ok := s.completions.(interface {
		DeleteNotified(ctx context.Context, logicalKey string) (bool, error)
	})
	if !ok {
		// Repositories without the guarded delete fall back to a plain one.
		deleted, err := s.completions.Delete(ctx, logicalKey)
		if err != nil {
			return fmt.Errorf("delete completion record: %w", err)
		}
		if !deleted {
			return apperrors.NotFoundf("no completion record for key %q", logicalKey)
		}
		return nil
	}

	deleted, err := deleter.DeleteNotified(ctx, logicalKey)
	if errors.Is(err, data.ErrCompletionInFlight) {
		return apperrors.Conflictf("key %q is still in flight", logicalKey)
	}
	if err != nil {
		return fmt.Errorf("delete completion record: %w", err)
	}
	if !deleted {
		return apperrors.NotFoundf("no completion record for key %q", logicalKey)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "completion record cleaned up", "logical_key", logicalKey)
	}
	return nil
}
