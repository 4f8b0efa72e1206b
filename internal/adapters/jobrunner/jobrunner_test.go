package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
	"github.com/parleyhq/dispatch-api/internal/observability/notify"
)

// stubJobRepo hands out a fixed set of jobs, one per ReserveNext call, then
// reports an empty queue.
type stubJobRepo struct {
	mu      sync.Mutex
	jobs    []*model.Job
	failRes bool // value Fail returns for exhausted

	completed []string
	failed    []string
}

func (s *stubJobRepo) Create(context.Context, core.CreateJobParams) (*model.Job, error) {
	return nil, errors.New("not implemented")
}

func (s *stubJobRepo) GetByID(context.Context, string) (*model.Job, error) {
	return nil, errors.New("not implemented")
}

func (s *stubJobRepo) ReserveNext(_ context.Context, kind model.JobKind, _ int) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return nil, model.ErrNoJobsAvailable
	}
	job := s.jobs[0]
	s.jobs = s.jobs[1:]
	if job.Kind != kind {
		return nil, model.ErrNoJobsAvailable
	}
	return job, nil
}

func (s *stubJobRepo) WaitForNotification(ctx context.Context, _ model.JobKind) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubJobRepo) Heartbeat(context.Context, string, int) (bool, error) {
	return true, nil
}

func (s *stubJobRepo) Complete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return true, nil
}

func (s *stubJobRepo) Fail(_ context.Context, id, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, id)
	return s.failRes, nil
}

func (s *stubJobRepo) Stats(context.Context, model.JobKind) (*model.JobStats, error) {
	return &model.JobStats{}, nil
}

func (s *stubJobRepo) Delete(context.Context, string) error { return nil }

func (s *stubJobRepo) completedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed...)
}

func (s *stubJobRepo) failedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.failed...)
}

// stubCompletions records MarkNotified calls.
type stubCompletions struct {
	mu     sync.Mutex
	marked []core.MarkNotifiedParams
	result bool
}

func (s *stubCompletions) CreateIfAbsent(context.Context, string) (bool, error) {
	return false, errors.New("not implemented")
}

func (s *stubCompletions) Get(context.Context, string) (*model.CompletionRecord, error) {
	return nil, nil
}

func (s *stubCompletions) MarkNotified(_ context.Context, params core.MarkNotifiedParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, params)
	return s.result, nil
}

func (s *stubCompletions) Delete(context.Context, string) (bool, error) { return false, nil }

func (s *stubCompletions) markedParams() []core.MarkNotifiedParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.MarkNotifiedParams(nil), s.marked...)
}

// stubPublisher collects published events and signals when a terminal event
// arrives.
type stubPublisher struct {
	mu       sync.Mutex
	events   []model.NotificationEvent
	terminal chan struct{}
}

func newStubPublisher() *stubPublisher {
	return &stubPublisher{terminal: make(chan struct{}, 1)}
}

func (s *stubPublisher) Publish(_ context.Context, event model.NotificationEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	if event.Kind == model.EventTerminal {
		select {
		case s.terminal <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *stubPublisher) published() []model.NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.NotificationEvent(nil), s.events...)
}

// stubUnit runs a canned function for one job kind.
type stubUnit struct {
	kind model.JobKind
	run  func(ctx context.Context, payload json.RawMessage, emit core.EmitFunc) (string, error)
}

func (u *stubUnit) Kind() model.JobKind { return u.kind }

func (u *stubUnit) Run(ctx context.Context, payload json.RawMessage, emit core.EmitFunc) (string, error) {
	return u.run(ctx, payload, emit)
}

func testJob(kind model.JobKind) *model.Job {
	return &model.Job{
		ID:         "job-1",
		LogicalKey: "tenant-a/export/42",
		Kind:       kind,
		Status:     model.JobStatusRunning,
		Payload:    json.RawMessage(`{"source":"orders"}`),
		MaxRetries: 3,
	}
}

func runUntilTerminal(t *testing.T, r *Runner, pub *stubPublisher) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-pub.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunnerSuccessPublishesPartialsThenTerminal(t *testing.T) {
	repo := &stubJobRepo{jobs: []*model.Job{testJob(model.JobKindExport)}}
	completions := &stubCompletions{result: true}
	pub := newStubPublisher()

	unit := &stubUnit{
		kind: model.JobKindExport,
		run: func(_ context.Context, payload json.RawMessage, emit core.EmitFunc) (string, error) {
			require.JSONEq(t, `{"source":"orders"}`, string(payload))
			emit("chunk one")
			emit("chunk two")
			return "exports/42.ndjson", nil
		},
	}

	runner, err := NewRunner(RunnerOptions{
		Kind:        model.JobKindExport,
		Unit:        unit,
		Channel:     pub,
		JobsRepo:    repo,
		Completions: completions,
		Lease:       2 * time.Second,
	})
	require.NoError(t, err)

	runUntilTerminal(t, runner, pub)

	events := pub.published()
	require.Len(t, events, 3)
	assert.Equal(t, model.EventPartial, events[0].Kind)
	assert.Equal(t, "chunk one", events[0].Message)
	assert.Equal(t, model.EventPartial, events[1].Kind)
	assert.Equal(t, "chunk two", events[1].Message)
	assert.Equal(t, model.EventTerminal, events[2].Kind)
	assert.Equal(t, "exports/42.ndjson", events[2].ResultRef)
	assert.Empty(t, events[2].Error)

	marked := completions.markedParams()
	require.Len(t, marked, 1)
	assert.Equal(t, "tenant-a/export/42", marked[0].LogicalKey)
	require.NotNil(t, marked[0].ResultRef)
	assert.Equal(t, "exports/42.ndjson", *marked[0].ResultRef)
	assert.Nil(t, marked[0].FailureMsg)

	assert.Equal(t, []string{"job-1"}, repo.completedIDs())
	assert.Empty(t, repo.failedIDs())
}

func TestRunnerSkipsDuplicateTerminalWhenAlreadyNotified(t *testing.T) {
	repo := &stubJobRepo{jobs: []*model.Job{testJob(model.JobKindExport)}}
	completions := &stubCompletions{result: false} // another delivery won the CAS
	pub := newStubPublisher()

	unit := &stubUnit{
		kind: model.JobKindExport,
		run: func(context.Context, json.RawMessage, core.EmitFunc) (string, error) {
			return "exports/42.ndjson", nil
		},
	}

	runner, err := NewRunner(RunnerOptions{
		Kind:        model.JobKindExport,
		Unit:        unit,
		Channel:     pub,
		JobsRepo:    repo,
		Completions: completions,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(repo.completedIDs()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	for _, event := range pub.published() {
		assert.NotEqual(t, model.EventTerminal, event.Kind)
	}
}

func TestRunnerExhaustedRetriesPublishTerminalError(t *testing.T) {
	repo := &stubJobRepo{
		jobs:    []*model.Job{testJob(model.JobKindEmbedding)},
		failRes: true,
	}
	completions := &stubCompletions{result: true}
	pub := newStubPublisher()

	unit := &stubUnit{
		kind: model.JobKindEmbedding,
		run: func(context.Context, json.RawMessage, core.EmitFunc) (string, error) {
			return "", errors.New("upstream rejected batch")
		},
	}

	runner, err := NewRunner(RunnerOptions{
		Kind:        model.JobKindEmbedding,
		Unit:        unit,
		Channel:     pub,
		JobsRepo:    repo,
		Completions: completions,
	})
	require.NoError(t, err)

	runUntilTerminal(t, runner, pub)

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventTerminal, events[0].Kind)
	assert.Equal(t, "upstream rejected batch", events[0].Error)
	assert.Empty(t, events[0].ResultRef)

	marked := completions.markedParams()
	require.Len(t, marked, 1)
	require.NotNil(t, marked[0].FailureMsg)
	assert.Equal(t, "upstream rejected batch", *marked[0].FailureMsg)
	assert.Nil(t, marked[0].ResultRef)

	assert.Equal(t, []string{"job-1"}, repo.failedIDs())
	assert.Empty(t, repo.completedIDs())
}

// stubFailureNotifier records terminal failure payloads.
type stubFailureNotifier struct {
	mu       sync.Mutex
	payloads []notify.JobFailurePayload
}

func (s *stubFailureNotifier) NotifyJobFailure(_ context.Context, payload notify.JobFailurePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
}

func (s *stubFailureNotifier) Enabled() bool { return true }

func (s *stubFailureNotifier) notified() []notify.JobFailurePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.JobFailurePayload(nil), s.payloads...)
}

func TestRunnerExhaustedRetriesAlertOperators(t *testing.T) {
	repo := &stubJobRepo{
		jobs:    []*model.Job{testJob(model.JobKindExport)},
		failRes: true,
	}
	completions := &stubCompletions{result: true}
	pub := newStubPublisher()
	notifier := &stubFailureNotifier{}

	unit := &stubUnit{
		kind: model.JobKindExport,
		run: func(context.Context, json.RawMessage, core.EmitFunc) (string, error) {
			return "", errors.New("disk full")
		},
	}

	runner, err := NewRunner(RunnerOptions{
		Kind:            model.JobKindExport,
		Unit:            unit,
		Channel:         pub,
		JobsRepo:        repo,
		Completions:     completions,
		FailureNotifier: notifier,
	})
	require.NoError(t, err)

	runUntilTerminal(t, runner, pub)

	require.Eventually(t, func() bool {
		return len(notifier.notified()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	payload := notifier.notified()[0]
	assert.Equal(t, "job-1", payload.JobID)
	assert.Equal(t, "export", payload.JobKind)
	assert.Equal(t, "tenant-a/export/42", payload.LogicalKey)
	assert.Equal(t, "disk full", payload.Error)
	assert.False(t, payload.OccurredAt.IsZero())
}

func TestRunnerRetriesRemainingPublishesNothingTerminal(t *testing.T) {
	repo := &stubJobRepo{
		jobs:    []*model.Job{testJob(model.JobKindEvaluation)},
		failRes: false, // queue will redeliver
	}
	completions := &stubCompletions{result: true}
	pub := newStubPublisher()

	unit := &stubUnit{
		kind: model.JobKindEvaluation,
		run: func(context.Context, json.RawMessage, core.EmitFunc) (string, error) {
			return "", errors.New("transient timeout")
		},
	}

	runner, err := NewRunner(RunnerOptions{
		Kind:        model.JobKindEvaluation,
		Unit:        unit,
		Channel:     pub,
		JobsRepo:    repo,
		Completions: completions,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(repo.failedIDs()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.Empty(t, completions.markedParams())
	for _, event := range pub.published() {
		assert.NotEqual(t, model.EventTerminal, event.Kind)
	}
}

func TestNewRunnerValidation(t *testing.T) {
	repo := &stubJobRepo{}
	completions := &stubCompletions{}
	pub := newStubPublisher()
	unit := &stubUnit{kind: model.JobKindExport}

	t.Run("missing unit", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{
			Kind:        model.JobKindExport,
			Channel:     pub,
			JobsRepo:    repo,
			Completions: completions,
		})
		require.ErrorContains(t, err, "work unit")
	})

	t.Run("kind mismatch", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{
			Kind:        model.JobKindEmbedding,
			Unit:        unit,
			Channel:     pub,
			JobsRepo:    repo,
			Completions: completions,
		})
		require.ErrorContains(t, err, "configured for")
	})

	t.Run("missing channel", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{
			Kind:        model.JobKindExport,
			Unit:        unit,
			JobsRepo:    repo,
			Completions: completions,
		})
		require.ErrorContains(t, err, "notification channel")
	})

	t.Run("missing backends", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{
			Kind:    model.JobKindExport,
			Unit:    unit,
			Channel: pub,
		})
		require.ErrorContains(t, err, "DB")
	})
}
