package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
	"github.com/parleyhq/dispatch-api/internal/testutil"
)

const testLeaseSeconds = 60

func TestJobRepo_Create(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	tests := []struct {
		name    string
		params  core.CreateJobParams
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid job creation",
			params: core.CreateJobParams{
				LogicalKey: "report-1",
				Kind:       model.JobKindExport,
				Payload:    json.RawMessage(`{"format": "csv"}`),
			},
		},
		{
			name: "explicit max retries",
			params: core.CreateJobParams{
				LogicalKey: "report-2",
				Kind:       model.JobKindEmbedding,
				Payload:    json.RawMessage(`{"input": "hello"}`),
				MaxRetries: 5,
			},
		},
		{
			name: "missing logical key",
			params: core.CreateJobParams{
				Kind:    model.JobKindExport,
				Payload: json.RawMessage(`{"test": true}`),
			},
			wantErr: true,
			errMsg:  "logical key is required",
		},
		{
			name: "invalid kind",
			params: core.CreateJobParams{
				LogicalKey: "report-3",
				Kind:       "transcode",
				Payload:    json.RawMessage(`{"test": true}`),
			},
			wantErr: true,
			errMsg:  "invalid job kind",
		},
		{
			name: "empty payload",
			params: core.CreateJobParams{
				LogicalKey: "report-4",
				Kind:       model.JobKindExport,
			},
			wantErr: true,
			errMsg:  "payload is required",
		},
		{
			name: "negative max retries",
			params: core.CreateJobParams{
				LogicalKey: "report-5",
				Kind:       model.JobKindExport,
				Payload:    json.RawMessage(`{"test": true}`),
				MaxRetries: -1,
			},
			wantErr: true,
			errMsg:  "max retries must be >= 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.WithAutoDB(t, func(db *sql.DB) {
				repo := NewJobRepo(db, RepoConfig{})

				job, err := repo.Create(context.Background(), tt.params)

				if tt.wantErr {
					require.Error(t, err)
					assert.Contains(t, err.Error(), tt.errMsg)
					assert.Nil(t, job)
					return
				}

				require.NoError(t, err)
				require.NotNil(t, job)

				assert.NotEmpty(t, job.ID)
				assert.Equal(t, tt.params.LogicalKey, job.LogicalKey)
				assert.Equal(t, tt.params.Kind, job.Kind)
				assert.Equal(t, model.JobStatusPending, job.Status)
				assert.JSONEq(t, string(tt.params.Payload), string(job.Payload))
				assert.Equal(t, 0, job.RetryCount)
				assert.NotZero(t, job.CreatedAt)
				assert.NotZero(t, job.UpdatedAt)

				if tt.params.MaxRetries > 0 {
					assert.Equal(t, tt.params.MaxRetries, job.MaxRetries)
				} else {
					assert.Equal(t, defaultMaxRetries, job.MaxRetries)
				}
			})
		})
	}
}

func TestJobRepo_GetByID(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		created, err := repo.Create(ctx, core.CreateJobParams{
			LogicalKey: "lookup-1",
			Kind:       model.JobKindExport,
			Payload:    json.RawMessage(`{"format": "csv"}`),
		})
		require.NoError(t, err)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, created.LogicalKey, got.LogicalKey)

		_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_ReserveNext(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		// Empty queue yields no jobs.
		_, err := repo.ReserveNext(ctx, model.JobKindExport, testLeaseSeconds)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)

		first, err := repo.Create(ctx, core.CreateJobParams{
			LogicalKey: "order-a",
			Kind:       model.JobKindExport,
			Payload:    json.RawMessage(`{"n": 1}`),
		})
		require.NoError(t, err)

		_, err = repo.Create(ctx, core.CreateJobParams{
			LogicalKey: "order-b",
			Kind:       model.JobKindExport,
			Payload:    json.RawMessage(`{"n": 2}`),
		})
		require.NoError(t, err)

		// Oldest pending job is reserved first.
		reserved, err := repo.ReserveNext(ctx, model.JobKindExport, testLeaseSeconds)
		require.NoError(t, err)
		assert.Equal(t, first.ID, reserved.ID)
		assert.Equal(t, model.JobStatusRunning, reserved.Status)
		require.NotNil(t, reserved.LeaseExpiresAt)
		require.NotNil(t, reserved.StartedAt)

		// Kinds are isolated from each other.
		_, err = repo.ReserveNext(ctx, model.JobKindEmbedding, testLeaseSeconds)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestJobRepo_ReserveNext_SerializesPerLogicalKey(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		for i := range 2 {
			_, err := repo.Create(ctx, core.CreateJobParams{
				LogicalKey: "shared-key",
				Kind:       model.JobKindExport,
				Payload:    json.RawMessage(fmt.Sprintf(`{"n": %d}`, i)),
			})
			require.NoError(t, err)
		}

		first, err := repo.ReserveNext(ctx, model.JobKindExport, testLeaseSeconds)
		require.NoError(t, err)

		// The second job shares the logical key with a running job and must
		// stay unreservable until the first finishes.
		_, err = repo.ReserveNext(ctx, model.JobKindExport, testLeaseSeconds)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)

		done, err := repo.Complete(ctx, first.ID)
		require.NoError(t, err)
		require.True(t, done)

		second, err := repo.ReserveNext(ctx, model.JobKindExport, testLeaseSeconds)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, "shared-key", second.LogicalKey)
	})
}

func TestJobRepo_ReserveNext_RequeuesExpiredLeases(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		tp := testutil.NewTestTimeProvider(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{TimeProvider: tp})
		ctx := context.Background()

		created, err := repo.Create(ctx, core.CreateJobParams{
			LogicalKey: "lease-1",
			Kind:       model.JobKindExport,
			Payload:    json.RawMessage(`{"n": 1}`),
		})
		require.NoError(t, err)

		reserved, err := repo.ReserveNext(ctx, model.JobKindExport, 30)
		require.NoError(t, err)
		require.Equal(t, created.ID, reserved.ID)

		// Past the lease, the job is requeued and handed out again.
		tp.AddTime(time.Minute)

		again, err := repo.ReserveNext(ctx, model.JobKindExport, 30)
		require.NoError(t, err)
		assert.Equal(t, created.ID, again.ID)
		assert.Equal(t, model.JobStatusRunning, again.Status)
	})
}

func TestJobRepo_Heartbeat(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		created, err := repo.Create(ctx, core.CreateJobParams{
			LogicalKey: "hb-1",
			Kind:       model.JobKindExport,
			Payload:    json.RawMessage(`{"n": 1}`),
		})
		require.NoError(t, err)

		// Pending jobs cannot heartbeat.
		ok, err := repo.Heartbeat(ctx, created.ID, testLeaseSeconds)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = repo.ReserveNext(ctx, model.JobKindExport, testLeaseSeconds)
		require.NoError(t, err)

		ok, err = repo.Heartbeat(ctx, created.ID, testLeaseSeconds)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = repo.Heartbeat(ctx, created.ID, 0)
		require.Error(t, err)
	})
}

func TestJobRepo_Complete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		created, err := repo.Create(ctx, core.CreateJobParams{
			LogicalKey: "done-1",
			Kind:       model.JobKindExport,
			Payload:    json.RawMessage(`{"n": 1}`),
		})
		require.NoError(t, err)

		_, err = repo.ReserveNext(ctx, model.JobKindExport, testLeaseSeconds)
		require.NoError(t, err)

		done, err := repo.Complete(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, done)

		// Completing twice is a no-op.
		done, err = repo.Complete(ctx, created.ID)
		require.NoError(t, err)
		assert.False(t, done)

		job, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		require.NotNil(t, job.CompletedAt)
		assert.Nil(t, job.LeaseExpiresAt)
	})
}

func TestJobRepo_Fail(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		tp := testutil.NewTestTimeProvider(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{TimeProvider: tp, RetryDelaySeconds: 10})
		ctx := context.Background()

		created, err := repo.Create(ctx, core.CreateJobParams{
			LogicalKey: "flaky-1",
			Kind:       model.JobKindExport,
			Payload:    json.RawMessage(`{"n": 1}`),
			MaxRetries: 2,
		})
		require.NoError(t, err)

		_, err = repo.ReserveNext(ctx, model.JobKindExport, testLeaseSeconds)
		require.NoError(t, err)

		// First failure leaves a retry.
		exhausted, err := repo.Fail(ctx, created.ID, "boom")
		require.NoError(t, err)
		assert.False(t, exhausted)

		job, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, job.Status)
		assert.Equal(t, 1, job.RetryCount)
		require.NotNil(t, job.LastError)
		assert.Equal(t, "boom", *job.LastError)

		// The retry is delayed; it only becomes reservable after the delay.
		_, err = repo.ReserveNext(ctx, model.JobKindExport, testLeaseSeconds)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)

		tp.AddTime(15 * time.Second)

		_, err = repo.ReserveNext(ctx, model.JobKindExport, testLeaseSeconds)
		require.NoError(t, err)

		// Second failure exhausts the retries.
		exhausted, err = repo.Fail(ctx, created.ID, "boom again")
		require.NoError(t, err)
		assert.True(t, exhausted)

		job, err = repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, job.Status)
		require.NotNil(t, job.CompletedAt)

		// Failing a job that is no longer running reports nothing to do.
		exhausted, err = repo.Fail(ctx, created.ID, "late")
		require.NoError(t, err)
		assert.False(t, exhausted)
	})
}

func TestJobRepo_Stats(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		keys := []string{"stat-a", "stat-b", "stat-c"}
		for _, key := range keys {
			_, err := repo.Create(ctx, core.CreateJobParams{
				LogicalKey: key,
				Kind:       model.JobKindExport,
				Payload:    json.RawMessage(`{"n": 1}`),
			})
			require.NoError(t, err)
		}

		_, err := repo.ReserveNext(ctx, model.JobKindExport, testLeaseSeconds)
		require.NoError(t, err)

		completed, err := repo.ReserveNext(ctx, model.JobKindExport, testLeaseSeconds)
		require.NoError(t, err)
		_, err = repo.Complete(ctx, completed.ID)
		require.NoError(t, err)

		stats, err := repo.Stats(ctx, model.JobKindExport)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Pending)
		assert.Equal(t, 1, stats.Running)
		assert.Equal(t, 1, stats.Completed)
		assert.Equal(t, 0, stats.Failed)

		// The export jobs do not leak into other kinds.
		other, err := repo.Stats(ctx, model.JobKindEmbedding)
		require.NoError(t, err)
		assert.Equal(t, &model.JobStats{}, other)
	})
}

func TestJobRepo_Delete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		pending, err := repo.Create(ctx, core.CreateJobParams{
			LogicalKey: "del-pending",
			Kind:       model.JobKindExport,
			Payload:    json.RawMessage(`{"n": 1}`),
		})
		require.NoError(t, err)

		running, err := repo.Create(ctx, core.CreateJobParams{
			LogicalKey: "del-running",
			Kind:       model.JobKindEvaluation,
			Payload:    json.RawMessage(`{"n": 2}`),
		})
		require.NoError(t, err)
		_, err = repo.ReserveNext(ctx, model.JobKindEvaluation, testLeaseSeconds)
		require.NoError(t, err)

		require.NoError(t, repo.Delete(ctx, pending.ID))
		_, err = repo.GetByID(ctx, pending.ID)
		require.ErrorIs(t, err, ErrJobNotFound)

		// Running jobs with a live lease are protected.
		err = repo.Delete(ctx, running.ID)
		require.Error(t, err)

		err = repo.Delete(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}
