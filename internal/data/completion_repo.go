package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
)

// ErrCompletionInFlight is returned when deleting a record whose work has not
// finished yet.
var ErrCompletionInFlight = errors.New("completion record is still in flight")

// CompletionRepo provides database operations for completion records. Every
// mutation is a single conditional statement so concurrent dispatchers and
// workers coordinate through the database alone.
type CompletionRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// CompletionRepoConfig holds configuration options for the completion repository.
type CompletionRepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// NewCompletionRepo creates a new CompletionRepo instance.
func NewCompletionRepo(db *sql.DB, cfg CompletionRepoConfig) *CompletionRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &CompletionRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const completionColumns = `
  logical_key,
  notified,
  result_ref,
  last_error,
  created_at,
  updated_at
`

// CreateIfAbsent inserts a record for the key. The ON CONFLICT DO NOTHING
// form makes duplicate detection and insertion a single atomic statement, so
// two racing submissions can never both see "absent". Returns created=false
// without error when a record already exists, whatever its notified state.
func (r *CompletionRepo) CreateIfAbsent(ctx context.Context, logicalKey string) (bool, error) {
	if logicalKey == "" {
		return false, errors.New("logical key is required")
	}

	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO completions (logical_key, notified, created_at, updated_at)
		VALUES ($1, false, $2, $2)
		ON CONFLICT (logical_key) DO NOTHING
	`, logicalKey, currentTime)
	if err != nil {
		// A concurrent insert can still surface as a unique violation under
		// some isolation settings; treat it the same as the conflict path.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("insert completion record: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert completion rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Get retrieves the record for a logical key, or nil when absent.
func (r *CompletionRepo) Get(ctx context.Context, logicalKey string) (*model.CompletionRecord, error) {
	if logicalKey == "" {
		return nil, errors.New("logical key is required")
	}

	row := r.DB.QueryRowContext(ctx, `
		SELECT `+completionColumns+`
		FROM completions
		WHERE logical_key = $1
	`, logicalKey)

	rec := &model.CompletionRecord{}
	var resultRef, lastError sql.NullString
	err := row.Scan(
		&rec.LogicalKey,
		&rec.Notified,
		&resultRef,
		&lastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get completion record: %w", err)
	}

	rec.ResultRef = cloneNullableString(resultRef)
	rec.LastError = cloneNullableString(lastError)
	return rec, nil
}

// MarkNotified flips notified for an in-flight record via a compare-and-set
// on the notified column. Returns false when the record is missing or was
// already notified, which keeps the operation idempotent across redelivery.
func (r *CompletionRepo) MarkNotified(ctx context.Context, params core.MarkNotifiedParams) (bool, error) {
	if params.LogicalKey == "" {
		return false, errors.New("logical key is required")
	}
	if params.ResultRef != nil && params.FailureMsg != nil {
		return false, errors.New("result ref and failure message are mutually exclusive")
	}

	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE completions
		SET notified = true,
		    result_ref = $2,
		    last_error = $3,
		    updated_at = $4
		WHERE logical_key = $1 AND notified = false
	`, params.LogicalKey, params.ResultRef, params.FailureMsg, currentTime)
	if err != nil {
		return false, fmt.Errorf("mark completion notified: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notified rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Delete removes the record, releasing the key for future submissions.
// Returns false when no record existed.
func (r *CompletionRepo) Delete(ctx context.Context, logicalKey string) (bool, error) {
	if logicalKey == "" {
		return false, errors.New("logical key is required")
	}

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM completions
		WHERE logical_key = $1
	`, logicalKey)
	if err != nil {
		return false, fmt.Errorf("delete completion record: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete completion rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// DeleteNotified removes the record only once its work has finished. Used by
// the cleanup operation, which must not release a key that is still in flight.
func (r *CompletionRepo) DeleteNotified(ctx context.Context, logicalKey string) (bool, error) {
	if logicalKey == "" {
		return false, errors.New("logical key is required")
	}

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM completions
		WHERE logical_key = $1 AND notified = true
	`, logicalKey)
	if err != nil {
		return false, fmt.Errorf("delete notified completion record: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete notified rows affected: %w", err)
	}

	if rowsAffected > 0 {
		return true, nil
	}

	// Distinguish absent from in-flight for the caller.
	rec, err := r.Get(ctx, logicalKey)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return false, ErrCompletionInFlight
}
