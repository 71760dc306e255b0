package analyses

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PGRepo implements Ledger using Postgres.
type PGRepo struct {
	DB  *sql.DB
	Now func() time.Time
}

const analysisColumns = `id, owner_id, status, video_key, video_file_name, video_content_type, video_size_bytes,
       intake, result, error_code, error_message, created_at, updated_at, started_at, completed_at`

const pgUniqueViolation = "23505"

// Create inserts a new pending analysis.
func (r *PGRepo) Create(ctx context.Context, analysis Analysis) (Analysis, error) {
	created, err := prepareCreate(analysis, r.now())
	if err != nil {
		return Analysis{}, err
	}
	intake, err := json.Marshal(created.Intake)
	if err != nil {
		return Analysis{}, fmt.Errorf("marshal intake: %w", err)
	}

	const query = `
INSERT INTO analyses (
	id, owner_id, status, video_key, video_file_name, video_content_type, video_size_bytes,
	intake, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.DB.ExecContext(ctx, query,
		created.ID,
		created.OwnerID,
		string(created.Status),
		created.VideoKey,
		created.VideoFileName,
		created.VideoContentType,
		created.VideoSizeBytes,
		intake,
		created.CreatedAt,
		created.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Analysis{}, ErrDuplicateID
		}
		return Analysis{}, err
	}
	return created, nil
}

// Transition applies a compare-and-set update keyed on the expected current status.
func (r *PGRepo) Transition(ctx context.Context, analysisID string, next Status, outcome Outcome) (Analysis, error) {
	const query = `
UPDATE analyses
SET status = $1, result = $2, error_code = $3, error_message = $4,
    updated_at = $5, started_at = $6, completed_at = $7
WHERE id = $8 AND status = $9`

	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := r.GetByID(ctx, analysisID)
		if err != nil {
			return Analysis{}, err
		}
		updated, err := applyTransition(current, next, outcome, r.now())
		if err != nil {
			return Analysis{}, err
		}
		result, err := marshalResult(updated.Result)
		if err != nil {
			return Analysis{}, err
		}
		var errorCode, errorMessage sql.NullString
		if updated.Failure != nil {
			errorCode = sql.NullString{String: updated.Failure.Code, Valid: true}
			errorMessage = sql.NullString{String: updated.Failure.Message, Valid: true}
		}

		res, err := r.DB.ExecContext(ctx, query,
			string(updated.Status),
			result,
			errorCode,
			errorMessage,
			updated.UpdatedAt,
			nullTime(updated.StartedAt),
			nullTime(updated.CompletedAt),
			analysisID,
			string(current.Status),
		)
		if err != nil {
			return Analysis{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Analysis{}, err
		}
		if n == 1 {
			return updated, nil
		}
	}
	latest, err := r.GetByID(ctx, analysisID)
	if err != nil {
		return Analysis{}, err
	}
	return Analysis{}, &InvalidTransitionError{ID: analysisID, From: latest.Status, To: next}
}

// GetByID returns an analysis by ID.
func (r *PGRepo) GetByID(ctx context.Context, analysisID string) (Analysis, error) {
	query := `SELECT ` + analysisColumns + `
FROM analyses
WHERE id = $1
LIMIT 1`
	a, err := scanAnalysis(r.DB.QueryRowContext(ctx, query, analysisID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Analysis{}, ErrNotFound
		}
		return Analysis{}, err
	}
	return a, nil
}

// ListByOwner lists analyses for an owner ordered newest-first.
func (r *PGRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Analysis, error) {
	limit, offset = clampList(limit, offset)
	query := `SELECT ` + analysisColumns + `
FROM analyses
WHERE owner_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`
	return r.queryAll(ctx, query, ownerID, limit, offset)
}

// ListStale lists analyses in status not updated since before, oldest first.
func (r *PGRepo) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Analysis, error) {
	query := `SELECT ` + analysisColumns + `
FROM analyses
WHERE status = $1 AND updated_at < $2
ORDER BY updated_at ASC
LIMIT $3`
	return r.queryAll(ctx, query, string(status), before.UTC(), clampStale(limit))
}

func (r *PGRepo) queryAll(ctx context.Context, query string, args ...any) ([]Analysis, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Analysis{}
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PGRepo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (Analysis, error) {
	var a Analysis
	var status string
	var intake []byte
	var result []byte
	var errorCode sql.NullString
	var errorMessage sql.NullString
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	err := row.Scan(
		&a.ID,
		&a.OwnerID,
		&status,
		&a.VideoKey,
		&a.VideoFileName,
		&a.VideoContentType,
		&a.VideoSizeBytes,
		&intake,
		&result,
		&errorCode,
		&errorMessage,
		&a.CreatedAt,
		&a.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return Analysis{}, err
	}
	a.Status = Status(status)
	if len(intake) > 0 {
		if err := json.Unmarshal(intake, &a.Intake); err != nil {
			return Analysis{}, fmt.Errorf("decode intake id=%s: %w", a.ID, err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &a.Result); err != nil {
			return Analysis{}, fmt.Errorf("decode result id=%s: %w", a.ID, err)
		}
	}
	if errorCode.Valid {
		a.Failure = &Failure{Code: errorCode.String, Message: errorMessage.String}
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		a.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		a.CompletedAt = &t
	}
	return a, nil
}

// marshalResult returns nil for a missing result so the driver writes NULL.
func marshalResult(result map[string]any) (any, error) {
	if result == nil {
		return nil, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return raw, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Ledger = (*PGRepo)(nil)
