package ingestion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const statusColumns = `id, document_id, state, error, metadata, started_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// Create inserts a row and returns it with the generated ID.
func (r *PGRepo) Create(ctx context.Context, st IngestionStatus) (IngestionStatus, error) {
	const query = `
INSERT INTO ingestion_statuses (document_id, state, error, metadata, started_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`
	payload, err := json.Marshal(st.Metadata)
	if err != nil {
		return IngestionStatus{}, fmt.Errorf("encode metadata: %w", err)
	}
	if err := r.DB.QueryRowContext(ctx, query,
		st.DocumentID,
		string(st.State),
		nullString(st.Error),
		payload,
		st.StartedAt,
		st.CreatedAt,
		st.UpdatedAt,
	).Scan(&st.ID); err != nil {
		return IngestionStatus{}, err
	}
	return st, nil
}

// GetByID returns a row by its ID.
func (r *PGRepo) GetByID(ctx context.Context, id int64) (IngestionStatus, error) {
	query := `SELECT ` + statusColumns + `
FROM ingestion_statuses
WHERE id = $1
LIMIT 1`
	st, err := scanStatus(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return IngestionStatus{}, ErrNotFound
	}
	return st, err
}

// GetLatestByDocument returns the most recently created row for a document.
func (r *PGRepo) GetLatestByDocument(ctx context.Context, documentID int64) (IngestionStatus, error) {
	query := `SELECT ` + statusColumns + `
FROM ingestion_statuses
WHERE document_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1`
	st, err := scanStatus(r.DB.QueryRowContext(ctx, query, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return IngestionStatus{}, ErrNotFound
	}
	return st, err
}

// ListByDocument returns every row for a document, newest first.
func (r *PGRepo) ListByDocument(ctx context.Context, documentID int64) ([]IngestionStatus, error) {
	query := `SELECT ` + statusColumns + `
FROM ingestion_statuses
WHERE document_id = $1
ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	return collectStatuses(rows)
}

// ListActive returns rows that can still transition automatically, oldest update first.
func (r *PGRepo) ListActive(ctx context.Context, maxRetries, limit int) ([]IngestionStatus, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + statusColumns + `
FROM ingestion_statuses
WHERE state IN ('PENDING', 'PROCESSING')
   OR (state = 'FAILED' AND COALESCE((metadata->>'retryCount')::int, 0) < $1)
ORDER BY updated_at ASC, id ASC
LIMIT $2`
	rows, err := r.DB.QueryContext(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	return collectStatuses(rows)
}

// Update writes state, error, metadata and updated_at guarded by the previous updated_at.
func (r *PGRepo) Update(ctx context.Context, next IngestionStatus, expectedUpdatedAt time.Time) error {
	const query = `
UPDATE ingestion_statuses
SET state = $2, error = $3, metadata = $4, updated_at = $5
WHERE id = $1 AND updated_at = $6`
	payload, err := json.Marshal(next.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, query,
		next.ID,
		string(next.State),
		nullString(next.Error),
		payload,
		next.UpdatedAt,
		expectedUpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ingestion update rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ingestion_statuses WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func collectStatuses(rows *sql.Rows) ([]IngestionStatus, error) {
	defer rows.Close()
	var items []IngestionStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanStatus(row rowScanner) (IngestionStatus, error) {
	var st IngestionStatus
	var state string
	var errMsg sql.NullString
	var metadata []byte
	if err := row.Scan(
		&st.ID,
		&st.DocumentID,
		&state,
		&errMsg,
		&metadata,
		&st.StartedAt,
		&st.CreatedAt,
		&st.UpdatedAt,
	); err != nil {
		return IngestionStatus{}, err
	}
	st.State = State(state)
	if errMsg.Valid {
		msg := errMsg.String
		st.Error = &msg
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &st.Metadata); err != nil {
			return IngestionStatus{}, fmt.Errorf("decode metadata for ingestion %d: %w", st.ID, err)
		}
	}
	return st, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

var _ Repo = (*PGRepo)(nil)
