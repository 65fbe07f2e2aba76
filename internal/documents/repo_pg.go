package documents

import (
	"context"
	"database/sql"
	"errors"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

// GetByID fetches a live document by ID.
func (r *PGRepo) GetByID(ctx context.Context, documentID int64) (Document, error) {
	const query = `
SELECT id, title, file_name, file_path, mime_type, size_bytes, created_at
FROM documents
WHERE id = $1 AND deleted_at IS NULL
LIMIT 1`
	var doc Document
	var title sql.NullString
	var mimeType sql.NullString
	err := r.DB.QueryRowContext(ctx, query, documentID).Scan(
		&doc.ID,
		&title,
		&doc.FileName,
		&doc.FilePath,
		&mimeType,
		&doc.SizeBytes,
		&doc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	if title.Valid {
		doc.Title = title.String
	}
	if mimeType.Valid {
		doc.MimeType = mimeType.String
	}
	return doc, nil
}

var _ Repo = (*PGRepo)(nil)
