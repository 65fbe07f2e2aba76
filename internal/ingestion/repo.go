package ingestion

import (
	"context"
	"time"
)

// Repo persists ingestion status rows. Update is a compare-and-swap on UpdatedAt.
type Repo interface {
	Create(ctx context.Context, st IngestionStatus) (IngestionStatus, error)
	GetByID(ctx context.Context, id int64) (IngestionStatus, error)
	GetLatestByDocument(ctx context.Context, documentID int64) (IngestionStatus, error)
	ListByDocument(ctx context.Context, documentID int64) ([]IngestionStatus, error)
	// ListActive returns rows that can still transition automatically, least recently touched first.
	ListActive(ctx context.Context, maxRetries, limit int) ([]IngestionStatus, error)
	// Update stores next only if the row's UpdatedAt still equals expectedUpdatedAt.
	// It returns ErrConflict on a mismatch and ErrNotFound when the row is gone.
	Update(ctx context.Context, next IngestionStatus, expectedUpdatedAt time.Time) error
}
