package documents

import "context"

// Repo is the read-only document lookup consumed by ingestion.
type Repo interface {
	GetByID(ctx context.Context, documentID int64) (Document, error)
}
