package ingestion

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores ingestion statuses in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]IngestionStatus
	byDoc  map[int64][]int64
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:  make(map[int64]IngestionStatus),
		byDoc: make(map[int64][]int64),
	}
}

// Create assigns an ID and stores the row.
func (r *MemoryRepo) Create(ctx context.Context, st IngestionStatus) (IngestionStatus, error) {
	if err := ctx.Err(); err != nil {
		return IngestionStatus{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	st = copyStatus(st)
	st.ID = r.nextID
	r.byID[st.ID] = st
	r.byDoc[st.DocumentID] = append(r.byDoc[st.DocumentID], st.ID)
	return copyStatus(st), nil
}

// GetByID returns a row by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, id int64) (IngestionStatus, error) {
	if err := ctx.Err(); err != nil {
		return IngestionStatus{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.byID[id]
	if !ok {
		return IngestionStatus{}, ErrNotFound
	}
	return copyStatus(st), nil
}

// GetLatestByDocument returns the most recently created row for a document.
func (r *MemoryRepo) GetLatestByDocument(ctx context.Context, documentID int64) (IngestionStatus, error) {
	items, err := r.ListByDocument(ctx, documentID)
	if err != nil {
		return IngestionStatus{}, err
	}
	if len(items) == 0 {
		return IngestionStatus{}, ErrNotFound
	}
	return items[0], nil
}

// ListByDocument returns every row for a document, newest first.
func (r *MemoryRepo) ListByDocument(ctx context.Context, documentID int64) ([]IngestionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	ids := r.byDoc[documentID]
	items := make([]IngestionStatus, 0, len(ids))
	for _, id := range ids {
		items = append(items, copyStatus(r.byID[id]))
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}

// ListActive returns PENDING, PROCESSING and retryable FAILED rows, oldest update first.
func (r *MemoryRepo) ListActive(ctx context.Context, maxRetries, limit int) ([]IngestionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	items := make([]IngestionStatus, 0)
	for _, st := range r.byID {
		if isTerminal(st, maxRetries) {
			continue
		}
		items = append(items, copyStatus(st))
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.Before(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Update replaces the row if its UpdatedAt matches expectedUpdatedAt.
func (r *MemoryRepo) Update(ctx context.Context, next IngestionStatus, expectedUpdatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byID[next.ID]
	if !ok {
		return ErrNotFound
	}
	if !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return ErrConflict
	}
	current.State = next.State
	current.Error = next.Error
	current.Metadata = next.Metadata.clone()
	current.UpdatedAt = next.UpdatedAt
	r.byID[next.ID] = current
	return nil
}

func copyStatus(st IngestionStatus) IngestionStatus {
	st.Metadata = st.Metadata.clone()
	if st.Error != nil {
		msg := *st.Error
		st.Error = &msg
	}
	return st
}

var _ Repo = (*MemoryRepo)(nil)
