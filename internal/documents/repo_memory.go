package documents

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory implementation of Repo, seeded via Put.
type MemoryRepo struct {
	mu   sync.RWMutex
	data map[int64]Document
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		data: make(map[int64]Document),
	}
}

// Put stores or replaces a document.
func (r *MemoryRepo) Put(doc Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[doc.ID] = doc
}

// GetByID returns a document by ID.
func (r *MemoryRepo) GetByID(ctx context.Context, documentID int64) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.data[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

var _ Repo = (*MemoryRepo)(nil)
