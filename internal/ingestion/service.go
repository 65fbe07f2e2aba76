package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"docflow-backend/internal/shared/metrics"
	"docflow-backend/internal/shared/telemetry"
)

const (
	DefaultMaxRetries = 3
	maxUpdateAttempts = 5
)

// DocumentLookup resolves the read-only document view. Implementations return
// ErrDocumentNotFound for unknown ids.
type DocumentLookup interface {
	GetDocument(ctx context.Context, documentID int64) (DocumentRef, error)
}

// Service orchestrates ingestion: trigger, reconcile on read, accept pushed updates.
type Service struct {
	Repo       Repo
	Docs       DocumentLookup
	// Dispatcher is required for Trigger; retries are only persisted without it.
	Dispatcher Dispatcher
	// Worker answers status queries. When nil, reads rely on webhooks alone.
	Worker     WorkerClient
	MaxRetries int
	Now        func() time.Time
}

// Trigger creates a PENDING ingestion for the document and hands it to the worker.
// On an HTTP hand-off failure the created row is returned together with
// ErrServiceUnavailable; the row stays PENDING.
func (s *Service) Trigger(ctx context.Context, documentID int64) (IngestionStatus, error) {
	if documentID <= 0 {
		return IngestionStatus{}, fmt.Errorf("%w: documentId must be a positive integer", ErrValidation)
	}
	doc, err := s.Docs.GetDocument(ctx, documentID)
	if err != nil {
		return IngestionStatus{}, err
	}
	if s.Dispatcher == nil {
		return IngestionStatus{}, ErrNoDispatcher
	}

	now := s.now()
	st := IngestionStatus{
		DocumentID: doc.ID,
		State:      StatePending,
		Metadata: Metadata{
			RetryCount: 0,
			StartTime:  timePtr(now),
			Transport:  s.Dispatcher.Name(),
			FileName:   doc.FileName,
			FilePath:   doc.FilePath,
			MimeType:   doc.MimeType,
			Size:       doc.Size,
		},
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := s.Repo.Create(ctx, st)
	if err != nil {
		return IngestionStatus{}, fmt.Errorf("create ingestion status: %w", err)
	}
	metrics.IncIngestionTriggered()
	telemetry.Info("ingestion triggered", map[string]any{
		"requestId":   requestIDFromContext(ctx),
		"documentId":  created.DocumentID,
		"ingestionId": created.ID,
		"transport":   created.Metadata.Transport,
	})

	if err := s.Dispatcher.Dispatch(ctx, doc, created); err != nil {
		telemetry.Error("ingestion dispatch failed", map[string]any{
			"requestId":   requestIDFromContext(ctx),
			"documentId":  created.DocumentID,
			"ingestionId": created.ID,
			"error":       err,
		})
		return created, err
	}
	return created, nil
}

// GetStatus returns the latest ingestion for a document, reconciled with the
// worker unless the cached state is terminal. Worker failures fall back to the
// persisted row.
func (s *Service) GetStatus(ctx context.Context, documentID int64) (IngestionStatus, error) {
	if documentID <= 0 {
		return IngestionStatus{}, fmt.Errorf("%w: documentId must be a positive integer", ErrValidation)
	}
	current, err := s.Repo.GetLatestByDocument(ctx, documentID)
	if err != nil {
		return IngestionStatus{}, err
	}
	return s.reconcile(ctx, current)
}

// ApplyExternalUpdate applies a worker-pushed update to one ingestion. The retry
// policy is not applied here; a pushed FAILED is retried on the next read.
func (s *Service) ApplyExternalUpdate(ctx context.Context, ingestionID int64, update Update) (IngestionStatus, error) {
	if ingestionID <= 0 {
		return IngestionStatus{}, fmt.Errorf("%w: id must be a positive integer", ErrValidation)
	}
	if !update.State.Valid() {
		return IngestionStatus{}, fmt.Errorf("%w: unknown status %q", ErrValidation, update.State)
	}
	current, err := s.Repo.GetByID(ctx, ingestionID)
	if err != nil {
		return IngestionStatus{}, err
	}
	return s.mutate(ctx, current, func(st IngestionStatus, _ time.Time) (IngestionStatus, bool) {
		return ApplyTransition(st, update)
	})
}

// History lists every ingestion lineage of a document, newest first.
func (s *Service) History(ctx context.Context, documentID int64) ([]IngestionStatus, error) {
	if documentID <= 0 {
		return nil, fmt.Errorf("%w: documentId must be a positive integer", ErrValidation)
	}
	items, err := s.Repo.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items, nil
}

// ReconcileActive runs the read-path reconciliation over up to limit
// non-terminal rows with bounded concurrency and reports how many changed.
func (s *Service) ReconcileActive(ctx context.Context, limit, concurrency int) (int, error) {
	items, err := s.Repo.ListActive(ctx, s.maxRetries(), limit)
	if err != nil {
		return 0, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var changed atomic.Int64
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, st := range items {
		st := st
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			next, err := s.reconcile(ctx, st)
			if err != nil {
				telemetry.Warn("ingestion sweep reconcile failed", map[string]any{
					"ingestionId": st.ID,
					"documentId":  st.DocumentID,
					"error":       err,
				})
				return nil
			}
			if next.State != st.State || next.Metadata.RetryCount != st.Metadata.RetryCount {
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(changed.Load()), ctx.Err()
}

func (s *Service) reconcile(ctx context.Context, current IngestionStatus) (IngestionStatus, error) {
	maxRetries := s.maxRetries()
	if isTerminal(current, maxRetries) {
		return current, nil
	}

	// observed describes the row as it was when the worker was asked. Once
	// another writer moves the row on, the reply is stale and is dropped.
	var observed *Update
	observedAt := current.UpdatedAt
	if s.Worker != nil {
		metrics.IncWorkerCheck()
		update, err := s.Worker.Status(ctx, current.ID)
		if err != nil {
			metrics.IncWorkerCheckFailed()
			telemetry.Warn("ingestion worker status check failed", map[string]any{
				"requestId":   requestIDFromContext(ctx),
				"documentId":  current.DocumentID,
				"ingestionId": current.ID,
				"error":       err,
			})
		} else {
			observed = &update
		}
	}
	checkedAt := s.now()

	var retried, exhausted bool
	next, err := s.mutate(ctx, current, func(st IngestionStatus, now time.Time) (IngestionStatus, bool) {
		changed := false
		if observed != nil && st.UpdatedAt.Equal(observedAt) {
			st, _ = ApplyTransition(st, *observed)
			st.Metadata.LastChecked = timePtr(checkedAt)
			changed = true
		}
		var policyChanged bool
		st, retried, policyChanged = applyRetryPolicy(st, maxRetries, now)
		exhausted = policyChanged && !retried
		return st, changed || policyChanged
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			telemetry.Warn("ingestion reconcile gave up after conflicts", map[string]any{
				"ingestionId": current.ID,
				"attempts":    maxUpdateAttempts,
			})
			return s.Repo.GetByID(ctx, current.ID)
		}
		return IngestionStatus{}, err
	}

	if retried {
		metrics.IncIngestionRetry()
		telemetry.Info("ingestion retry scheduled", map[string]any{
			"requestId":   requestIDFromContext(ctx),
			"documentId":  next.DocumentID,
			"ingestionId": next.ID,
			"retryCount":  next.Metadata.RetryCount,
			"maxRetries":  maxRetries,
		})
		s.redispatch(ctx, next)
	}
	if exhausted {
		metrics.IncIngestionPermanentFailure()
		telemetry.Warn("ingestion failed permanently", map[string]any{
			"documentId":  next.DocumentID,
			"ingestionId": next.ID,
			"retryCount":  next.Metadata.RetryCount,
		})
	}
	return next, nil
}

// redispatch hands a retried row back to the worker. Failures leave the row
// PENDING for the next read or sweep.
func (s *Service) redispatch(ctx context.Context, st IngestionStatus) {
	if s.Dispatcher == nil {
		return
	}
	doc := DocumentRef{
		ID:       st.DocumentID,
		FileName: st.Metadata.FileName,
		FilePath: st.Metadata.FilePath,
		MimeType: st.Metadata.MimeType,
		Size:     st.Metadata.Size,
	}
	if err := s.Dispatcher.Dispatch(ctx, doc, st); err != nil {
		telemetry.Warn("ingestion retry dispatch failed", map[string]any{
			"documentId":  st.DocumentID,
			"ingestionId": st.ID,
			"error":       err,
		})
	}
}

// mutate applies fn to the freshest copy of the row and stores the result with
// a compare-and-swap on UpdatedAt, reloading and re-applying on conflict.
func (s *Service) mutate(ctx context.Context, current IngestionStatus, fn func(IngestionStatus, time.Time) (IngestionStatus, bool)) (IngestionStatus, error) {
	for attempt := 1; ; attempt++ {
		now := s.now()
		next, changed := fn(current, now)
		if !changed {
			return current, nil
		}
		next.UpdatedAt = nextUpdatedAt(current.UpdatedAt, now)

		err := s.Repo.Update(ctx, next, current.UpdatedAt)
		if err == nil {
			if next.State != current.State {
				metrics.IncIngestionTransition()
				telemetry.Info("ingestion status transition", map[string]any{
					"requestId":   requestIDFromContext(ctx),
					"documentId":  next.DocumentID,
					"ingestionId": next.ID,
					"from":        current.State,
					"to":          next.State,
					"retryCount":  next.Metadata.RetryCount,
				})
			}
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return IngestionStatus{}, err
		}
		metrics.IncIngestionConflict()
		if attempt >= maxUpdateAttempts {
			return IngestionStatus{}, fmt.Errorf("ingestion %d: %w", current.ID, err)
		}
		current, err = s.Repo.GetByID(ctx, current.ID)
		if err != nil {
			return IngestionStatus{}, err
		}
	}
}

// nextUpdatedAt keeps UpdatedAt strictly increasing so it always works as a
// concurrency token, even when two writes land in the same microsecond.
func nextUpdatedAt(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}

func (s *Service) now() time.Time {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().Truncate(time.Microsecond)
}

func (s *Service) maxRetries() int {
	if s.MaxRetries < 0 {
		return 0
	}
	return s.MaxRetries
}
