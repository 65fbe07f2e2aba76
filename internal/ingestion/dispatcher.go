package ingestion

import (
	"context"
	"fmt"
	"time"

	"docflow-backend/internal/queue"
	"docflow-backend/internal/shared/metrics"
	"docflow-backend/internal/shared/telemetry"
)

const (
	TransportHTTP  = "http"
	TransportQueue = "queue"
)

// Dispatcher hands a freshly created ingestion to the worker. It returns an
// error only when the caller must see the failure.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, doc DocumentRef, st IngestionStatus) error
}

// HTTPTransport calls the worker synchronously. Any failure is ErrServiceUnavailable.
type HTTPTransport struct {
	Worker WorkerClient
}

func (t *HTTPTransport) Name() string { return TransportHTTP }

func (t *HTTPTransport) Dispatch(ctx context.Context, doc DocumentRef, st IngestionStatus) error {
	req := DispatchRequest{
		DocumentID:  doc.ID,
		IngestionID: st.ID,
		FilePath:    doc.FilePath,
		Metadata: DispatchMetadata{
			FileName: doc.FileName,
			MimeType: doc.MimeType,
			Size:     doc.Size,
		},
	}
	if err := t.Worker.Dispatch(ctx, req); err != nil {
		metrics.IncIngestionDispatchFailed()
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return nil
}

// QueueTransport publishes a durable message. Once the row exists the hand-off
// is fire-and-forget: publish failures are logged and left to the queue client.
type QueueTransport struct {
	Publisher queue.Client
	Now       func() time.Time
}

func (t *QueueTransport) Name() string { return TransportQueue }

func (t *QueueTransport) Dispatch(ctx context.Context, doc DocumentRef, st IngestionStatus) error {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	msg := queue.Message{
		DocumentID:  doc.ID,
		IngestionID: st.ID,
		RequestID:   requestIDFromContext(ctx),
		EnqueuedAt:  now().UTC().Format(time.RFC3339),
	}
	if err := t.Publisher.Send(ctx, msg); err != nil {
		metrics.IncIngestionDispatchFailed()
		telemetry.Error("ingestion queue publish failed", map[string]any{
			"documentId":  doc.ID,
			"ingestionId": st.ID,
			"requestId":   msg.RequestID,
			"error":       err,
		})
	}
	return nil
}

var (
	_ Dispatcher = (*HTTPTransport)(nil)
	_ Dispatcher = (*QueueTransport)(nil)
)
