package ingestion

import "errors"

var (
	ErrNotFound           = errors.New("ingestion status not found")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrValidation         = errors.New("validation error")
	ErrServiceUnavailable = errors.New("ingestion service unavailable")
	// ErrConflict means the row changed between read and write; callers reload and re-apply.
	ErrConflict = errors.New("ingestion status changed concurrently")

	ErrNoDispatcher = errors.New("ingestion dispatcher not configured")
)
