package documents

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no live document matches the requested id.
var ErrNotFound = errors.New("document not found")

// Document is the stored metadata of an uploaded file. This service only reads it.
type Document struct {
	ID        int64
	Title     string
	FileName  string
	FilePath  string
	MimeType  string
	SizeBytes int64
	CreatedAt time.Time
}
