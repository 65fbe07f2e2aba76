package health

import (
	"context"
	"database/sql"
	"time"

	"docflow-backend/internal/queue"
	"docflow-backend/internal/shared/storage/db"
)

// QueueState reports the broker link state.
type QueueState interface {
	State() queue.State
}

// Service encapsulates health-related checks.
type Service struct {
	DB          *sql.DB
	Queue       QueueState
	PingTimeout time.Duration
}

// Report is the health payload. OK is false only when the database is unreachable;
// a disconnected queue is reported but reconnects on its own.
type Report struct {
	OK       bool              `json:"ok"`
	Database string            `json:"database"`
	Queue    string            `json:"queue"`
	Details  map[string]string `json:"details,omitempty"`
}

// NewService constructs a new health service.
func NewService(database *sql.DB, q QueueState) *Service {
	return &Service{DB: database, Queue: q, PingTimeout: 2 * time.Second}
}

// Status runs the checks.
func (s *Service) Status(ctx context.Context) Report {
	report := Report{OK: true, Database: "memory", Queue: "disabled"}
	if s == nil {
		return report
	}
	if s.DB != nil {
		if err := db.Ping(ctx, s.DB, s.PingTimeout); err != nil {
			report.OK = false
			report.Database = "down"
			report.Details = map[string]string{"database": err.Error()}
		} else {
			report.Database = "up"
		}
	}
	if s.Queue != nil {
		report.Queue = s.Queue.State().String()
	}
	return report
}
