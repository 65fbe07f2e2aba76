package ingestion

import (
	"context"
	"time"

	"docflow-backend/internal/shared/telemetry"
)

// Sweeper periodically reconciles non-terminal ingestions so they converge
// without client polling.
type Sweeper struct {
	Svc         *Service
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

// Run blocks until ctx is done. A non-positive Interval disables sweeping.
func (w *Sweeper) Run(ctx context.Context) error {
	if w == nil || w.Svc == nil || w.Interval <= 0 {
		return nil
	}
	telemetry.Info("ingestion sweeper started", map[string]any{
		"interval":    w.Interval.String(),
		"batchSize":   w.BatchSize,
		"concurrency": w.Concurrency,
	})
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			telemetry.Info("ingestion sweeper stopped", nil)
			return nil
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Sweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	changed, err := w.Svc.ReconcileActive(ctx, w.BatchSize, w.Concurrency)
	if err != nil && ctx.Err() == nil {
		telemetry.Error("ingestion sweep failed", map[string]any{"error": err})
		return
	}
	if changed > 0 {
		telemetry.Info("ingestion sweep complete", map[string]any{
			"changed":    changed,
			"durationMs": time.Since(start).Milliseconds(),
		})
	}
}
