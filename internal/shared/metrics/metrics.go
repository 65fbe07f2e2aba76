package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	ingestionTriggeredTotal       atomic.Uint64
	ingestionDispatchFailedTotal  atomic.Uint64
	ingestionTransitionsTotal     atomic.Uint64
	ingestionRetriesTotal         atomic.Uint64
	ingestionPermanentFailedTotal atomic.Uint64
	ingestionConflictsTotal       atomic.Uint64
	webhookReceivedTotal          atomic.Uint64
	webhookRejectedTotal          atomic.Uint64
	workerChecksTotal             atomic.Uint64
	workerCheckFailedTotal        atomic.Uint64
	queuePublishedTotal           atomic.Uint64
	queuePublishFailedTotal       atomic.Uint64
	queueReconnectsTotal          atomic.Uint64

	workerCallDuration = newHistogram([]float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000})
)

// IncIngestionTriggered increments the trigger counter.
func IncIngestionTriggered() { ingestionTriggeredTotal.Add(1) }

// IncIngestionDispatchFailed increments the failed synchronous hand-off counter.
func IncIngestionDispatchFailed() { ingestionDispatchFailedTotal.Add(1) }

// IncIngestionTransition increments the persisted state transition counter.
func IncIngestionTransition() { ingestionTransitionsTotal.Add(1) }

// IncIngestionRetry increments the automatic retry counter.
func IncIngestionRetry() { ingestionRetriesTotal.Add(1) }

// IncIngestionPermanentFailure increments the retries-exhausted counter.
func IncIngestionPermanentFailure() { ingestionPermanentFailedTotal.Add(1) }

// IncIngestionConflict increments the optimistic update conflict counter.
func IncIngestionConflict() { ingestionConflictsTotal.Add(1) }

// IncWebhookReceived increments the accepted webhook counter.
func IncWebhookReceived() { webhookReceivedTotal.Add(1) }

// IncWebhookRejected increments the rejected webhook counter.
func IncWebhookRejected() { webhookRejectedTotal.Add(1) }

// IncWorkerCheck increments the worker status query counter.
func IncWorkerCheck() { workerChecksTotal.Add(1) }

// IncWorkerCheckFailed increments the failed worker status query counter.
func IncWorkerCheckFailed() { workerCheckFailedTotal.Add(1) }

// IncQueuePublished increments the queue publish counter.
func IncQueuePublished() { queuePublishedTotal.Add(1) }

// IncQueuePublishFailed increments the failed queue publish counter.
func IncQueuePublishFailed() { queuePublishFailedTotal.Add(1) }

// IncQueueReconnect increments the queue reconnect counter.
func IncQueueReconnect() { queueReconnectsTotal.Add(1) }

// ObserveWorkerCallMs records a worker call duration in milliseconds.
func ObserveWorkerCallMs(value float64) {
	if value < 0 {
		value = 0
	}
	workerCallDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "ingestion_triggered_total", "Total ingestions triggered", ingestionTriggeredTotal.Load())
	writeCounter(&buf, "ingestion_dispatch_failed_total", "Total synchronous dispatches that failed", ingestionDispatchFailedTotal.Load())
	writeCounter(&buf, "ingestion_transitions_total", "Total persisted status transitions", ingestionTransitionsTotal.Load())
	writeCounter(&buf, "ingestion_retries_total", "Total automatic retries", ingestionRetriesTotal.Load())
	writeCounter(&buf, "ingestion_permanent_failures_total", "Total ingestions failed with retries exhausted", ingestionPermanentFailedTotal.Load())
	writeCounter(&buf, "ingestion_update_conflicts_total", "Total optimistic update conflicts", ingestionConflictsTotal.Load())
	writeCounter(&buf, "ingestion_webhooks_received_total", "Total accepted webhook updates", webhookReceivedTotal.Load())
	writeCounter(&buf, "ingestion_webhooks_rejected_total", "Total rejected webhook updates", webhookRejectedTotal.Load())
	writeCounter(&buf, "worker_status_checks_total", "Total worker status queries", workerChecksTotal.Load())
	writeCounter(&buf, "worker_status_check_failures_total", "Total failed worker status queries", workerCheckFailedTotal.Load())
	writeCounter(&buf, "queue_published_total", "Total queue messages published", queuePublishedTotal.Load())
	writeCounter(&buf, "queue_publish_failures_total", "Total failed queue publishes", queuePublishFailedTotal.Load())
	writeCounter(&buf, "queue_reconnects_total", "Total successful queue reconnects", queueReconnectsTotal.Load())
	writeHistogram(&buf, "worker_call_duration_ms", "Worker call duration in milliseconds", workerCallDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe places value in the first bucket whose bound is >= value.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
