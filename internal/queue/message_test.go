package queue

import (
	"encoding/json"
	"testing"
)

func TestEncodeMessageUsesWorkerFieldNames(t *testing.T) {
	payload, err := EncodeMessage(Message{
		DocumentID:  12,
		IngestionID: 34,
		EnqueuedAt:  "2026-01-30T22:00:00Z",
	})
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if raw["documentId"] != float64(12) || raw["ingestionId"] != float64(34) {
		t.Fatalf("unexpected payload %s", payload)
	}
	if _, ok := raw["requestId"]; ok {
		t.Fatalf("expected empty requestId to be omitted, got %s", payload)
	}
}

func TestEncodeMessageRejectsMissingDocument(t *testing.T) {
	if _, err := EncodeMessage(Message{IngestionID: 1}); err == nil {
		t.Fatalf("expected error for missing documentId")
	}
}

func TestDecodeMessageRejectsMissingDocument(t *testing.T) {
	if _, err := DecodeMessage([]byte(`{"ingestionId":3}`)); err == nil {
		t.Fatalf("expected error for missing documentId")
	}
	msg, err := DecodeMessage([]byte(`{"documentId":3,"requestId":"req-1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.DocumentID != 3 || msg.RequestID != "req-1" {
		t.Fatalf("unexpected message %+v", msg)
	}
}
