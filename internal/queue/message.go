package queue

import (
	"encoding/json"
	"fmt"
)

// Message is the ingestion work item consumed by the external worker.
type Message struct {
	DocumentID  int64  `json:"documentId"`
	IngestionID int64  `json:"ingestionId"`
	RequestID   string `json:"requestId,omitempty"`
	EnqueuedAt  string `json:"enqueuedAt"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg.DocumentID <= 0 {
		return nil, fmt.Errorf("queue message requires a positive documentId")
	}
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if msg.DocumentID <= 0 {
		return Message{}, fmt.Errorf("queue message missing documentId")
	}
	return msg, nil
}
