package queue

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned when a publish finds no usable channel even after one reconnect attempt.
	ErrNotConnected = errors.New("queue not connected")
	ErrClosed       = errors.New("queue supervisor closed")
)

// Client sends messages to a queue backend.
type Client interface {
	Send(ctx context.Context, msg Message) error
}
