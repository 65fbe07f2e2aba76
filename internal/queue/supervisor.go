package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"docflow-backend/internal/shared/metrics"
	"docflow-backend/internal/shared/telemetry"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultPendingLimit   = 1000
)

// State is the supervisor's view of the broker link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	URL            string
	Queue          string
	ReconnectDelay time.Duration
	// PendingLimit caps messages held for redelivery while disconnected.
	PendingLimit int
	Dial         Dialer
}

// Supervisor owns the single AMQP connection and channel. It reconnects in the
// background after any close and is the only code that opens or closes them.
type Supervisor struct {
	url          string
	queue        string
	delay        time.Duration
	pendingLimit int
	dial         Dialer

	connectMu sync.Mutex

	mu         sync.RWMutex
	state      State
	conn       Connection
	ch         Channel
	generation uint64
	connects   uint64
	closed     bool
	pending    []amqp.Publishing

	reconnect chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSupervisor constructs a Supervisor. Nothing is dialed until Start.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	limit := cfg.PendingLimit
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	dial := cfg.Dial
	if dial == nil {
		dial = DialAMQP
	}
	return &Supervisor{
		url:          cfg.URL,
		queue:        strings.TrimSpace(cfg.Queue),
		delay:        delay,
		pendingLimit: limit,
		dial:         dial,
		reconnect:    make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start makes the first connection attempt and launches the reconnect loop.
// A failed first attempt is not an error: the loop keeps trying.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.startOnce.Do(func() {
		if err := s.connect(); err != nil {
			telemetry.Warn("queue initial connect failed", map[string]any{
				"queue": s.queue,
				"error": err,
			})
			s.signalReconnect()
		}
		s.wg.Add(1)
		go s.run(ctx)
	})
	return nil
}

// State returns the current link state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Send publishes a persistent message to the durable queue. On failure it makes
// one synchronous reconnect and one re-publish; if that also fails the message
// is held for redelivery after the next reconnect and ErrNotConnected is returned.
func (s *Supervisor) Send(ctx context.Context, msg Message) error {
	if s.isClosed() {
		return ErrClosed
	}
	payload, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode amqp message: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}
	if msg.RequestID != "" {
		pub.CorrelationId = msg.RequestID
	}

	lastErr := s.publish(ctx, pub)
	if lastErr == nil {
		metrics.IncQueuePublished()
		return nil
	}
	telemetry.Warn("queue publish failed, reconnecting", map[string]any{
		"queue":       s.queue,
		"documentId":  msg.DocumentID,
		"ingestionId": msg.IngestionID,
		"error":       lastErr,
	})

	if err := s.connect(); err != nil {
		lastErr = err
	} else if err := s.publish(ctx, pub); err != nil {
		lastErr = err
	} else {
		metrics.IncQueuePublished()
		return nil
	}

	metrics.IncQueuePublishFailed()
	s.hold(pub)
	s.signalReconnect()
	return fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
}

// Close stops the reconnect loop and closes channel then connection. Close
// errors are logged and swallowed.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.connectMu.Lock()
		s.mu.Lock()
		s.closed = true
		ch, conn := s.ch, s.conn
		s.ch, s.conn = nil, nil
		s.state = StateDisconnected
		dropped := len(s.pending)
		s.pending = nil
		s.mu.Unlock()
		s.connectMu.Unlock()

		closeLink(ch, conn)
		if dropped > 0 {
			telemetry.Warn("queue closed with undelivered messages", map[string]any{
				"queue":   s.queue,
				"dropped": dropped,
			})
		}
	})
	s.wg.Wait()
	return nil
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.reconnect:
		}

		for s.State() != StateConnected {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(s.delay):
			}
			if err := s.connect(); err != nil {
				telemetry.Warn("queue reconnect failed", map[string]any{
					"queue":   s.queue,
					"retryIn": s.delay.String(),
					"error":   err,
				})
			}
		}
	}
}

func (s *Supervisor) connect() error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, ch, err := s.open()
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		closeLink(ch, conn)
		return ErrClosed
	}
	s.generation++
	gen := s.generation
	s.connects++
	reconnected := s.connects > 1
	s.conn, s.ch = conn, ch
	s.state = StateConnected
	s.mu.Unlock()

	if reconnected {
		metrics.IncQueueReconnect()
	}
	telemetry.Info("queue connected", map[string]any{
		"queue":      s.queue,
		"generation": gen,
	})

	s.wg.Add(1)
	go s.watch(gen, connClosed, chClosed)

	s.flushPending()
	return nil
}

func (s *Supervisor) open() (Connection, Channel, error) {
	conn, err := s.dial(s.url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		closeLink(ch, conn)
		return nil, nil, fmt.Errorf("declare queue %s: %w", s.queue, err)
	}
	return conn, ch, nil
}

func (s *Supervisor) watch(gen uint64, connClosed, chClosed <-chan *amqp.Error) {
	defer s.wg.Done()
	var reason *amqp.Error
	select {
	case <-s.done:
		return
	case reason = <-connClosed:
	case reason = <-chClosed:
	}
	if !s.markDisconnected(gen) {
		return
	}
	fields := map[string]any{"queue": s.queue, "generation": gen}
	if reason != nil {
		fields["error"] = reason.Error()
	}
	telemetry.Warn("queue connection lost", fields)
	s.signalReconnect()
}

func (s *Supervisor) publish(ctx context.Context, pub amqp.Publishing) error {
	s.mu.RLock()
	ch, gen, state := s.ch, s.generation, s.state
	s.mu.RUnlock()
	if state != StateConnected || ch == nil {
		return ErrNotConnected
	}
	if err := ch.PublishWithContext(ctx, "", s.queue, false, false, pub); err != nil {
		s.markDisconnected(gen)
		return err
	}
	return nil
}

// markDisconnected drops the link identified by gen. It is a no-op when the
// link was already replaced or the supervisor is closed.
func (s *Supervisor) markDisconnected(gen uint64) bool {
	s.mu.Lock()
	if s.closed || gen != s.generation || s.state != StateConnected {
		s.mu.Unlock()
		return false
	}
	ch, conn := s.ch, s.conn
	s.ch, s.conn = nil, nil
	s.state = StateDisconnected
	s.mu.Unlock()

	closeLink(ch, conn)
	return true
}

func (s *Supervisor) hold(pub amqp.Publishing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.pending) >= s.pendingLimit {
		s.pending = s.pending[1:]
		telemetry.Warn("queue redelivery buffer full, dropping oldest", map[string]any{
			"queue": s.queue,
			"limit": s.pendingLimit,
		})
	}
	s.pending = append(s.pending, pub)
}

func (s *Supervisor) flushPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for i, pub := range pending {
		if err := s.publish(context.Background(), pub); err != nil {
			s.mu.Lock()
			s.pending = append(append([]amqp.Publishing(nil), pending[i:]...), s.pending...)
			s.mu.Unlock()
			s.signalReconnect()
			return
		}
		metrics.IncQueuePublished()
	}
	if len(pending) > 0 {
		telemetry.Info("queue redelivered held messages", map[string]any{
			"queue": s.queue,
			"count": len(pending),
		})
	}
}

func (s *Supervisor) signalReconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func closeLink(ch Channel, conn Connection) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			telemetry.Warn("queue channel close failed", map[string]any{"error": err})
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			telemetry.Warn("queue connection close failed", map[string]any{"error": err})
		}
	}
}

var _ Client = (*Supervisor)(nil)
