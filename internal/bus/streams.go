package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hec-ovi/open-research/internal/research"
)

// Envelope is the canonical wrapper appended to the Redis stream, so external
// consumers (dashboards, audit tooling) can replay a session's event history.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	SessionID  string          `json:"session_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// StreamMirror appends every bus event to a per-session Redis Stream. Writes
// happen on a background goroutine; Append never blocks the publisher, and a
// full buffer drops events rather than stalling the pipeline.
type StreamMirror struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	buf       chan research.Event
	stop      chan struct{}
	logger    *log.Logger
}

// StreamOption configures the mirror.
type StreamOption func(*StreamMirror)

// WithKeyPrefix overrides the stream key prefix (default "research:events:").
func WithKeyPrefix(prefix string) StreamOption {
	return func(m *StreamMirror) {
		if prefix != "" {
			m.keyPrefix = prefix
		}
	}
}

// WithMaxLenApprox caps each stream at an approximate length via XADD MAXLEN.
func WithMaxLenApprox(n int64) StreamOption {
	return func(m *StreamMirror) {
		if n > 0 {
			m.maxLen = n
		}
	}
}

// NewStreamMirror starts the background writer.
func NewStreamMirror(client *redis.Client, opts ...StreamOption) *StreamMirror {
	m := &StreamMirror{
		client:    client,
		keyPrefix: "research:events:",
		maxLen:    4096,
		buf:       make(chan research.Event, 1024),
		stop:      make(chan struct{}),
		logger:    log.New(log.Writer(), "[STREAMS] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.writeLoop()
	return m
}

// Append queues an event for durable write. Non-blocking.
func (m *StreamMirror) Append(ev research.Event) {
	select {
	case m.buf <- ev:
	default:
		m.logger.Printf("mirror buffer full, dropping %s for session %s", ev.Type, ev.SessionID)
	}
}

// Close stops the background writer after the buffer drains.
func (m *StreamMirror) Close() {
	close(m.stop)
}

func (m *StreamMirror) writeLoop() {
	for {
		select {
		case ev := <-m.buf:
			if err := m.write(ev); err != nil {
				m.logger.Printf("xadd failed for session %s: %v", ev.SessionID, err)
			}
		case <-m.stop:
			for {
				select {
				case ev := <-m.buf:
					if err := m.write(ev); err != nil {
						m.logger.Printf("xadd failed for session %s: %v", ev.SessionID, err)
					}
				default:
					return
				}
			}
		}
	}
}

func (m *StreamMirror) write(ev research.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	env := Envelope{
		EventID:    uuid.NewString(),
		EventType:  string(ev.Type),
		SessionID:  ev.SessionID,
		OccurredAt: ev.Timestamp,
		Data:       data,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	args := &redis.XAddArgs{
		Stream: m.keyPrefix + ev.SessionID,
		Values: map[string]interface{}{"envelope": raw},
		MaxLen: m.maxLen,
		Approx: true,
	}
	if err := m.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}
