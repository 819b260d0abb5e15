// Package bus fans out per-session research events to live subscribers.
//
// Delivery is ordered per session and never blocks the publisher: each
// subscriber owns a pending queue drained by its own goroutine, so a slow
// consumer lags without stalling stage execution or other subscribers. With
// zero subscribers events are simply dropped.
package bus

import (
	"log"
	"sync"
	"time"

	"github.com/hec-ovi/open-research/internal/research"
	"github.com/hec-ovi/open-research/internal/telemetry"
)

// endedRetention bounds how long finished sessions stay in the ended set.
// The set only has to cover the window between a session's terminal store
// write and a racing subscribe; callers that check persisted status first
// never need an older entry.
const endedRetention = time.Minute

// Mirror receives a copy of every published event, typically for durable
// append to an external stream. Append must not block.
type Mirror interface {
	Append(ev research.Event)
}

// Bus implements research.EventStream.
type Bus struct {
	mu        sync.Mutex
	topics    map[string]*topic
	ended     map[string]time.Time
	retention time.Duration
	mirror    Mirror
	metrics   *telemetry.Telemetry
	logger    *log.Logger
}

// Option configures the bus.
type Option func(*Bus)

// WithMirror copies every event into the given mirror.
func WithMirror(m Mirror) Option {
	return func(b *Bus) { b.mirror = m }
}

// WithTelemetry counts published events.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(b *Bus) { b.metrics = t }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:    make(map[string]*topic),
		ended:     make(map[string]time.Time),
		retention: endedRetention,
		logger:    log.New(log.Writer(), "[BUS] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers an event to every current subscriber of its session, in
// publication order. It never blocks.
func (b *Bus) Publish(ev research.Event) {
	b.metrics.EventPublished()
	if b.mirror != nil {
		b.mirror.Append(ev)
	}

	b.mu.Lock()
	t := b.topics[ev.SessionID]
	b.mu.Unlock()
	if t == nil {
		return
	}
	t.broadcast(ev)
}

// Subscribe attaches a new subscriber to a session stream. Events flow from
// the join point forward; there is no replay. The returned cancel func
// detaches the subscriber without affecting others. Subscribing to a session
// whose stream already ended yields an immediately closed channel.
func (b *Bus) Subscribe(sessionID string) (<-chan research.Event, func()) {
	b.mu.Lock()
	if _, done := b.ended[sessionID]; done {
		b.mu.Unlock()
		ch := make(chan research.Event)
		close(ch)
		return ch, func() {}
	}
	t := b.topics[sessionID]
	if t == nil {
		t = newTopic()
		b.topics[sessionID] = t
	}
	b.mu.Unlock()
	return t.subscribe()
}

// EndSession closes the session stream after in-flight events drain. Later
// subscriptions observe a closed channel while the session stays in the
// ended set; expired entries are swept here so the set stays bounded.
func (b *Bus) EndSession(sessionID string) {
	now := time.Now()
	b.mu.Lock()
	t := b.topics[sessionID]
	delete(b.topics, sessionID)
	b.ended[sessionID] = now
	for id, at := range b.ended {
		if now.Sub(at) > b.retention {
			delete(b.ended, id)
		}
	}
	b.mu.Unlock()
	if t != nil {
		t.end()
	}
}

type topic struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

func newTopic() *topic {
	return &topic{subs: make(map[int]*subscriber)}
}

func (t *topic) broadcast(ev research.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		sub.enqueue(ev)
	}
}

func (t *topic) subscribe() (<-chan research.Event, func()) {
	sub := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan research.Event, 16),
	}
	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = sub
	t.mu.Unlock()

	go sub.drain()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.out, cancel
}

func (t *topic) end() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[int]*subscriber)
	t.mu.Unlock()
	for _, sub := range subs {
		sub.finish()
	}
}

type subscriber struct {
	mu      sync.Mutex
	pending []research.Event
	ending  bool

	wake chan struct{}
	done chan struct{}
	out  chan research.Event
}

func (s *subscriber) enqueue(ev research.Event) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	s.signal()
}

// finish marks the stream ended; the drain goroutine closes out once the
// pending queue is empty, so the terminal event is never lost.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			ending := s.ending
			s.mu.Unlock()
			if ending {
				close(s.out)
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				close(s.out)
				return
			}
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			close(s.out)
			return
		}
	}
}
