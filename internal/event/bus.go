// SPDX-License-Identifier: MPL-2.0

package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/an-anime-team/wineyard/internal/metrics"
)

// DefaultBuffer is the subscriber buffer used when none is given.
const DefaultBuffer = 256

var (
	publishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wineyard_events_published_total",
			Help: "Events published, by type.",
		},
		[]string{"type"},
	)
	disconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wineyard_event_subscriber_disconnects_total",
			Help: "Subscribers disconnected for backpressure.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(publishedTotal, disconnectsTotal)
}

type (
	// Bus fans events out to subscribers.
	Bus struct {
		mu     sync.Mutex
		seq    uint64
		nextID uint64
		subs   map[uint64]*Subscription
		closed bool
		now    func() time.Time
	}

	// BusOption configures a Bus.
	BusOption func(*Bus)

	// Subscription receives events until it is closed.
	Subscription struct {
		id     uint64
		ch     chan Event
		bus    *Bus
		buffer int

		// err and done are guarded by bus.mu.
		err  error
		done bool
	}
)

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// NewBus creates a Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber with room for buffer undelivered events.
// A non-positive buffer selects DefaultBuffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{id: b.nextID, ch: make(chan Event, buffer), bus: b, buffer: buffer}
	if b.closed {
		s.done = true
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish stamps e with the next sequence number, an ID and a timestamp and
// delivers it to every subscriber without blocking.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	e.ID = uuid.New()
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	publishedTotal.WithLabelValues(string(e.Type)).Inc()

	for id, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			disconnectsTotal.Inc()
			delete(b.subs, id)
			s.finish(&SubscriberError{Subscriber: id, Seq: e.Seq, Buffer: s.buffer})
		}
	}
	return e
}

// Seq returns the sequence number of the last published event.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close disconnects every subscriber. Later publications are dropped
// silently and later subscriptions are closed at once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.finish(nil)
	}
}

// ID returns the subscriber id.
func (s *Subscription) ID() uint64 { return s.id }

// Events returns the delivery channel. It is closed when the subscription
// ends; Err then tells why.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Err returns the SubscriberError that ended the subscription, or nil.
func (s *Subscription) Err() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.err
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.id)
	s.finish(nil)
}

// finish closes the channel once. Callers hold bus.mu.
func (s *Subscription) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.ch)
}
