// Package progress fans pipeline progress events out to subscribers without
// ever blocking the publisher.
package progress

import (
	"sync"
	"sync/atomic"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
)

// Broker is a publish/subscribe hub for progress events. Each subscriber has
// a bounded buffer; when it is full the oldest buffered event is dropped.
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	bufSize int
	metrics *observability.Metrics
	closed  bool
}

// NewBroker creates a broker with bufSize events of buffer per subscriber.
func NewBroker(bufSize int, metrics *observability.Metrics) *Broker {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broker{
		subs:    make(map[uint64]*Subscription),
		bufSize: bufSize,
		metrics: metrics,
	}
}

// Publish delivers e to every subscriber. It never blocks.
func (b *Broker) Publish(e domain.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if dropped := s.offer(e); dropped > 0 && b.metrics != nil {
			b.metrics.ProgressDropped.Add(float64(dropped))
		}
	}
}

// Subscribe registers a new subscriber. On a closed broker the returned
// subscription's channel is already closed.
func (b *Broker) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan domain.ProgressEvent, b.bufSize), broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeLocked()
		return s
	}
	s.id = b.nextID
	b.nextID++
	b.subs[s.id] = s
	if b.metrics != nil {
		b.metrics.ProgressClients.Inc()
	}
	return s
}

// Subscribers returns the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are no-ops.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.close()
		if b.metrics != nil {
			b.metrics.ProgressClients.Dec()
		}
	}
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	if b.metrics != nil {
		b.metrics.ProgressClients.Dec()
	}
}

// Subscription is one subscriber's view of the stream.
type Subscription struct {
	id      uint64
	broker  *Broker
	mu      sync.Mutex
	ch      chan domain.ProgressEvent
	closed  bool
	dropped atomic.Uint64
}

// Events returns the receive channel. It is closed when the subscription or
// broker closes.
func (s *Subscription) Events() <-chan domain.ProgressEvent {
	return s.ch
}

// Dropped returns how many events this subscriber lost to a full buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.broker.remove(s)
	s.close()
}

func (s *Subscription) offer(e domain.ProgressEvent) (dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	for {
		select {
		case s.ch <- e:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped++
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
