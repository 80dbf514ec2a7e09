// Package eventbus fans session events out to observers.
package eventbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/wiretap/internal/metrics"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("eventbus: closed")

// statusWait bounds how long a status event waits for queue space.
const statusWait = time.Second

// EventBus delivers events to every interested subscriber.
type EventBus interface {
	Publish(event *Event) error
	Subscribe(name string, handler Handler, topics ...Topic) (func(), error)
	Close() error
	GetStats() *Stats
}

// Stats reports bus counters.
type Stats struct {
	PublishedCount int64          `json:"published"`
	ProcessedCount int64          `json:"processed"`
	DroppedCount   int64          `json:"dropped"`
	Subscribers    int            `json:"subscribers"`
	QueuedCount    map[string]int `json:"queued"`
}

// InMemoryEventBus gives each subscriber a bounded queue and a goroutine.
// Packet events are dropped for a subscriber whose queue is full; status
// events wait briefly for space.
type InMemoryEventBus struct {
	queueSize   int
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	wg          sync.WaitGroup
	closed      int32

	publishedCount int64
	processedCount int64
	droppedCount   int64
}

// NewInMemoryEventBus creates a bus with per-subscriber queues of queueSize.
func NewInMemoryEventBus(queueSize int) *InMemoryEventBus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &InMemoryEventBus{
		queueSize:   queueSize,
		subscribers: make(map[string]*subscriber),
	}
}

// Publish enqueues event for every subscriber interested in its topic.
func (b *InMemoryEventBus) Publish(event *Event) error {
	if atomic.LoadInt32(&b.closed) == 1 {
		return ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	atomic.AddInt64(&b.publishedCount, 1)
	for _, s := range b.subscribers {
		if !s.wants(event.Topic) {
			continue
		}
		if !b.enqueue(s, event) {
			atomic.AddInt64(&s.dropped, 1)
			atomic.AddInt64(&b.droppedCount, 1)
			metrics.EventsDroppedTotal.WithLabelValues(s.name).Inc()
			slog.Debug("subscriber queue full, event dropped", "subscriber", s.name, "topic", event.Topic)
		}
	}
	return nil
}

func (b *InMemoryEventBus) enqueue(s *subscriber, event *Event) bool {
	select {
	case s.queue <- event:
		return true
	default:
	}
	if event.Topic != TopicStatus {
		return false
	}

	timer := time.NewTimer(statusWait)
	defer timer.Stop()
	select {
	case s.queue <- event:
		return true
	case <-timer.C:
		return false
	}
}

// Subscribe registers handler under a unique name and returns a function
// that removes it. Without topics the subscriber receives every event.
func (b *InMemoryEventBus) Subscribe(name string, handler Handler, topics ...Topic) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if atomic.LoadInt32(&b.closed) == 1 {
		return nil, ErrClosed
	}
	if _, exists := b.subscribers[name]; exists {
		return nil, fmt.Errorf("eventbus: subscriber %q already registered", name)
	}

	s := &subscriber{
		name:    name,
		topics:  make(map[Topic]bool, len(topics)),
		queue:   make(chan *Event, b.queueSize),
		handler: handler,
		done:    make(chan struct{}),
	}
	for _, t := range topics {
		s.topics[t] = true
	}
	b.subscribers[name] = s
	metrics.SubscribersActive.Inc()

	b.wg.Add(1)
	go b.run(s)

	slog.Debug("subscribed to event bus", "subscriber", name, "topics", topics)

	var once sync.Once
	return func() { once.Do(func() { b.unsubscribe(s) }) }, nil
}

func (b *InMemoryEventBus) unsubscribe(s *subscriber) {
	b.mu.Lock()
	if b.subscribers[s.name] != s {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, s.name)
	close(s.queue)
	b.mu.Unlock()

	metrics.SubscribersActive.Dec()
	<-s.done
	slog.Debug("unsubscribed from event bus", "subscriber", s.name)
}

// Available reports whether the bus accepts events.
func (b *InMemoryEventBus) Available() bool {
	return atomic.LoadInt32(&b.closed) == 0
}

// Close stops accepting events and waits for subscribers to drain their queues.
func (b *InMemoryEventBus) Close() error {
	if !atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		return nil
	}

	b.mu.Lock()
	for name, s := range b.subscribers {
		close(s.queue)
		delete(b.subscribers, name)
		metrics.SubscribersActive.Dec()
	}
	b.mu.Unlock()

	b.wg.Wait()
	slog.Info("event bus closed")
	return nil
}

// GetStats returns a snapshot of the bus counters.
func (b *InMemoryEventBus) GetStats() *Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := &Stats{
		PublishedCount: atomic.LoadInt64(&b.publishedCount),
		ProcessedCount: atomic.LoadInt64(&b.processedCount),
		DroppedCount:   atomic.LoadInt64(&b.droppedCount),
		Subscribers:    len(b.subscribers),
		QueuedCount:    make(map[string]int, len(b.subscribers)),
	}
	for name, s := range b.subscribers {
		stats.QueuedCount[name] = len(s.queue)
	}
	return stats
}

// run consumes one subscriber's queue until it is closed.
func (b *InMemoryEventBus) run(s *subscriber) {
	defer b.wg.Done()
	defer close(s.done)

	for event := range s.queue {
		if err := s.handler(event); err != nil {
			slog.Warn("event handler failed", "subscriber", s.name, "topic", event.Topic, "error", err)
			continue
		}
		atomic.AddInt64(&b.processedCount, 1)
	}
}
