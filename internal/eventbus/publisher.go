package eventbus

import (
	"log/slog"

	"firestige.xyz/wiretap/internal/core"
)

// CaptureEventBus adapts an InMemoryEventBus to the session publisher.
type CaptureEventBus struct {
	bus *InMemoryEventBus
}

// NewCaptureEventBus creates a capture event bus.
func NewCaptureEventBus(queueSize int) *CaptureEventBus {
	return &CaptureEventBus{bus: NewInMemoryEventBus(queueSize)}
}

// Available reports whether events can be delivered.
func (c *CaptureEventBus) Available() bool {
	return c.bus.Available()
}

// PublishStatus publishes a session status event.
func (c *CaptureEventBus) PublishStatus(ev core.StatusEvent) {
	if err := c.bus.Publish(&Event{Topic: TopicStatus, Status: &ev}); err != nil {
		slog.Warn("failed to publish status event", "status", ev.Status, "error", err)
	}
}

// PublishPacket publishes a packet event.
func (c *CaptureEventBus) PublishPacket(ev core.PacketEvent) {
	if err := c.bus.Publish(&Event{Topic: TopicPacket, Packet: &ev}); err != nil {
		slog.Debug("failed to publish packet event", "seq", ev.Summary.Seq, "error", err)
	}
}

// Subscribe registers a subscriber. See InMemoryEventBus.Subscribe.
func (c *CaptureEventBus) Subscribe(name string, handler Handler, topics ...Topic) (func(), error) {
	return c.bus.Subscribe(name, handler, topics...)
}

// Close closes the underlying bus.
func (c *CaptureEventBus) Close() error {
	return c.bus.Close()
}

// GetStats returns the underlying bus counters.
func (c *CaptureEventBus) GetStats() *Stats {
	return c.bus.GetStats()
}
