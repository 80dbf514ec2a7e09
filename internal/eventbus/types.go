package eventbus

import "firestige.xyz/wiretap/internal/core"

// Topic names an event stream.
type Topic string

const (
	TopicPacket Topic = "packet-captured"
	TopicStatus Topic = "capture-status"
)

// Event is one bus message. Exactly one of Packet and Status is set,
// matching Topic.
type Event struct {
	Topic  Topic             `json:"type"`
	Packet *core.PacketEvent `json:"packet,omitempty"`
	Status *core.StatusEvent `json:"status,omitempty"`
}

// Handler processes events for one subscriber, in publish order.
type Handler func(event *Event) error

// subscriber is one registered consumer with its own queue.
type subscriber struct {
	name    string
	topics  map[Topic]bool // empty means all topics
	queue   chan *Event
	handler Handler
	done    chan struct{}
	dropped int64
}

func (s *subscriber) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}
