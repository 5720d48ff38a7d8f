// Package events provides a fan-out pub/sub bus feeding the SSE stream
// and the ops notifier.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of hub event.
type EventType string

const (
	EventMessageQueued     EventType = "message.queued"
	EventMessageLeased     EventType = "message.leased"
	EventMessageAcked      EventType = "message.acked"
	EventMessageRequeued   EventType = "message.requeued"
	EventMessagePurged     EventType = "message.purged"
	EventMessageExpired    EventType = "message.expired"
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentDeregistered EventType = "agent.deregistered"
	EventWebhookDelivered  EventType = "webhook.delivered"
	EventWebhookFailed     EventType = "webhook.failed"
	EventGroupCreated      EventType = "group.created"
	EventGroupDeleted      EventType = "group.deleted"
	EventGroupMessage      EventType = "group.message"
	EventTableCreated      EventType = "roundtable.created"
	EventTableResolved     EventType = "roundtable.resolved"
	EventTableExpired      EventType = "roundtable.expired"
	EventSweepCompleted    EventType = "sweep.completed"
)

// Event is a single hub occurrence published through the bus.
type Event struct {
	Type      EventType `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	TableID   string    `json:"table_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. Subscribers receive all events
// published after they subscribe. Slow subscribers that fall behind have
// events dropped rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]chan Event),
	}
}

// Publish sends an event to all current subscribers. If a subscriber's
// buffer is full, the event is dropped for that subscriber (non-blocking).
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber buffer full -- drop the event rather than blocking.
		}
	}
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done to avoid resource leaks.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
