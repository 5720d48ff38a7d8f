// Package notify forwards hub events to external ops channels.
package notify

import (
	"context"
	"sync"

	"github.com/agentdispatch/admp-hub/internal/events"
)

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event events.Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors — failures are logged but don't block delivery.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
// Errors are logged but never propagated — ops channels must not block the hub.
func (m *Multi) Notify(ctx context.Context, event events.Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"agent", event.AgentID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}

// OpsEvents is the default set forwarded to external channels: lifecycle
// milestones and failures, not per-message traffic.
var OpsEvents = []events.EventType{
	events.EventAgentRegistered,
	events.EventAgentDeregistered,
	events.EventWebhookFailed,
	events.EventGroupCreated,
	events.EventGroupDeleted,
	events.EventTableCreated,
	events.EventTableResolved,
	events.EventTableExpired,
}

// Watch subscribes to the bus and forwards matching events until ctx is
// cancelled. An empty types list means OpsEvents.
func Watch(ctx context.Context, bus *events.Bus, m *Multi, types ...events.EventType) {
	if len(types) == 0 {
		types = OpsEvents
	}
	wanted := make(map[events.EventType]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}

	sub, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if _, ok := wanted[ev.Type]; ok {
				m.Notify(ctx, ev)
			}
		case <-ctx.Done():
			return
		}
	}
}
