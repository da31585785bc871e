// Package events provides a small in-process event bus. Publishing is
// fire-and-forget and best-effort: a slow or absent subscriber never
// blocks the dispatch path.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

// Event names published by the engine.
const (
	NotificationCreated       = "notification.created"
	NotificationStatusUpdated = "notification.status_updated"
	NotificationDelivered     = "notification.delivered"
)

// Event carries a status change to observers such as dashboards.
type Event struct {
	Name           string      `json:"name"`
	NotificationID uuid.UUID   `json:"notification_id"`
	OldStatus      core.Status `json:"old_status,omitempty"`
	NewStatus      core.Status `json:"new_status,omitempty"`
	At             time.Time   `json:"at"`
}

// Handler consumes published events. Handlers must not block.
type Handler func(Event)

// Bus fans events out to registered handlers. Each handler gets a bounded
// buffer; events for a saturated handler are dropped and counted rather
// than stalling the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	dropped atomic.Int64
	logger  *zap.Logger
	closed  bool
}

const subscriberBuffer = 256

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a handler and starts its delivery goroutine.
func (b *Bus) Subscribe(h Handler) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		for ev := range ch {
			h(ev)
		}
	}()
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("event dropped, subscriber buffer full",
				zap.String("event", ev.Name),
				zap.String("notification_id", ev.NotificationID.String()),
			)
		}
	}
}

// Dropped reports how many events were discarded because a subscriber
// buffer was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops delivery. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
