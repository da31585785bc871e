package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

func TestBus_DeliversToSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	got := make(chan Event, 1)
	bus.Subscribe(func(e Event) { got <- e })

	id := uuid.New()
	bus.Publish(Event{Name: NotificationCreated, NotificationID: id})

	select {
	case e := <-got:
		if e.Name != NotificationCreated || e.NotificationID != id {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_FansOut(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	var count atomic.Int64
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		bus.Subscribe(func(e Event) {
			count.Add(1)
			done <- struct{}{}
		})
	}

	bus.Publish(Event{Name: NotificationStatusUpdated, NewStatus: core.StatusSent})
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("fan-out incomplete")
		}
	}
	if count.Load() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", count.Load())
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	// A subscriber that never drains forces the buffer full.
	block := make(chan struct{})
	bus.Subscribe(func(e Event) { <-block })
	defer close(block)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(Event{Name: NotificationCreated})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a saturated subscriber")
	}
	if bus.Dropped() == 0 {
		t.Fatal("expected drops once the buffer filled")
	}
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(zap.NewNop())
	bus.Subscribe(func(e Event) {})
	bus.Close()

	// Must not panic on the closed channels.
	bus.Publish(Event{Name: NotificationDelivered})
	bus.Close() // idempotent
}
