package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

// ConfirmationHandler decides when a sent notification counts as
// delivered. The default timer implementation stands in for real provider
// delivery webhooks; deployments with provider callbacks replace it via
// Service.SetConfirmationHandler.
type ConfirmationHandler interface {
	ScheduleConfirmation(id uuid.UUID, ch core.Channel)
	Stop()
}

// confirmDelay returns the simulated channel-dependent confirmation lag.
// Webhook delivery is confirmed by the 2xx itself, so it confirms
// immediately.
func confirmDelay(ch core.Channel) time.Duration {
	switch ch {
	case core.ChannelEmail:
		return 2 * time.Second
	case core.ChannelSMS, core.ChannelChat:
		return time.Second
	case core.ChannelPush:
		return 500 * time.Millisecond
	case core.ChannelWebhook:
		return 0
	default:
		return time.Second
	}
}

// TimerConfirmer fires the sent -> delivered transition after a
// channel-dependent delay.
type TimerConfirmer struct {
	svc    *Service
	logger *zap.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	done    chan struct{}
}

// NewTimerConfirmer creates the timer-based confirmation simulator.
func NewTimerConfirmer(svc *Service, logger *zap.Logger) *TimerConfirmer {
	return &TimerConfirmer{svc: svc, logger: logger, done: make(chan struct{})}
}

// ScheduleConfirmation queues the delivered transition for id.
func (c *TimerConfirmer) ScheduleConfirmation(id uuid.UUID, ch core.Channel) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	delay := confirmDelay(ch)
	go func() {
		defer c.wg.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-c.done:
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.svc.MarkDelivered(ctx, id); err != nil {
			// The notification may have been cancelled or deleted since.
			if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrInvalidTransition) {
				c.logger.Debug("delivery confirmation skipped",
					zap.Error(err),
					zap.String("notification_id", id.String()),
				)
				return
			}
			c.logger.Warn("delivery confirmation failed",
				zap.Error(err),
				zap.String("notification_id", id.String()),
			)
		}
	}()
}

// Stop cancels pending confirmations and waits for in-flight ones.
func (c *TimerConfirmer) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.done)
	c.mu.Unlock()
	c.wg.Wait()
}
