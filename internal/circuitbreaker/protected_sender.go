package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

// Sender mirrors channel.Sender to avoid a circular import.
type Sender interface {
	Send(ctx context.Context, n *core.Notification) error
	Channel() core.Channel
}

// ProtectedSender wraps a channel sender with a circuit breaker. Open-
// circuit rejections classify as retryable: the notification keeps its
// attempt budget for when the provider recovers.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{sender: sender, breaker: breaker, logger: logger}
}

// Send attempts delivery through the breaker, failing fast when open.
func (p *ProtectedSender) Send(ctx context.Context, n *core.Notification) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", n.ID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return core.NewChannelError(p.sender.Channel(), "circuit_open", true,
			fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.Name()))
	}

	err := p.sender.Send(ctx, n)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Channel delegates to the underlying sender.
func (p *ProtectedSender) Channel() core.Channel { return p.sender.Channel() }

// Breaker exposes the underlying breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker { return p.breaker }
