// Package channel implements one delivery transport per channel type
// behind a common Sender interface. Senders map a notification's
// recipient and content onto the transport; they never touch notification
// state, which flows back through the state machine in the orchestrator.
package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

// Sender performs exactly one delivery attempt on its channel. A failure
// comes back as a *core.ChannelError carrying its retry classification.
type Sender interface {
	Send(ctx context.Context, n *core.Notification) error
	Channel() core.Channel
}

// Registry resolves the sender for a notification's channel. Built once
// at startup; adding a channel means registering one more sender, not
// editing a switch.
type Registry struct {
	senders  map[core.Channel]Sender
	fallback Sender
	logger   *zap.Logger
}

// NewRegistry creates a registry with an optional fallback used for
// channels with no dedicated sender. Pass nil for no fallback.
func NewRegistry(logger *zap.Logger, fallback Sender) *Registry {
	return &Registry{
		senders:  make(map[core.Channel]Sender),
		fallback: fallback,
		logger:   logger,
	}
}

// Register installs a sender for its channel, replacing any previous one.
func (r *Registry) Register(s Sender) {
	r.senders[s.Channel()] = s
	r.logger.Info("channel sender registered", zap.String("channel", s.Channel().String()))
}

// Lookup returns the sender for ch, falling back when configured.
func (r *Registry) Lookup(ch core.Channel) (Sender, error) {
	if s, ok := r.senders[ch]; ok {
		return s, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, core.NewChannelError(ch, "no_sender", false,
		fmt.Errorf("no sender registered for channel %s", ch))
}

// Send routes the notification to the sender for its channel.
func (r *Registry) Send(ctx context.Context, n *core.Notification) error {
	s, err := r.Lookup(n.Channel)
	if err != nil {
		return err
	}
	r.logger.Debug("routing notification to sender",
		zap.String("channel", n.Channel.String()),
		zap.String("notification_id", n.ID.String()),
	)
	return s.Send(ctx, n)
}

// LogSender logs instead of delivering. Development fallback.
type LogSender struct {
	logger *zap.Logger
	ch     core.Channel
}

// NewLogSender creates a log-only sender claiming the given channel.
func NewLogSender(logger *zap.Logger, ch core.Channel) *LogSender {
	return &LogSender{logger: logger, ch: ch}
}

func (s *LogSender) Send(ctx context.Context, n *core.Notification) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", n.Channel.String()),
		zap.String("subject", n.Subject),
		zap.String("recipient", n.Recipient.AddressFor(n.Channel)),
	)
	return nil
}

func (s *LogSender) Channel() core.Channel { return s.ch }
