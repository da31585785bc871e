package channel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

// ChatSender posts chat notifications to the incoming-webhook URL carried
// in the recipient's chat handle (Slack/Discord style). Delivery mechanics
// and classification are shared with the webhook sender.
type ChatSender struct {
	inner *WebhookSender
}

// NewChatSender creates the chat sender.
func NewChatSender(logger *zap.Logger, timeout time.Duration) *ChatSender {
	return &ChatSender{inner: NewWebhookSender(logger, WebhookConfig{Timeout: timeout})}
}

func (s *ChatSender) Send(ctx context.Context, n *core.Notification) error {
	return s.inner.post(ctx, core.ChannelChat, n.Recipient.ChatHandle, n)
}

func (s *ChatSender) Channel() core.Channel { return core.ChannelChat }
