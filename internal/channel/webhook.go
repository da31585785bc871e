package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

// WebhookSender posts notifications as JSON to the recipient's webhook
// URL. Timeouts and 5xx responses classify as retryable; 4xx responses do
// not, since retrying a rejected payload cannot succeed.
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

// WebhookConfig holds webhook sender settings.
type WebhookConfig struct {
	Timeout time.Duration
}

// NewWebhookSender creates the webhook sender with a per-send timeout.
func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// webhookBody is the envelope posted to the receiver.
type webhookBody struct {
	NotificationID string         `json:"notification_id"`
	Type           string         `json:"type"`
	Subject        string         `json:"subject"`
	Text           string         `json:"text"`
	HTML           string         `json:"html,omitempty"`
	TemplateData   map[string]any `json:"template_data,omitempty"`
}

func (s *WebhookSender) Send(ctx context.Context, n *core.Notification) error {
	return s.post(ctx, core.ChannelWebhook, n.Recipient.WebhookURL, n)
}

func (s *WebhookSender) Channel() core.Channel { return core.ChannelWebhook }

func (s *WebhookSender) post(ctx context.Context, ch core.Channel, url string, n *core.Notification) error {
	if url == "" {
		return core.NewChannelError(ch, "missing_recipient", false,
			fmt.Errorf("notification %s has no %s address", n.ID, ch))
	}

	body, err := json.Marshal(webhookBody{
		NotificationID: n.ID.String(),
		Type:           n.Type.String(),
		Subject:        n.Subject,
		Text:           n.Content.Text,
		HTML:           n.Content.HTML,
		TemplateData:   n.Content.TemplateData,
	})
	if err != nil {
		return core.NewChannelError(ch, "payload", false, fmt.Errorf("marshal body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return core.NewChannelError(ch, "request", false, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Courier/1.0")
	req.Header.Set("X-Courier-Notification-ID", n.ID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		code := "network"
		if errors.Is(err, context.DeadlineExceeded) {
			code = "timeout"
		}
		return core.NewChannelError(ch, code, true, fmt.Errorf("%s request: %w", ch, err))
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		s.logger.Info("webhook delivered",
			zap.String("notification_id", n.ID.String()),
			zap.String("url", url),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return core.NewChannelError(ch, fmt.Sprintf("http_%d", resp.StatusCode), true,
			fmt.Errorf("%s returned %d: %s", ch, resp.StatusCode, string(preview)))
	default:
		return core.NewChannelError(ch, fmt.Sprintf("http_%d", resp.StatusCode), false,
			fmt.Errorf("%s returned %d: %s", ch, resp.StatusCode, string(preview)))
	}
}
