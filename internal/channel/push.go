package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

// PushSender delivers push notifications by publishing to an SNS platform
// endpoint identified by the recipient's device token.
type PushSender struct {
	client *sns.Client
	logger *zap.Logger
}

// PushConfig holds SNS settings for mobile push delivery.
type PushConfig struct {
	Region string
}

// NewPushSender creates an SNS-backed push sender.
func NewPushSender(ctx context.Context, cfg PushConfig, logger *zap.Logger) (*PushSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS push: %w", err)
	}
	return &PushSender{client: sns.NewFromConfig(awsCfg), logger: logger}, nil
}

func (s *PushSender) Send(ctx context.Context, n *core.Notification) error {
	endpoint := n.Recipient.DeviceToken
	if endpoint == "" {
		return core.NewChannelError(core.ChannelPush, "missing_recipient", false,
			fmt.Errorf("notification %s has no device token", n.ID))
	}

	payload, err := json.Marshal(map[string]string{
		"default": n.Content.Text,
		"title":   n.Subject,
	})
	if err != nil {
		return core.NewChannelError(core.ChannelPush, "payload", false,
			fmt.Errorf("marshal push payload: %w", err))
	}

	input := &sns.PublishInput{
		TargetArn:        aws.String(endpoint),
		Message:          aws.String(string(payload)),
		MessageStructure: aws.String("json"),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return core.NewChannelError(core.ChannelPush, "sns_publish", true,
			fmt.Errorf("sns push publish: %w", err))
	}

	s.logger.Info("push sent via SNS",
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *PushSender) Channel() core.Channel { return core.ChannelPush }
