package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

// SMSSender delivers SMS notifications via AWS SNS.
type SMSSender struct {
	client *sns.Client
	logger *zap.Logger
}

// SMSConfig holds SNS settings for SMS delivery.
type SMSConfig struct {
	Region string
}

// NewSMSSender creates an SNS-backed SMS sender.
func NewSMSSender(ctx context.Context, cfg SMSConfig, logger *zap.Logger) (*SMSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}
	return &SMSSender{client: sns.NewFromConfig(awsCfg), logger: logger}, nil
}

func (s *SMSSender) Send(ctx context.Context, n *core.Notification) error {
	phone := n.Recipient.Phone
	if phone == "" {
		return core.NewChannelError(core.ChannelSMS, "missing_recipient", false,
			fmt.Errorf("notification %s has no recipient phone", n.ID))
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(n.Content.Text),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return core.NewChannelError(core.ChannelSMS, "sns_publish", true,
			fmt.Errorf("sns publish: %w", err))
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("notification_id", n.ID.String()),
		zap.String("phone", phone),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *SMSSender) Channel() core.Channel { return core.ChannelSMS }
