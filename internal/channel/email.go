package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

// EmailSender delivers email notifications via AWS SES.
type EmailSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

// EmailConfig holds SES settings.
type EmailConfig struct {
	Region    string
	FromEmail string
}

// NewEmailSender creates an SES-backed email sender.
func NewEmailSender(ctx context.Context, cfg EmailConfig, logger *zap.Logger) (*EmailSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &EmailSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (s *EmailSender) Send(ctx context.Context, n *core.Notification) error {
	to := n.Recipient.Email
	if to == "" {
		return core.NewChannelError(core.ChannelEmail, "missing_recipient", false,
			fmt.Errorf("notification %s has no recipient email", n.ID))
	}

	body := &types.Body{
		Text: &types.Content{
			Data:    aws.String(n.Content.Text),
			Charset: aws.String("UTF-8"),
		},
	}
	if n.Content.HTML != "" {
		body.Html = &types.Content{
			Data:    aws.String(n.Content.HTML),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &types.Destination{ToAddresses: []string{to}},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(n.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		// Provider-side failures are transient until proven otherwise.
		return core.NewChannelError(core.ChannelEmail, "ses_send", true,
			fmt.Errorf("ses send: %w", err))
	}

	s.logger.Info("email sent via SES",
		zap.String("notification_id", n.ID.String()),
		zap.String("to", to),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *EmailSender) Channel() core.Channel { return core.ChannelEmail }
