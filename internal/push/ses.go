package push

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/notify"
)

type sesAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESConfig configures the email channel.
type SESConfig struct {
	Region string
	// FromEmail is the verified sender. Empty means unconfigured: emails are
	// logged instead of sent.
	FromEmail string
}

// SESSender delivers messages for the email platform. The device token is
// the recipient address.
type SESSender struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

// NewSESSender creates an SES sender.
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	if cfg.FromEmail == "" {
		logger.Warn("SES sender address not configured, email will be logged")
		return &SESSender{logger: logger}, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send sends msg as a plain text email.
func (s *SESSender) Send(ctx context.Context, msg notify.Message) error {
	if msg.Platform != notify.PlatformEmail {
		return fmt.Errorf("%w: SES sender only supports email, got: %s", ErrInvalidMessage, msg.Platform)
	}
	if msg.DeviceToken == "" {
		return fmt.Errorf("%w: missing recipient address", ErrInvalidMessage)
	}
	if msg.Title == "" || msg.Body == "" {
		return fmt.Errorf("%w: missing subject or body", ErrInvalidMessage)
	}
	if s.client == nil {
		s.logger.Info("email not sent, SES unconfigured",
			zap.String("to", redact(msg.DeviceToken)),
			zap.String("subject", msg.Title),
		)
		return nil
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.DeviceToken},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Debug("email sent via SES",
		zap.String("notification_id", msg.Data["notification_id"]),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// SupportsPlatform reports whether p is the email platform.
func (s *SESSender) SupportsPlatform(p notify.Platform) bool {
	return p == notify.PlatformEmail
}
