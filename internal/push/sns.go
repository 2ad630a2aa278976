package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/notify"
)

type snsAPI interface {
	CreatePlatformEndpoint(ctx context.Context, in *sns.CreatePlatformEndpointInput, optFns ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error)
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig configures one mobile platform behind SNS.
type SNSConfig struct {
	Region   string
	Platform notify.Platform // PlatformFCM or PlatformAPNs
	// PlatformARN is the SNS platform application. Empty means unconfigured:
	// messages are logged instead of sent.
	PlatformARN string
	// Sandbox targets the APNs development environment.
	Sandbox bool
}

// SNSSender publishes push notifications to SNS platform endpoints, creating
// the endpoint for a device token on first use.
type SNSSender struct {
	client snsAPI
	cfg    SNSConfig
	logger *zap.Logger

	mu        sync.Mutex
	endpoints map[string]string // device token -> endpoint ARN
}

// NewSNSSender creates an SNS sender. No AWS config is loaded when the
// platform ARN is empty.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	if cfg.PlatformARN == "" {
		logger.Warn("SNS platform application not configured, push will be logged",
			zap.String("platform", string(cfg.Platform)),
		)
		return newSNSSender(nil, cfg, logger), nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return newSNSSender(sns.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSNSSender(client snsAPI, cfg SNSConfig, logger *zap.Logger) *SNSSender {
	return &SNSSender{
		client:    client,
		cfg:       cfg,
		logger:    logger,
		endpoints: make(map[string]string),
	}
}

// Send publishes msg to the device's platform endpoint.
func (s *SNSSender) Send(ctx context.Context, msg notify.Message) error {
	if msg.Platform != s.cfg.Platform {
		return fmt.Errorf("%w: SNS %s sender got a %s message", ErrInvalidMessage, s.cfg.Platform, msg.Platform)
	}
	if msg.DeviceToken == "" {
		return fmt.Errorf("%w: missing device token", ErrInvalidMessage)
	}
	if s.client == nil {
		s.logger.Info("push not sent, SNS unconfigured",
			zap.String("platform", string(msg.Platform)),
			zap.String("device_token", redact(msg.DeviceToken)),
			zap.String("title", msg.Title),
		)
		return nil
	}

	payload, err := s.payload(msg)
	if err != nil {
		return err
	}

	endpoint, err := s.endpoint(ctx, msg.DeviceToken)
	if err != nil {
		return err
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(endpoint),
		Message:          aws.String(payload),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		var disabled *types.EndpointDisabledException
		if errors.As(err, &disabled) {
			s.forget(msg.DeviceToken)
			return fmt.Errorf("%w: %s", ErrEndpointDisabled, redact(msg.DeviceToken))
		}
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Debug("push sent via SNS",
		zap.String("platform", string(msg.Platform)),
		zap.String("notification_id", msg.Data["notification_id"]),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// SupportsPlatform reports whether p is the configured platform.
func (s *SNSSender) SupportsPlatform(p notify.Platform) bool {
	return p == s.cfg.Platform
}

func (s *SNSSender) endpoint(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	arn, ok := s.endpoints[token]
	s.mu.Unlock()
	if ok {
		return arn, nil
	}

	// CreatePlatformEndpoint is idempotent for a token already registered
	out, err := s.client.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(s.cfg.PlatformARN),
		Token:                  aws.String(token),
	})
	if err != nil {
		return "", fmt.Errorf("sns create endpoint failed: %w", err)
	}
	arn = aws.ToString(out.EndpointArn)

	s.mu.Lock()
	s.endpoints[token] = arn
	s.mu.Unlock()
	return arn, nil
}

func (s *SNSSender) forget(token string) {
	s.mu.Lock()
	delete(s.endpoints, token)
	s.mu.Unlock()
}

type fcmPayload struct {
	Notification struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"notification"`
	Data map[string]string `json:"data,omitempty"`
}

type apnsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// payload builds the per-protocol JSON document SNS expects with
// MessageStructure=json.
func (s *SNSSender) payload(msg notify.Message) (string, error) {
	doc := map[string]string{"default": msg.Body}

	switch s.cfg.Platform {
	case notify.PlatformFCM:
		var p fcmPayload
		p.Notification.Title = msg.Title
		p.Notification.Body = msg.Body
		p.Data = msg.Data
		b, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("failed to marshal FCM payload: %w", err)
		}
		doc["GCM"] = string(b)

	case notify.PlatformAPNs:
		p := map[string]any{
			"aps": map[string]any{
				"alert": apnsAlert{Title: msg.Title, Body: msg.Body},
				"sound": "default",
			},
		}
		for k, v := range msg.Data {
			if k != "aps" {
				p[k] = v
			}
		}
		b, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("failed to marshal APNs payload: %w", err)
		}
		key := "APNS"
		if s.cfg.Sandbox {
			key = "APNS_SANDBOX"
		}
		doc[key] = string(b)

	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, s.cfg.Platform)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal SNS message: %w", err)
	}
	return string(out), nil
}
