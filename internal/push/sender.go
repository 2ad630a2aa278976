// Package push delivers notification messages to devices: FCM and APNs
// through SNS platform endpoints, email through SES.
package push

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/notify"
)

var (
	// ErrUnsupportedPlatform is returned when no sender handles a platform.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrInvalidMessage marks a message no provider could deliver as is.
	ErrInvalidMessage = errors.New("invalid push message")
	// ErrEndpointDisabled marks a device the provider no longer accepts.
	ErrEndpointDisabled = errors.New("push endpoint disabled")
)

// IsDeviceError reports whether err concerns one message or device rather
// than the provider.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrEndpointDisabled) ||
		errors.Is(err, ErrUnsupportedPlatform)
}

// MultiSender routes each message to the first sender supporting its platform.
type MultiSender struct {
	senders []notify.Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over senders.
func NewMultiSender(logger *zap.Logger, senders ...notify.Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes msg to the sender for its platform.
func (m *MultiSender) Send(ctx context.Context, msg notify.Message) error {
	for _, sender := range m.senders {
		if sender.SupportsPlatform(msg.Platform) {
			m.logger.Debug("routing message to sender",
				zap.String("platform", string(msg.Platform)),
				zap.String("notification_id", msg.Data["notification_id"]),
			)
			return sender.Send(ctx, msg)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, msg.Platform)
}

// SupportsPlatform checks if any underlying sender supports the platform.
func (m *MultiSender) SupportsPlatform(p notify.Platform) bool {
	for _, sender := range m.senders {
		if sender.SupportsPlatform(p) {
			return true
		}
	}
	return false
}

// LogSender logs messages instead of delivering them. It stands in for a
// platform whose credentials are not configured.
type LogSender struct {
	platforms []notify.Platform
	logger    *zap.Logger
}

// NewLogSender creates a LogSender for the given platforms, or for every
// platform when none is given.
func NewLogSender(logger *zap.Logger, platforms ...notify.Platform) *LogSender {
	return &LogSender{platforms: platforms, logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg notify.Message) error {
	s.logger.Info("logging notification (push not configured)",
		zap.String("platform", string(msg.Platform)),
		zap.String("device_token", redact(msg.DeviceToken)),
		zap.String("title", msg.Title),
		zap.String("body", msg.Body),
		zap.Any("data", msg.Data),
	)
	return nil
}

func (s *LogSender) SupportsPlatform(p notify.Platform) bool {
	if len(s.platforms) == 0 {
		return true
	}
	for _, sp := range s.platforms {
		if sp == p {
			return true
		}
	}
	return false
}

// redact keeps device tokens and addresses out of logs.
func redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
