package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/notify"
)

// ProtectedSender fails fast while the provider's breaker is open.
type ProtectedSender struct {
	sender  notify.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps sender with breaker.
func NewProtectedSender(sender notify.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send delivers msg unless the circuit is open.
func (p *ProtectedSender) Send(ctx context.Context, msg notify.Message) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.sender.Send(ctx, msg)
	})
	if errors.Is(err, ErrCircuitOpen) {
		p.logger.Warn("circuit breaker rejected push",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", msg.Data["notification_id"]),
			zap.String("platform", string(msg.Platform)),
		)
	}
	return err
}

// SupportsPlatform delegates to the wrapped sender.
func (p *ProtectedSender) SupportsPlatform(platform notify.Platform) bool {
	return p.sender.SupportsPlatform(platform)
}

// Breaker returns the wrapped breaker.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
