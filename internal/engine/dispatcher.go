package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/guyghost/wakeve-sub012/internal/metrics"
	"github.com/guyghost/wakeve-sub012/internal/notify"
)

// Outcome is the result of one Dispatch call.
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeNoDevices   Outcome = "no_devices"
	OutcomeFailed      Outcome = "failed"
)

// Dispatcher admits a request against the recipient's rate limit and hands
// it to the push sender, one message per registered device.
type Dispatcher struct {
	limiter Admitter
	sender  notify.Sender
	devices notify.DeviceStore
	inbox   notify.Inbox
	pacer   *rate.Limiter
	logger  *zap.Logger
}

// NewDispatcher creates a Dispatcher. inbox and pacer may be nil.
func NewDispatcher(limiter Admitter, sender notify.Sender, devices notify.DeviceStore, inbox notify.Inbox, pacer *rate.Limiter, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		limiter: limiter,
		sender:  sender,
		devices: devices,
		inbox:   inbox,
		pacer:   pacer,
		logger:  logger,
	}
}

// Dispatch delivers req on a best-effort basis. Failures are logged and
// reported through the returned Outcome, never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, req notify.NotificationRequest) Outcome {
	outcome := d.dispatch(ctx, req)
	metrics.RecordNotificationDispatched(req.Kind.String(), string(outcome))
	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, req notify.NotificationRequest) Outcome {
	if !d.limiter.TryAdmit(ctx, req.RecipientID) {
		d.logger.Info("notification rate limited",
			zap.String("recipient_id", req.RecipientID),
			zap.String("kind", req.Kind.String()),
			zap.String("event_id", req.EventID),
		)
		metrics.RecordRateLimitRejection(req.Kind.String())
		return OutcomeRateLimited
	}

	id := uuid.NewString()

	// the digest summarizes the inbox, it is not part of it
	if d.inbox != nil && req.Kind != notify.KindWeeklyDigest {
		if err := d.inbox.RecordNotification(ctx, id, req); err != nil {
			d.logger.Warn("failed to record notification",
				zap.String("notification_id", id),
				zap.String("recipient_id", req.RecipientID),
				zap.Error(err),
			)
		}
	}

	devices, err := d.devices.GetDevices(ctx, req.RecipientID)
	if err != nil {
		d.logger.Warn("failed to load devices",
			zap.String("recipient_id", req.RecipientID),
			zap.Error(err),
		)
		return OutcomeFailed
	}
	if len(devices) == 0 {
		d.logger.Debug("recipient has no devices",
			zap.String("recipient_id", req.RecipientID),
			zap.String("kind", req.Kind.String()),
		)
		return OutcomeNoDevices
	}

	data := req.Data()
	data["notification_id"] = id

	failed := 0
	for _, dev := range devices {
		if d.pacer != nil {
			if err := d.pacer.Wait(ctx); err != nil {
				return OutcomeFailed
			}
		}

		start := time.Now()
		err := d.sender.Send(ctx, notify.Message{
			DeviceToken: dev.Token,
			Platform:    dev.Platform,
			Title:       req.Title,
			Body:        req.Body,
			Data:        data,
		})
		metrics.RecordPushLatency(string(dev.Platform), time.Since(start))

		if err != nil {
			failed++
			d.logger.Warn("push send failed",
				zap.String("notification_id", id),
				zap.String("recipient_id", req.RecipientID),
				zap.String("platform", string(dev.Platform)),
				zap.Error(err),
			)
			continue
		}
		d.logger.Debug("push sent",
			zap.String("notification_id", id),
			zap.String("recipient_id", req.RecipientID),
			zap.String("platform", string(dev.Platform)),
		)
	}

	if failed == len(devices) {
		return OutcomeFailed
	}
	return OutcomeSent
}
