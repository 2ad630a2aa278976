package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/circuitbreaker"
	"github.com/guyghost/wakeve-sub012/internal/config"
	"github.com/guyghost/wakeve-sub012/internal/metrics"
	"github.com/guyghost/wakeve-sub012/internal/notify"
	"github.com/guyghost/wakeve-sub012/internal/push"
)

// buildSender assembles the platform router. Each configured provider sits
// behind its own breaker; unconfigured platforms are logged.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.Sender, []*circuitbreaker.CircuitBreaker, error) {
	logger = logger.Named("push")

	var (
		senders  []notify.Sender
		breakers []*circuitbreaker.CircuitBreaker
		logged   []notify.Platform
	)

	protect := func(name string, s notify.Sender) {
		bcfg := circuitbreaker.DefaultConfig(name)
		// A bad token or address is not a provider outage.
		bcfg.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !push.IsDeviceError(err)
		}
		bcfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		}
		b := circuitbreaker.New(bcfg, logger)
		metrics.SetBreakerState(name, int(circuitbreaker.StateClosed))
		breakers = append(breakers, b)
		senders = append(senders, circuitbreaker.NewProtectedSender(s, b, logger))
	}

	platforms := []struct {
		name     string
		platform notify.Platform
		arn      string
		sandbox  bool
	}{
		{"sns-fcm", notify.PlatformFCM, cfg.SNSFCMPlatformARN, false},
		{"sns-apns", notify.PlatformAPNs, cfg.SNSAPNSPlatformARN, cfg.APNSSandbox},
	}
	for _, p := range platforms {
		if p.arn == "" {
			logged = append(logged, p.platform)
			continue
		}
		s, err := push.NewSNSSender(ctx, push.SNSConfig{
			Region:      cfg.SNSRegion,
			Platform:    p.platform,
			PlatformARN: p.arn,
			Sandbox:     p.sandbox,
		}, logger.Named(p.name))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create %s sender: %w", p.name, err)
		}
		protect(p.name, s)
	}

	if cfg.SESFromEmail != "" {
		s, err := push.NewSESSender(ctx, push.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger.Named("ses"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SES sender: %w", err)
		}
		protect("ses", s)
	} else {
		logged = append(logged, notify.PlatformEmail)
	}

	if len(logged) > 0 {
		senders = append(senders, push.NewLogSender(logger.Named("log"), logged...))
	}

	logger.Info("push channels initialized",
		zap.Bool("fcm_enabled", cfg.SNSFCMPlatformARN != ""),
		zap.Bool("apns_enabled", cfg.SNSAPNSPlatformARN != ""),
		zap.Bool("email_enabled", cfg.SESFromEmail != ""),
	)

	return push.NewMultiSender(logger, senders...), breakers, nil
}
