package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/api"
	"github.com/guyghost/wakeve-sub012/internal/config"
	"github.com/guyghost/wakeve-sub012/internal/db"
	"github.com/guyghost/wakeve-sub012/internal/engine"
	"github.com/guyghost/wakeve-sub012/internal/i18n"
	"github.com/guyghost/wakeve-sub012/internal/metrics"
	"github.com/guyghost/wakeve-sub012/internal/observ"
	"github.com/guyghost/wakeve-sub012/internal/redis"
	"github.com/guyghost/wakeve-sub012/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting wakeve notifier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("timezone", cfg.Timezone),
	)

	ctx := context.Background()
	loc := cfg.Location()

	// Initialize database connection
	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger.Named("db"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, loc, logger.Named("repository"))

	// Redis is optional: without it rate limits, markers and idempotency
	// keys live in this process only.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger.Named("redis"))
	if err != nil {
		logger.Warn("redis unavailable, using in-memory state",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var markers *redis.MarkerStore
	if redisClient != nil {
		defer redisClient.Close()
		markers = redis.NewMarkerStore(redisClient, logger.Named("markers"))
	}

	// Push channels
	sender, breakers, err := buildSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	localizer, err := i18n.New(cfg.DefaultLocale)
	if err != nil {
		return fmt.Errorf("failed to create localizer: %w", err)
	}

	// Notification engine
	engCfg := engine.DefaultConfig()
	engCfg.BatchWindow = cfg.BatchWindow
	engCfg.RateLimitMax = cfg.RateLimitMax
	engCfg.RateLimitWindow = cfg.RateLimitWindow
	engCfg.DefaultLocale = cfg.DefaultLocale
	engCfg.PushRatePerSec = cfg.PushRatePerSec
	engCfg.Scheduler = engine.SchedulerConfig{
		DeadlineSweepInterval: cfg.DeadlineSweepInterval,
		DayOfSweepInterval:    cfg.DayOfSweepInterval,
		DigestCheckInterval:   cfg.DigestCheckInterval,
		DigestWeekday:         cfg.DigestWeekday,
		DigestHour:            cfg.DigestHour,
		DigestSlot:            cfg.DigestSlot,
		Location:              loc,
		MarkerTTL:             cfg.MarkerTTL,
	}

	deps := engine.Deps{
		Events:    repo,
		Unread:    repo,
		Devices:   repo,
		Locales:   repo,
		Inbox:     repo,
		Sender:    sender,
		Localizer: localizer,
	}
	if redisClient != nil {
		deps.Limiter = redis.NewRateLimiter(redisClient, logger.Named("ratelimit"), redis.RateLimitConfig{
			Limit:  cfg.RateLimitMax,
			Window: cfg.RateLimitWindow,
			Scope:  "recipient",
		})
		deps.Markers = markers
	}

	eng, err := engine.New(engCfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// API handler options
	opts := []api.Option{
		api.WithBreakers(breakers...),
		api.WithHealthCheck("postgres", database.Health),
	}
	var apiLimiter api.Limiter
	if redisClient != nil {
		opts = append(opts,
			api.WithIdempotency(markers),
			api.WithHealthCheck("redis", redisClient.Ping),
		)
		apiLimiter = redis.NewRateLimiter(redisClient, logger.Named("api-ratelimit"), redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: time.Minute,
			Scope:  "api",
		})
	}

	// SQS intake
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()
	consumerDone := make(chan struct{})

	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			DLQURL:   cfg.SQSDLQURL,
		}
		client, err := sqs.NewClient(ctx, sqsCfg.Region)
		if err != nil {
			return fmt.Errorf("failed to create SQS client: %w", err)
		}
		opts = append(opts, api.WithProducer(sqs.NewProducer(client, sqsCfg.QueueURL, logger.Named("sqs-producer"))))

		var dedup sqs.Deduper
		if markers != nil {
			dedup = markers
		}
		consumer := sqs.NewConsumer(client, sqs.ConsumerConfig{
			QueueURL:    sqsCfg.QueueURL,
			DLQURL:      sqsCfg.DLQURL,
			MaxReceives: cfg.SQSMaxReceives,
		}, eng, dedup, logger.Named("sqs-consumer"))

		go func() {
			defer close(consumerDone)
			if err := consumer.Run(consumerCtx); err != nil {
				logger.Error("sqs consumer exited", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
		logger.Info("SQS_QUEUE_URL not set, domain events are handled in-process")
	}

	handler := api.NewHandler(logger.Named("api"), eng, opts...)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, cfg.APIRateLimit, logger, api.ClientKeyFunc))
		handler.Routes(r)
	})

	r.Get("/health", handler.Health)

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	// Give outstanding requests and tasks 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	consumerCancel()
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warn("sqs consumer did not stop in time")
	}

	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown incomplete", zap.Error(err))
	}

	logger.Info("notifier stopped")
	return runErr
}
