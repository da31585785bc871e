package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/api"
	"github.com/courierhq/courier/internal/batch"
	"github.com/courierhq/courier/internal/channel"
	"github.com/courierhq/courier/internal/circuitbreaker"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/engine"
	"github.com/courierhq/courier/internal/events"
	"github.com/courierhq/courier/internal/idempotency"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/observ"
	"github.com/courierhq/courier/internal/queue"
	"github.com/courierhq/courier/internal/ratelimit"
	"github.com/courierhq/courier/internal/store"
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

	logger.Info("starting courier engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("broker", cfg.Broker),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := store.New(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	st := store.NewStore(database, logger)

	// Initialize the dispatch queue broker
	var broker queue.Broker
	switch cfg.Broker {
	case "amqp":
		broker, err = queue.NewAMQPBroker(queue.AMQPConfig{URL: cfg.AMQPURL}, logger)
	default:
		broker, err = queue.NewRedisBroker(ctx, queue.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s broker: %w", cfg.Broker, err)
	}
	defer broker.Close()

	// Redis client for API rate limiting and idempotency; an outage here
	// disables both instead of blocking intake.
	var (
		limiter *ratelimit.Limiter
		idem    *idempotency.Service
	)
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, rate limiting and idempotency disabled", zap.Error(err))
		_ = rdb.Close()
	} else {
		limiter = ratelimit.New(rdb, logger, ratelimit.Config{
			Limit:  100,
			Window: 1 * time.Minute,
		})
		idem = idempotency.NewService(rdb, logger)
		defer rdb.Close()
	}

	// Channel senders, each behind its own circuit breaker so one
	// failing provider cannot take the rest down with it.
	registry := channel.NewRegistry(logger, channel.NewLogSender(logger, ""))

	emailSender, err := channel.NewEmailSender(ctx, channel.EmailConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES email sender: %w", err)
	}
	registry.Register(protect(emailSender, "email", logger))

	smsSender, err := channel.NewSMSSender(ctx, channel.SMSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, sms notifications disabled", zap.Error(err))
	} else {
		registry.Register(protect(smsSender, "sms", logger))
	}

	pushSender, err := channel.NewPushSender(ctx, channel.PushConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS push sender unavailable, push notifications disabled", zap.Error(err))
	} else {
		registry.Register(protect(pushSender, "push", logger))
	}

	webhookTimeout := time.Duration(cfg.WebhookTimeout) * time.Second
	registry.Register(protect(channel.NewWebhookSender(logger, channel.WebhookConfig{
		Timeout: webhookTimeout,
	}), "webhook", logger))
	registry.Register(protect(channel.NewChatSender(logger, webhookTimeout), "chat", logger))

	// Event bus with a logging subscriber for delivered notifications
	bus := events.NewBus(logger)
	defer bus.Close()
	bus.Subscribe(func(e events.Event) {
		if e.Name == events.NotificationDelivered {
			logger.Info("notification delivered",
				zap.String("notification_id", e.NotificationID.String()),
			)
		}
	})

	// Delivery engine
	svc := engine.NewService(st, broker, registry, bus, engine.Config{
		SendTimeout: webhookTimeout,
	}, logger)
	defer svc.Shutdown()

	// Consume dispatch jobs until shutdown
	consumeCtx, consumeCancel := context.WithCancel(context.Background())
	defer consumeCancel()
	go func() {
		if err := broker.Consume(consumeCtx, cfg.WorkerConcurrency, svc.HandleJob); err != nil {
			logger.Error("broker consume loop exited", zap.Error(err))
		}
	}()

	logger.Info("dispatch consumer started", zap.Int("concurrency", cfg.WorkerConcurrency))

	// Periodic sweep and watchdog
	sweeper := engine.NewSweeper(svc, engine.SweeperConfig{
		SweepSchedule:    cfg.SweepSchedule,
		WatchdogSchedule: cfg.WatchdogSchedule,
	}, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	defer sweeper.Stop()

	// Batch coordinator
	batches := batch.NewCoordinator(st, svc, broker, batch.Config{
		Concurrency: cfg.BatchConcurrency,
	}, logger)

	// Setup router
	r := chi.NewRouter()

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
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	var handler *api.Handler
	if idem != nil {
		handler = api.NewHandlerWithIdempotency(logger, svc, batches, idem)
	} else {
		handler = api.NewHandler(logger, svc, batches)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(limiter, logger, api.SourceKeyFunc))

		r.Post("/notifications", handler.CreateNotification)
		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Patch("/notifications/{id}/status", handler.UpdateNotificationStatus)
		r.Post("/notifications/{id}/cancel", handler.CancelNotification)
		r.Delete("/notifications/{id}", handler.DeleteNotification)
		r.Get("/notifications/{id}/errors", handler.GetNotificationErrors)

		r.Post("/batches", handler.CreateBatch)
		r.Get("/batches/health", handler.GetBatchHealth)
		r.Get("/batches/{id}", handler.GetBatch)
		r.Post("/batches/{id}/notifications", handler.AddBatchMembers)
		r.Post("/batches/{id}/process", handler.ProcessBatch)
		r.Post("/batches/{id}/retry", handler.RetryBatch)
		r.Post("/batches/{id}/cancel", handler.CancelBatch)

		r.Get("/queue", handler.GetQueueMetrics)
		r.Post("/queue/pause", handler.PauseQueue)
		r.Post("/queue/resume", handler.ResumeQueue)

		r.Get("/analytics/deliveries", handler.GetDeliveryMetrics)
		r.Get("/analytics/channels", handler.GetChannelStatistics)
		r.Get("/analytics/errors/export", handler.ExportErrors)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

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

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// protect wraps a sender with a per-channel circuit breaker.
func protect(s circuitbreaker.Sender, name string, logger *zap.Logger) channel.Sender {
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: name}, logger)
	return circuitbreaker.NewProtectedSender(s, breaker, logger)
}
