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
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/api"
	"github.com/larsjm/notiq/internal/circuitbreaker"
	"github.com/larsjm/notiq/internal/config"
	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/metrics"
	"github.com/larsjm/notiq/internal/observ"
	"github.com/larsjm/notiq/internal/redis"
	"github.com/larsjm/notiq/internal/sns"
	"github.com/larsjm/notiq/internal/sqs"
	"github.com/larsjm/notiq/internal/worker"
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

	logger.Info("starting notiq gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repository
	repo := db.NewRepository(database, logger)

	// Initialize Redis for idempotency and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per creator
		})
		defer redisClient.Close()
	}

	// Initialize SQS producer for order-registered events
	var producer *sqs.Producer
	if cfg.OrderEventQueueURL != "" {
		producer, err = sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.OrderEventQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, order events will not be enqueued",
				zap.Error(err),
			)
			producer = nil
		}
	}

	// Initialize SNS publisher for order-completed events
	var completionPublisher *sns.Publisher
	if cfg.CompletionTopicARN != "" {
		completionPublisher, err = sns.NewPublisher(ctx, cfg.CompletionTopicARN)
		if err != nil {
			logger.Warn("sns completion publisher unavailable, completion events disabled",
				zap.Error(err),
			)
			completionPublisher = nil
		}
	}

	// Delivery providers, each behind its own circuit breaker so a dead
	// provider fails fast instead of burning the dispatch loop.
	sesSender, err := worker.NewSESSender(ctx, worker.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES email sender: %w", err)
	}
	emailSender := circuitbreaker.NewProtectedSender(sesSender,
		circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger), logger)

	var senders []worker.Sender
	senders = append(senders, emailSender)

	snsSender, err := worker.NewSNSSender(ctx, worker.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS deliveries disabled",
			zap.Error(err),
		)
	} else {
		senders = append(senders, circuitbreaker.NewProtectedSender(snsSender,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger), logger))
	}

	multiSender := worker.NewMultiSender(logger, senders...)

	logger.Info("delivery providers initialized",
		zap.Bool("email_enabled", true),
		zap.Bool("sms_enabled", len(senders) > 1),
	)

	// Background engine: fan-out, dispatch, and the expiry/retention sweeps.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	processor := worker.NewProcessor(repo, nil, worker.ProcessorConfig{
		PollInterval:       cfg.OrderPollInterval,
		BatchSize:          cfg.DispatchBatchSize,
		NotificationExpiry: cfg.NotificationExpiry,
	}, logger)
	go processor.Start(workerCtx)

	dispatcher := worker.NewDispatcher(repo, multiSender, worker.DispatcherConfig{
		PollInterval: cfg.DispatchPollInterval,
		BatchSize:    cfg.DispatchBatchSize,
	}, logger)
	go dispatcher.Start(workerCtx)

	sweeper := worker.NewSweeper(repo, worker.SweeperConfig{
		Interval:      cfg.SweepInterval,
		FeedRetention: cfg.FeedRetention,
	}, logger)
	go sweeper.Start(workerCtx)

	// Delivery report consumer (asynchronous provider status)
	if cfg.ReportQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.ReportQueueURL,
		}, repo, logger)
		if err != nil {
			logger.Warn("report consumer unavailable, delivery reports disabled",
				zap.Error(err),
			)
		} else {
			if completionPublisher != nil {
				consumer = consumer.WithPublisher(completionPublisher)
			}
			go consumer.Start(workerCtx)
		}
	}

	logger.Info("background engine started")

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
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, repo).WithFeedPageSize(cfg.FeedPageSize)
	if idempotencyService != nil {
		handler = handler.WithIdempotency(idempotencyService)
	}
	if producer != nil {
		handler = handler.WithOrderEvents(producer)
	}
	if completionPublisher != nil {
		handler = handler.WithCompletionEvents(completionPublisher)
	}

	r.Route("/v1", func(r chi.Router) {
		// Apply per-creator rate limiting to API routes
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.CreatorKeyFunc))

		r.Post("/orders", handler.CreateOrder)
		r.Get("/orders/{id}", handler.GetOrder)
		r.Put("/orders/{id}/cancel", handler.CancelOrder)

		r.Post("/callbacks/email", handler.EmailCallback)
		r.Post("/callbacks/sms", handler.SMSCallback)

		r.Get("/feed", handler.GetStatusFeed)
		r.Get("/shipments/{id}/manifest", handler.GetManifest)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
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

	// Block until we receive a signal or server error
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
