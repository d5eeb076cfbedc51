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

	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/api"
	"github.com/lalithlochan/hrpulse/internal/circuitbreaker"
	"github.com/lalithlochan/hrpulse/internal/config"
	"github.com/lalithlochan/hrpulse/internal/db"
	"github.com/lalithlochan/hrpulse/internal/delivery"
	"github.com/lalithlochan/hrpulse/internal/dispatch"
	"github.com/lalithlochan/hrpulse/internal/health"
	"github.com/lalithlochan/hrpulse/internal/hub"
	"github.com/lalithlochan/hrpulse/internal/identity"
	"github.com/lalithlochan/hrpulse/internal/notify"
	"github.com/lalithlochan/hrpulse/internal/observ"
	"github.com/lalithlochan/hrpulse/internal/offline"
	"github.com/lalithlochan/hrpulse/internal/redis"
	"github.com/lalithlochan/hrpulse/internal/registry"
	"github.com/lalithlochan/hrpulse/internal/sns"
	"github.com/lalithlochan/hrpulse/internal/sqs"
	"github.com/lalithlochan/hrpulse/internal/transport"
	"github.com/lalithlochan/hrpulse/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting hrpulse gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("offline_queue", cfg.OfflineQueueBackend),
	)

	ctx := context.Background()
	readiness := map[string]api.ReadinessCheck{}

	var archive delivery.Archive
	if cfg.DBEnabled {
		database, err := openArchive(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer database.Close()
		archive = db.NewRepository(database.Pool(), logger)
		readiness["postgres"] = database.Health
	}

	redisClient, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		readiness["redis"] = redisClient.Ping
	}

	var queue offline.Queue = offline.NewMemoryQueue(cfg.OfflineQueueMax)
	if cfg.OfflineQueueBackend == config.QueueBackendRedis {
		queue = redis.NewOfflineQueue(redisClient, logger, cfg.OfflineQueueMax, cfg.OfflineQueueTTL)
	}

	reg := registry.New()
	server := transport.NewServer(transport.Config{
		SendBuffer:      cfg.WSSendBuffer,
		WriteTimeout:    cfg.WSWriteTimeout,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
	}, logger)
	tracker := delivery.NewTracker(archive, logger)
	dispatcher := dispatch.New(server, tracker, reg, logger)

	// Critical notifications for offline users fan out over SNS
	var escalator notify.Escalator
	if cfg.SNSEnabled() {
		publisher, err := sns.NewPublisher(ctx, cfg.SNSTopicARN, cfg.SNSRegion, cfg.AWSEndpoint, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, escalation disabled", zap.Error(err))
		} else {
			breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sns-escalation"), logger)
			escalator = circuitbreaker.NewProtectedEscalator(publisher, breaker, logger)
			logger.Info("escalation enabled", zap.String("topic_arn", cfg.SNSTopicARN))
		}
	}

	service := notify.NewService(dispatcher, tracker, queue, reg, escalator, logger)

	monitor := health.New(reg, dispatcher, service, health.Config{
		Interval:            cfg.HeartbeatInterval,
		ResponseTimeout:     cfg.HeartbeatTimeout,
		FailureThreshold:    cfg.HeartbeatFailureThreshold,
		MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		Backoff: health.BackoffPolicy{
			Initial: cfg.RecoveryBackoff,
			Max:     2 * time.Minute,
			Factor:  2,
		},
	}, logger)

	notificationHub := hub.New(reg, server, monitor, service, logger)

	auth, err := identity.NewJWTAuthenticator(identity.JWTConfig{
		Secret: jwtSecret(cfg, logger),
		Issuer: cfg.JWTIssuer,
	})
	if err != nil {
		return fmt.Errorf("authenticator: %w", err)
	}

	// Background loops share one context, cancelled before the server stops
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go monitor.Start(bgCtx)
	go tracker.RunJanitor(bgCtx, cfg.DeliveryPruneInterval, cfg.DeliveryRetention)

	var idempotency api.Idempotency
	var limiter api.Limiter
	if redisClient != nil {
		idempotencyService := redis.NewIdempotencyService(redisClient, logger)
		idempotency = idempotencyService
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: cfg.APIRateWindow,
		})

		if cfg.SQSEnabled() {
			client, err := sqs.NewClient(ctx, sqs.Config{
				Region:   cfg.SQSRegion,
				QueueURL: cfg.SQSQueueURL,
				Endpoint: cfg.AWSEndpoint,
			})
			if err != nil {
				return fmt.Errorf("sqs bridge: %w", err)
			}
			bridge := worker.New(sqs.NewConsumer(client, cfg.SQSQueueURL, logger), idempotencyService, service, worker.Config{}, logger)
			go bridge.Start(bgCtx)
			logger.Info("sqs bridge started", zap.String("queue_url", cfg.SQSQueueURL))
		}
	} else if cfg.SQSEnabled() {
		logger.Warn("sqs bridge needs redis for deduplication, not started")
	}

	router := api.NewRouter(api.RouterConfig{
		Logger:    logger,
		Handler:   api.NewHandler(logger, service, idempotency),
		WebSocket: api.NewWebSocketHandler(auth, notificationHub, server, logger),
		Limiter:   limiter,
		RateLimit: cfg.APIRateLimit,
		Readiness: readiness,
	})

	// WriteTimeout stays unset: websocket connections outlive any request deadline.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.String("addr", srv.Addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	// Heartbeats, the janitor and the bridge stop before connections close.
	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}

func openArchive(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*db.DB, error) {
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("delivery archive: %w", err)
	}
	return database, nil
}

// openRedis returns nil when Redis is disabled, or unreachable and not
// holding the offline queue. Without it the API runs without idempotency
// and rate limiting, and the SQS bridge stays off.
func openRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	if !cfg.RedisEnabled {
		return nil, nil
	}
	client, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err == nil {
		return client, nil
	}
	if cfg.OfflineQueueBackend == config.QueueBackendRedis {
		return nil, fmt.Errorf("redis offline queue: %w", err)
	}
	logger.Warn("redis unavailable, continuing without it", zap.Error(err))
	return nil, nil
}

// jwtSecret falls back to a fixed development secret outside production;
// config.Load already refuses production without JWT_SECRET.
func jwtSecret(cfg *config.Config, logger *zap.Logger) string {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret
	}
	logger.Warn("JWT_SECRET not set, using development secret")
	return "hrpulse-development-secret"
}
