/**
 * @description
 * This is the main entry point for the exchange-service. It loads configuration, builds the
 * logger, opens the store, connects the optional Redis limiter and RabbitMQ producer, wires
 * the exchange coordinator, starts the outbox dispatcher and identity consumer, and serves
 * the HTTP API until SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/redis/go-redis/v9: Rate limiter backend.
 * - github.com/prometheus/client_golang: Metrics registry.
 * - golang.org/x/sync/errgroup: Lifecycle of the server and background workers.
 * - internal/api, internal/app, internal/config, internal/logging, internal/store.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rewear/exchange-service/internal/api"
	"github.com/rewear/exchange-service/internal/app"
	"github.com/rewear/exchange-service/internal/config"
	"github.com/rewear/exchange-service/internal/logging"
	"github.com/rewear/exchange-service/internal/moderation"
	"github.com/rewear/exchange-service/internal/store"
	rmrabbit "github.com/rewear/exchange-service/pkg/rabbitmq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "exchange-service",
		Env:     cfg.AppEnv,
	})
	defer logger.Sync()
	for _, w := range cfg.Warnings {
		logger.Warn("Configuration value coerced", zap.String("detail", w))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("exchange-service stopped", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting exchange-service", zap.String("port", cfg.ServerPort), zap.String("store", cfg.StoreDriver))

	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := app.NewPrometheusMetrics(registry)

	service := app.NewService(repo, app.ServiceConfig{
		StartingPoints: cfg.StartingPoints,
		EventsExchange: cfg.EventsExchange,
		Policy: moderation.Policy{
			MinPoints: cfg.MinItemPoints,
			MaxPoints: cfg.MaxItemPoints,
			MaxImages: cfg.MaxItemImages,
		},
	}, metrics, logger.Named("coordinator"))

	var limiter app.RateLimiter
	if redisClient := openRedis(ctx, cfg, logger); redisClient != nil {
		defer redisClient.Close()
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	var publisher rmrabbit.Publisher
	if cfg.RabbitMQURL == "" {
		logger.Warn("RABBITMQ_URL missing; outbox events stay queued")
		publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	} else {
		lazy := rmrabbit.NewLazyProducer(cfg.RabbitMQURL, logger.Named("rabbitmq"))
		if err := lazy.Connect(); err != nil {
			logger.Warn("RabbitMQ producer unavailable; will retry on dispatch", zap.Error(err))
		}
		publisher = lazy
	}
	defer publisher.Close()

	dispatcher := app.NewOutboxDispatcher(repo, publisher, cfg.OutboxBatchSize, metrics, logger.Named("outbox"))
	if err := dispatcher.Start(cfg.OutboxDispatchSchedule); err != nil {
		return fmt.Errorf("start outbox dispatcher: %w", err)
	}

	if cfg.RabbitMQURL != "" {
		consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger.Named("identity-consumer"))
		if err != nil {
			logger.Warn("RabbitMQ consumer unavailable; identity events disabled", zap.Error(err))
		} else {
			defer consumer.Close()
			identity := app.NewIdentityEventConsumer(service, logger.Named("identity-consumer"))
			sub := rmrabbit.Subscription{
				Exchange:           cfg.EventsExchange,
				Queue:              cfg.IdentityEventQueue,
				Prefetch:           10,
				DeadLetterExchange: cfg.IdentityDeadLetter,
			}
			if err := consumer.Subscribe(sub, identity.Bindings()); err != nil {
				return fmt.Errorf("start identity consumer: %w", err)
			}
			logger.Info("Identity consumer started", zap.String("queue", cfg.IdentityEventQueue))
		}
	}

	handlers := api.NewHandlers(service, logger.Named("api"))
	server := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.Routes(handlers, api.RouterConfig{
			Identity: api.IdentityConfig{
				Secret:   cfg.JWTSecret,
				JWKSURL:  cfg.JWKSURL,
				Issuer:   cfg.JWTIssuer,
				Audience: cfg.JWTAudience,
			},
			AllowedOrigins:             cfg.AllowedOrigins(),
			Limiter:                    limiter,
			ExchangeRateLimitPerMinute: cfg.ExchangeRateLimitPerMinute,
			Metrics:                    metrics,
			Gatherer:                   registry,
			Logger:                     logger.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown started")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", zap.Error(err))
		}
		select {
		case <-dispatcher.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("Outbox dispatcher did not stop in time")
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("Using the in-process store; state is lost on restart")
		return store.NewMemoryStore(), nil
	}

	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DatabaseURL, logger.Named("migrate")); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = cfg.DBMinConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to stay compatible with transaction poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("Database connected", zap.Int32("max_conns", cfg.DBMaxConns))

	return store.NewPostgresStore(pool, cfg.StoreMaxTxRetries, logger.Named("store")), nil
}

// openRedis returns nil when rate limiting is disabled or Redis is unreachable.
func openRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.ExchangeRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL missing; exchange rate limiting disabled")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("Redis URL parse failed; exchange rate limiting disabled", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis ping failed; exchange rate limiting disabled", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("Redis connected")
	return client
}
