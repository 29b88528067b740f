package bootstrap

import (
	"context"
	"fmt"
	"os"

	paymentApp "github.com/cassiomorais/paymentflow/internal/application/payment"
	"github.com/cassiomorais/paymentflow/internal/cache"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/config"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/dynamodb"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/observability"
	migrations "github.com/cassiomorais/paymentflow/internal/infrastructure/postgres"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/providers"
	infraRedis "github.com/cassiomorais/paymentflow/internal/infrastructure/redis"
	"github.com/cassiomorais/paymentflow/internal/lock"
	"github.com/cassiomorais/paymentflow/internal/repository/postgres"
	"github.com/cassiomorais/paymentflow/pkg/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// App holds the process-wide dependencies shared by the api and worker
// binaries.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Clock    clock.Clock
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	Cache    cache.Cache
	Locks    *lock.Manager
	Payments *postgres.PaymentRepository
	Outbox   *postgres.OutboxRepository
	Webhooks *postgres.WebhookRepository
	Tx       *postgres.TxManager

	StateMachine *paymentApp.StateMachine
	Gateway      *paymentApp.Gateway

	tracer *sdktrace.TracerProvider
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout).
		With().Str("service", serviceName).Str("instance", cfg.InstanceID).Logger()
	logger.Info().Msg("Starting")

	app := &App{Config: cfg, Logger: logger, Clock: clock.System{}}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.tracer = tp
			logger.Info().Msg("Tracing enabled")
		}
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = observability.NewMetrics(metricsNamespace, app.Registry)

	if cfg.Database.AutoMigrate {
		if err := migrations.Up(cfg.Database.DatabaseURL()); err != nil {
			app.Close(context.Background())
			return nil, err
		}
		logger.Info().Msg("Migrations applied")
	}

	app.Pool, err = postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		app.Close(context.Background())
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	app.Redis, err = infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		app.Close(context.Background())
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("Connected to Redis")

	app.Cache, err = newCache(ctx, cfg, app.Redis, app.Clock)
	if err != nil {
		app.Close(context.Background())
		return nil, err
	}
	logger.Info().Str("backend", cfg.Cache.Backend).Msg("Cache initialized")

	app.Locks = lock.NewManager(infraRedis.NewLockStore(app.Redis), app.Clock, lock.Config{
		TTL:            cfg.Lock.TTL,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		PollInterval:   cfg.Lock.PollInterval,
	}, logger).WithObserver(app.Metrics)

	app.Payments = postgres.NewPaymentRepository(app.Pool)
	app.Outbox = postgres.NewOutboxRepository(app.Pool)
	app.Webhooks = postgres.NewWebhookRepository(app.Pool)
	app.Tx = postgres.NewTxManager(app.Pool, cfg.Database.TxTimeout)

	app.StateMachine = paymentApp.NewStateMachine(
		app.Payments, app.Outbox, app.Tx, app.Locks, app.Cache, app.Clock,
		paymentApp.Config{
			IdempotencyTTL: cfg.Idempotency.TTL,
			LockTimeout:    cfg.Lock.AcquireTimeout,
		},
		logger,
	).WithMetrics(app.Metrics)

	app.Gateway = paymentApp.NewGateway(
		providers.NewFactoryFromConfig(cfg.Provider, app.Metrics),
		app.Cache, app.Clock,
		paymentApp.GatewayConfig{
			Provider:   cfg.Provider.Name,
			Timeout:    cfg.Provider.Timeout,
			SessionTTL: cfg.Provider.SessionTTL,
		},
		logger,
	)

	return app, nil
}

func newCache(ctx context.Context, cfg *config.Config, rdb *redis.Client, clk clock.Clock) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case config.CacheBackendDynamoDB:
		client, err := dynamodb.NewClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, fmt.Errorf("connect to dynamodb: %w", err)
		}
		return dynamodb.NewCache(client, cfg.DynamoDB.Table, clk), nil
	case config.CacheBackendMemory:
		return cache.NewMemory(clk), nil
	default:
		return infraRedis.NewCache(rdb), nil
	}
}

// Close flushes traces and releases connections.
func (a *App) Close(ctx context.Context) {
	if a.tracer != nil {
		if err := observability.Shutdown(ctx, a.tracer); err != nil {
			a.Logger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
