package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	outboxApp "github.com/cassiomorais/paymentflow/internal/application/outbox"
	paymentApp "github.com/cassiomorais/paymentflow/internal/application/payment"
	"github.com/cassiomorais/paymentflow/internal/application/reconciliation"
	"github.com/cassiomorais/paymentflow/internal/bootstrap"
	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	infraRedis "github.com/cassiomorais/paymentflow/internal/infrastructure/redis"
	"github.com/cassiomorais/paymentflow/internal/worker"
	"github.com/cassiomorais/paymentflow/pkg/retry"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "paymentflow-worker", "paymentflow_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Config

	// --- Outbox publisher ---
	publisher := outboxApp.NewPublisher(
		app.Outbox, app.Tx,
		infraRedis.NewStreamBus(app.Redis, cfg.Worker.StreamMaxLen),
		app.Clock,
		outboxApp.Config{
			PollInterval:   cfg.Outbox.PollInterval,
			BatchSize:      cfg.Outbox.BatchSize,
			MaxAttempts:    cfg.Outbox.MaxAttempts,
			PublishTimeout: cfg.Outbox.PublishTimeout,
			ClaimLease:     cfg.Outbox.ClaimLease,
			Backoff: retry.Config{
				InitialDelay: cfg.Outbox.BackoffInitial,
				MaxDelay:     cfg.Outbox.BackoffMax,
				Multiplier:   2,
			},
		},
		app.Logger,
	).WithMetrics(app.Metrics)

	// --- Reconciliation detector ---
	detector := reconciliation.NewDetector(
		app.Payments, app.Outbox, app.Tx, app.Clock,
		reconciliation.Config{
			StaleAfter:  cfg.Reconciliation.StaleAfter,
			MaxAttempts: cfg.Outbox.MaxAttempts,
			BatchSize:   cfg.Reconciliation.BatchSize,
			Retry:       retry.DefaultConfig(),
		},
		app.Logger,
	).WithMetrics(app.Metrics)

	// --- Payment processor (payment.created consumer) ---
	processor := paymentApp.NewProcessor(app.StateMachine, app.Gateway, app.Cache, cfg.Idempotency.TTL, app.Logger)
	stream := infraRedis.NewStreamConsumer(
		app.Redis,
		infraRedis.StreamName(outbox.EventPaymentCreated.Topic()),
		cfg.Worker.ConsumerGroup,
		cfg.InstanceID,
		cfg.Worker.BatchSize,
		cfg.Worker.BlockDuration,
	)
	if err := stream.CreateGroup(ctx); err != nil {
		app.Logger.Error().Err(err).Msg("Failed to create consumer group")
		app.Close(context.Background())
		os.Exit(1)
	}
	consumer := worker.NewConsumer(stream, processor, app.Logger).
		WithReclaim(cfg.Worker.ClaimMinIdle, cfg.Worker.ClaimInterval).
		WithMetrics(app.Metrics)

	app.Logger.Info().
		Str("stream", stream.Stream()).
		Str("group", cfg.Worker.ConsumerGroup).
		Str("consumer", cfg.InstanceID).
		Msg("Worker started")

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gCtx) })
	g.Go(func() error { return publisher.Run(gCtx) })
	g.Go(func() error { return detector.Run(gCtx, cfg.Reconciliation.Interval) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}

	app.Logger.Info().Msg("Shutting down worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.Close(shutdownCtx)
	app.Logger.Info().Msg("Worker exited")
}
