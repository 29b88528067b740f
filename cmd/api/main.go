package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	paymentApp "github.com/cassiomorais/paymentflow/internal/application/payment"
	webhookApp "github.com/cassiomorais/paymentflow/internal/application/webhook"
	"github.com/cassiomorais/paymentflow/internal/bootstrap"
	"github.com/cassiomorais/paymentflow/internal/controller"
)

func main() {
	ctx := context.Background()

	app, err := bootstrap.New(ctx, "paymentflow-api", "paymentflow")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}

	// --- Application services ---
	refunds := paymentApp.NewRefundUseCase(app.StateMachine, app.Gateway, app.Logger)
	ingestor := webhookApp.NewIngestor(app.Webhooks, app.Outbox, app.Tx, app.StateMachine, app.Clock, app.Logger).
		WithMetrics(app.Metrics)

	// --- Build router ---
	router := controller.NewRouter(controller.RouterDeps{
		Payments: app.StateMachine,
		Refunds:  refunds,
		Webhooks: ingestor,
		Halted:   app.StateMachine.Halted,
		Checks: []controller.Check{
			{Name: "database", Ping: app.Pool.Ping},
			{Name: "redis", Ping: func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() }},
		},
		Metrics:    app.Metrics,
		Gatherer:   app.Registry,
		CORSConfig: app.Config.Server.CORS,
		Webhook:    app.Config.Webhook,
	})

	// --- HTTP server ---
	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serveErr:
		app.Logger.Error().Err(err).Msg("HTTP server failed")
	}

	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	app.Close(shutdownCtx)
	app.Logger.Info().Msg("Server exited")
}
