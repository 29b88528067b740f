package controller

import (
	"net/http"
	"time"

	"github.com/cassiomorais/paymentflow/internal/infrastructure/config"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/paymentflow/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	Payments   PaymentService
	Refunds    Refunder
	Webhooks   WebhookIngestor
	Halted     func() bool
	Checks     []Check
	Metrics    *observability.Metrics
	Gatherer   prometheus.Gatherer
	CORSConfig config.CORSConfig
	Webhook    config.WebhookConfig
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics))
	}

	healthH := NewHealthController(deps.Halted, deps.Checks...)
	paymentH := NewPaymentController(deps.Payments, deps.Refunds)
	webhookH := NewWebhookController(deps.Webhooks)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	var metricsHandler http.Handler = promhttp.Handler()
	if deps.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
	}
	r.Handle("/metrics", metricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/payments", paymentH.CreatePayment)
		r.Get("/payments/{id}", paymentH.GetPayment)
		r.Post("/payments/{id}/refund", paymentH.RefundPayment)
	})

	r.With(customMW.RateLimit(deps.Webhook.RateLimit, deps.Webhook.RateWindow)).
		Post("/webhooks/provider", webhookH.Receive)

	return r
}
