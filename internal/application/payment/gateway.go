package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/paymentflow/internal/cache"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/providers"
	"github.com/cassiomorais/paymentflow/pkg/clock"
	"github.com/rs/zerolog"
)

// GatewayConfig selects the provider and bounds calls to it.
type GatewayConfig struct {
	Provider   string
	Timeout    time.Duration
	SessionTTL time.Duration
}

// Gateway calls the configured provider through its circuit breaker and
// keeps the provider session in the cache so instances share one login.
type Gateway struct {
	factory *providers.Factory
	cache   cache.Cache
	clock   clock.Clock
	cfg     GatewayConfig
	logger  zerolog.Logger
}

func NewGateway(factory *providers.Factory, c cache.Cache, clk clock.Clock, cfg GatewayConfig, logger zerolog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10 * time.Minute
	}
	return &Gateway{
		factory: factory,
		cache:   c,
		clock:   clk,
		cfg:     cfg,
		logger:  logger.With().Str("provider", cfg.Provider).Logger(),
	}
}

// Charge asks the provider to settle p.
func (g *Gateway) Charge(ctx context.Context, p *payment.Payment) (*providers.ProviderResult, error) {
	return g.call(ctx, func(ctx context.Context, pr providers.Provider, token string) (*providers.ProviderResult, error) {
		return pr.ProcessPayment(ctx, providers.ProcessRequest{
			SessionToken: token,
			PaymentID:    p.ID.String(),
			AmountCents:  p.Amount.ValueCents,
			Currency:     p.Amount.Currency,
		})
	})
}

// Refund asks the provider to return the full amount of p.
func (g *Gateway) Refund(ctx context.Context, p *payment.Payment) (*providers.ProviderResult, error) {
	var txID string
	if p.ProviderReference != nil {
		txID = *p.ProviderReference
	}
	return g.call(ctx, func(ctx context.Context, pr providers.Provider, token string) (*providers.ProviderResult, error) {
		return pr.RefundPayment(ctx, providers.RefundRequest{
			SessionToken:  token,
			PaymentID:     p.ID.String(),
			TransactionID: txID,
			AmountCents:   p.Amount.ValueCents,
			Currency:      p.Amount.Currency,
		})
	})
}

type providerCall func(ctx context.Context, pr providers.Provider, token string) (*providers.ProviderResult, error)

// call runs fn with a cached session, logging in again once if the provider
// rejects the cached token.
func (g *Gateway) call(ctx context.Context, fn providerCall) (*providers.ProviderResult, error) {
	res, err := g.callOnce(ctx, fn, false)
	if errors.Is(err, providers.ErrUnauthorized) {
		g.logger.Info().Msg("provider session rejected, logging in again")
		res, err = g.callOnce(ctx, fn, true)
	}
	return res, err
}

func (g *Gateway) callOnce(ctx context.Context, fn providerCall, fresh bool) (*providers.ProviderResult, error) {
	pr, _, err := g.factory.Get(g.cfg.Provider)
	if err != nil {
		return nil, err
	}
	token, err := g.session(ctx, pr, fresh)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return g.factory.Call(g.cfg.Provider, func(pr providers.Provider) (*providers.ProviderResult, error) {
		return fn(callCtx, pr, token)
	})
}

func (g *Gateway) session(ctx context.Context, pr providers.Provider, fresh bool) (string, error) {
	key := cache.ProviderSessionKey(g.cfg.Provider)
	if !fresh {
		token, ok, err := g.cache.Get(ctx, key)
		if err != nil {
			g.logger.Warn().Err(err).Msg("provider session cache lookup failed")
		} else if ok {
			return token, nil
		}
	}

	authCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	s, err := pr.Authenticate(authCtx)
	if err != nil {
		return "", fmt.Errorf("authenticate with %s: %w", g.cfg.Provider, err)
	}

	ttl := g.cfg.SessionTTL
	if left := s.ExpiresAt.Sub(g.clock.Now()); left > 0 && left < ttl {
		ttl = left
	}
	if err := g.cache.Set(ctx, key, s.Token, ttl); err != nil {
		g.logger.Warn().Err(err).Msg("provider session cache write failed")
	}
	return s.Token, nil
}
