package providers

import (
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/config"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/observability"
	"github.com/sony/gobreaker/v2"
)

// ErrUnauthorized means the provider rejected the session token.
var ErrUnauthorized = errors.New("provider session rejected")

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold uint32
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
}

// Factory holds providers, each behind its own circuit breaker.
type Factory struct {
	providers       map[string]Provider
	circuitBreakers map[string]*gobreaker.CircuitBreaker[*ProviderResult]
	cfg             BreakerConfig
	metrics         *observability.Metrics
}

// NewFactory creates a provider factory. metrics may be nil.
func NewFactory(cfg BreakerConfig, metrics *observability.Metrics, providersList ...Provider) *Factory {
	if cfg.Threshold == 0 {
		cfg.Threshold = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	f := &Factory{
		providers:       make(map[string]Provider),
		circuitBreakers: make(map[string]*gobreaker.CircuitBreaker[*ProviderResult]),
		cfg:             cfg,
		metrics:         metrics,
	}
	for _, p := range providersList {
		f.Register(p)
	}
	return f
}

// NewFactoryFromConfig registers the configured simulated provider.
func NewFactoryFromConfig(cfg config.ProviderConfig, metrics *observability.Metrics) *Factory {
	threshold := cfg.CircuitBreakerThreshold
	if threshold < 0 {
		threshold = 0
	}
	mock := NewMockProvider(cfg.Name,
		WithSuccessRate(cfg.MockSuccessRate),
		WithPendingRate(cfg.MockPendingRate),
		WithLatency(cfg.MockLatency),
		WithSessionTTL(cfg.SessionTTL),
	)
	return NewFactory(BreakerConfig{
		Threshold: uint32(threshold),
		Timeout:   cfg.CircuitBreakerTimeout,
	}, metrics, mock)
}

// Register registers a provider and creates a circuit breaker for it.
func (f *Factory) Register(p Provider) {
	f.providers[p.Name()] = p
	f.circuitBreakers[p.Name()] = gobreaker.NewCircuitBreaker[*ProviderResult](gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     f.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= f.cfg.Threshold
		},
		// A rejected session is the caller's problem, not provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnauthorized)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if f.metrics != nil {
				f.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
}

// Get returns the provider and its circuit breaker for the given name.
func (f *Factory) Get(name string) (Provider, *gobreaker.CircuitBreaker[*ProviderResult], error) {
	p, ok := f.providers[name]
	if !ok {
		return nil, nil, fmt.Errorf("unknown provider %q: %w", name, domainErrors.ErrProviderNotFound)
	}
	return p, f.circuitBreakers[name], nil
}

// Call runs fn against the named provider through its breaker. An open
// breaker surfaces as ErrProviderUnavailable.
func (f *Factory) Call(name string, fn func(p Provider) (*ProviderResult, error)) (*ProviderResult, error) {
	p, breaker, err := f.Get(name)
	if err != nil {
		return nil, err
	}

	res, err := breaker.Execute(func() (*ProviderResult, error) {
		return fn(p)
	})
	f.count(name, err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w: %w", name, domainErrors.ErrProviderUnavailable, err)
	}
	return res, err
}

func (f *Factory) count(name string, err error) {
	if f.metrics == nil {
		return
	}
	result := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
	case err != nil:
		result = "failure"
	}
	f.metrics.CircuitBreakerRequests.WithLabelValues(name, result).Inc()
}
