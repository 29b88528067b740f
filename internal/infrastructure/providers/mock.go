package providers

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/google/uuid"
)

// MockProvider is a configurable simulated payment provider. Charges are
// idempotent per payment id, like a real provider keyed by idempotency key.
type MockProvider struct {
	name        string
	successRate float64 // 0.0 to 1.0
	pendingRate float64 // 0.0 to 1.0
	timeoutRate float64 // 0.0 to 1.0
	latency     time.Duration
	sessionTTL  time.Duration

	mu       sync.Mutex
	sessions map[string]time.Time
	charges  map[string]*ProviderResult
	logins   int
}

// MockProviderOption configures a MockProvider.
type MockProviderOption func(*MockProvider)

// WithSuccessRate sets the probability that a charge is approved.
func WithSuccessRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.successRate = rate }
}

// WithPendingRate sets the probability that a charge stays pending, to be
// settled later by webhook.
func WithPendingRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.pendingRate = rate }
}

func WithLatency(d time.Duration) MockProviderOption {
	return func(p *MockProvider) { p.latency = d }
}

// WithTimeoutRate sets the probability of a simulated timeout.
func WithTimeoutRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.timeoutRate = rate }
}

func WithSessionTTL(d time.Duration) MockProviderOption {
	return func(p *MockProvider) { p.sessionTTL = d }
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(name string, opts ...MockProviderOption) *MockProvider {
	p := &MockProvider{
		name:        name,
		successRate: 1.0,
		latency:     100 * time.Millisecond,
		sessionTTL:  10 * time.Minute,
		sessions:    make(map[string]time.Time),
		charges:     make(map[string]*ProviderResult),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *MockProvider) Name() string { return p.name }

// Logins counts Authenticate calls.
func (p *MockProvider) Logins() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logins
}

func (p *MockProvider) Authenticate(ctx context.Context) (*Session, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	s := &Session{Token: "sess_" + uuid.New().String(), ExpiresAt: time.Now().Add(p.sessionTTL)}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s.Token] = s.ExpiresAt
	p.logins++
	return s, nil
}

func (p *MockProvider) ProcessPayment(ctx context.Context, req ProcessRequest) (*ProviderResult, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	if err := p.authorize(req.SessionToken); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.charges[req.PaymentID]; ok && prev.Status != StatusPending {
		return prev, nil
	}

	// Simulate timeout
	if rand.Float64() < p.timeoutRate {
		return nil, domainErrors.ErrProviderTimeout
	}

	var res *ProviderResult
	switch r := rand.Float64(); {
	case r < p.pendingRate:
		res = &ProviderResult{
			TransactionID: fmt.Sprintf("%s_txn_%s", p.name, uuid.New().String()[:8]),
			Status:        StatusPending,
		}
	case r < p.pendingRate+p.successRate:
		res = &ProviderResult{
			TransactionID: fmt.Sprintf("%s_txn_%s", p.name, uuid.New().String()[:8]),
			Status:        StatusSuccess,
		}
	default:
		res = &ProviderResult{
			Status:       StatusFailed,
			ErrorMessage: fmt.Sprintf("%s: simulated decline for payment %s", p.name, req.PaymentID),
		}
	}
	if prev, ok := p.charges[req.PaymentID]; ok && prev.TransactionID != "" && res.TransactionID != "" {
		res.TransactionID = prev.TransactionID
	}
	p.charges[req.PaymentID] = res
	return res, nil
}

func (p *MockProvider) RefundPayment(ctx context.Context, req RefundRequest) (*ProviderResult, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	if err := p.authorize(req.SessionToken); err != nil {
		return nil, err
	}
	if rand.Float64() < p.timeoutRate {
		return nil, domainErrors.ErrProviderTimeout
	}
	return &ProviderResult{
		TransactionID: fmt.Sprintf("%s_refund_%s", p.name, uuid.New().String()[:8]),
		Status:        StatusSuccess,
	}, nil
}

func (p *MockProvider) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(p.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MockProvider) authorize(token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.sessions[token]
	if !ok || time.Now().After(exp) {
		return fmt.Errorf("%s: invalid session: %w", p.name, ErrUnauthorized)
	}
	return nil
}
