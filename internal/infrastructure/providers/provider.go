package providers

import (
	"context"
	"time"
)

// Result statuses reported by a provider.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPending = "pending"
)

// ProviderResult holds the result of an external provider call. A declined
// charge is a result with StatusFailed, not an error.
type ProviderResult struct {
	TransactionID string
	Status        string
	ErrorMessage  string
}

// Session is a short-lived provider credential.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Provider is the interface that external payment providers implement.
type Provider interface {
	// Name returns the provider name.
	Name() string
	// Authenticate opens a session used by subsequent calls.
	Authenticate(ctx context.Context) (*Session, error)
	// ProcessPayment charges a payment through the provider.
	ProcessPayment(ctx context.Context, req ProcessRequest) (*ProviderResult, error)
	// RefundPayment refunds a payment through the provider.
	RefundPayment(ctx context.Context, req RefundRequest) (*ProviderResult, error)
}

// ProcessRequest contains the data needed to charge a payment. PaymentID
// doubles as the provider-side idempotency key.
type ProcessRequest struct {
	SessionToken string
	PaymentID    string
	AmountCents  int64 // in cents
	Currency     string
}

// RefundRequest contains the data needed to refund a payment.
type RefundRequest struct {
	SessionToken  string
	PaymentID     string
	TransactionID string
	AmountCents   int64 // in cents
	Currency      string
}
