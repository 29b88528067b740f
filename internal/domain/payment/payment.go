package payment

import (
	"fmt"
	"time"

	"github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/google/uuid"
)

// Status represents the payment status in the state machine
type Status string

const (
	StatusCreated    Status = "created"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// ParseStatus converts a stored value into a Status. An unknown value means
// the store holds state this process cannot reason about.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusCreated, StatusProcessing, StatusCompleted, StatusFailed, StatusRefunded:
		return st, nil
	}
	return "", fmt.Errorf("unknown payment status %q: %w", s, errors.ErrCorruptState)
}

// IsTerminal reports whether no trigger can move the payment further.
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusRefunded
}

// Payment represents a payment entity
type Payment struct {
	ID                uuid.UUID
	IdempotencyKey    string
	Amount            Amount
	Status            Status
	ProviderReference *string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Amount represents a monetary amount in the smallest currency unit (e.g. cents).
type Amount struct {
	ValueCents int64
	Currency   string
}

// String returns a human-readable representation of the amount.
func (a Amount) String() string {
	whole := a.ValueCents / 100
	frac := a.ValueCents % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%02d %s", whole, frac, a.Currency)
}

// Validate checks that the amount is valid.
func (a Amount) Validate() error {
	if a.ValueCents <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if a.Currency == "" {
		return errors.NewValidationError("currency", "cannot be empty")
	}
	if len(a.Currency) != 3 {
		return errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	return nil
}

// NewPayment creates a payment in the created state at version 0.
func NewPayment(idempotencyKey string, amount Amount, now time.Time) (*Payment, error) {
	if idempotencyKey == "" {
		return nil, errors.NewValidationError("idempotency_key", "cannot be empty")
	}
	if err := amount.Validate(); err != nil {
		return nil, err
	}

	return &Payment{
		ID:             uuid.New(),
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Status:         StatusCreated,
		Version:        0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Apply moves the payment along the edge selected by trigger. It returns
// applied=false with a nil error when the payment already sits in the
// trigger's target state, so re-delivered triggers are harmless.
func (p *Payment) Apply(trigger Trigger, providerRef string, now time.Time) (applied bool, err error) {
	target, err := trigger.Target(p.Status)
	if err != nil {
		return false, err
	}

	if providerRef != "" && p.ProviderReference != nil && *p.ProviderReference != providerRef {
		return false, errors.NewDomainError(
			"provider_reference_immutable",
			fmt.Sprintf("payment %s already references %s", p.ID, *p.ProviderReference),
			errors.ErrProviderReferenceImmutable,
		)
	}

	if target == p.Status {
		return false, nil
	}

	p.Status = target
	if providerRef != "" && p.ProviderReference == nil {
		ref := providerRef
		p.ProviderReference = &ref
	}
	p.Version++
	p.UpdatedAt = now
	return true, nil
}

// Snapshot returns the immutable event payload for the payment's current state.
func (p *Payment) Snapshot() map[string]any {
	snap := map[string]any{
		"payment_id":      p.ID.String(),
		"idempotency_key": p.IdempotencyKey,
		"amount_cents":    p.Amount.ValueCents,
		"currency":        p.Amount.Currency,
		"status":          string(p.Status),
		"version":         p.Version,
		"updated_at":      p.UpdatedAt.Format(time.RFC3339Nano),
	}
	if p.ProviderReference != nil {
		snap["provider_reference"] = *p.ProviderReference
	}
	return snap
}
