package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for payment persistence
type Repository interface {
	// Create inserts a new payment; a taken idempotency key yields ErrDuplicateIdempotencyKey.
	Create(ctx context.Context, payment *Payment) error

	// GetByID retrieves a payment by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)

	// GetForUpdate retrieves a payment and row-locks it for the enclosing transaction
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error)

	// GetByIdempotencyKey retrieves a payment by idempotency key
	GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error)

	// Update writes p only if the stored version still equals expectedVersion.
	Update(ctx context.Context, p *Payment, expectedVersion int64) error

	// ListStuck returns payments in status whose last update is older than before.
	ListStuck(ctx context.Context, status Status, before time.Time, limit int) ([]*Payment, error)
}
