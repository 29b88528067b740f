package payment

import (
	"context"
	"time"

	"github.com/cassiomorais/paymentflow/internal/lock"
)

// TransactionManager defines the interface for transaction management.
// This is an application-layer port, not a domain concern.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker serializes work on one payment. *lock.Manager implements it.
type Locker interface {
	WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context, h *lock.Handle) error) error
	Check(h *lock.Handle, key string) error
}
