package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Insert creates a new outbox event (inside the caller's transaction)
	Insert(ctx context.Context, event *Event) error

	// ClaimDue leases up to limit unpublished events, oldest first, whose
	// attempts are below maxAttempts and whose next attempt is due at now,
	// by moving their next attempt to leaseUntil. Rows locked by another
	// claimer are skipped.
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]*Event, error)

	// Release makes a leased event due again, unless its lease already
	// changed hands
	Release(ctx context.Context, id uuid.UUID, leaseUntil time.Time) error

	// MarkPublished records confirmed delivery
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkFailed increments attempts and schedules the next attempt
	MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error

	// ListExhausted returns unpublished events with attempts >= maxAttempts
	// that no ReconciliationNeeded event references yet
	ListExhausted(ctx context.Context, maxAttempts, limit int) ([]*Event, error)

	// HasPendingReconciliation reports whether an unpublished ReconciliationNeeded
	// event for paymentID and anomaly already exists
	HasPendingReconciliation(ctx context.Context, paymentID uuid.UUID, anomaly string) (bool, error)

	// IsAnnounced reports whether any ReconciliationNeeded event already
	// references the outbox event eventID
	IsAnnounced(ctx context.Context, eventID uuid.UUID) (bool, error)
}
