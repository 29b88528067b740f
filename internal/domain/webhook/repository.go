package webhook

import (
	"context"
	"time"
)

type Repository interface {
	// Get returns the ledger row for providerEventID, or nil when none exists.
	Get(ctx context.Context, providerEventID string) (*Record, error)

	// GetForUpdate is Get with a row lock held for the enclosing transaction.
	GetForUpdate(ctx context.Context, providerEventID string) (*Record, error)

	// Insert stores a new row. It reports false when the id is already present.
	Insert(ctx context.Context, record *Record) (bool, error)

	// MarkProcessed flips the processed flag for providerEventID.
	MarkProcessed(ctx context.Context, providerEventID string, at time.Time) error
}
