package testutil

import (
	"time"

	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/google/uuid"
)

// Epoch is the fixed start time used by fake clocks in tests.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewTestPayment returns a payment in status at the given version.
func NewTestPayment(status payment.Status, version int64, updatedAt time.Time) *payment.Payment {
	return &payment.Payment{
		ID:             uuid.New(),
		IdempotencyKey: uuid.New().String(),
		Amount:         payment.Amount{ValueCents: 10000, Currency: "USD"},
		Status:         status,
		Version:        version,
		CreatedAt:      updatedAt,
		UpdatedAt:      updatedAt,
	}
}
