package webhook

import (
	"fmt"
	"time"

	"github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/google/uuid"
)

// Kind is the closed set of provider callback kinds the engine understands.
type Kind string

const (
	KindPaymentSucceeded Kind = "payment.succeeded"
	KindPaymentFailed    Kind = "payment.failed"
	KindRefundSucceeded  Kind = "refund.succeeded"
)

// ParseKind validates an inbound callback kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindPaymentSucceeded, KindPaymentFailed, KindRefundSucceeded:
		return k, nil
	}
	return "", errors.NewValidationError("event_type", fmt.Sprintf("unsupported kind %q", s))
}

// Trigger maps the callback kind onto the state machine input it implies.
func (k Kind) Trigger() payment.Trigger {
	switch k {
	case KindPaymentSucceeded:
		return payment.TriggerConfirmSuccess
	case KindPaymentFailed:
		return payment.TriggerConfirmFailure
	case KindRefundSucceeded:
		return payment.TriggerRefund
	}
	return 0
}

// Event is a provider callback as received.
type Event struct {
	ProviderEventID   string
	Kind              Kind
	PaymentID         uuid.UUID
	ProviderReference string
	Payload           map[string]any
}

// Validate checks the fields required to route the callback.
func (e Event) Validate() error {
	if e.ProviderEventID == "" {
		return errors.NewValidationError("provider_event_id", "cannot be empty")
	}
	if e.PaymentID == uuid.Nil {
		return errors.NewValidationError("payment_id", "cannot be empty")
	}
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}
	return nil
}

// Record is the ledger row that deduplicates callbacks by provider event id.
type Record struct {
	ProviderEventID string
	EventType       Kind
	PaymentID       uuid.UUID
	ReceivedAt      time.Time
	Processed       bool
	ProcessedAt     *time.Time
}

// NewRecord creates an unprocessed ledger row for e.
func NewRecord(e Event, now time.Time) *Record {
	return &Record{
		ProviderEventID: e.ProviderEventID,
		EventType:       e.Kind,
		PaymentID:       e.PaymentID,
		ReceivedAt:      now,
	}
}
