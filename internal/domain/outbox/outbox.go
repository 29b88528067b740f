package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of announcements the engine publishes.
type EventType string

const (
	EventPaymentCreated       EventType = "PaymentCreated"
	EventPaymentProcessing    EventType = "PaymentProcessing"
	EventPaymentCompleted     EventType = "PaymentCompleted"
	EventPaymentFailed        EventType = "PaymentFailed"
	EventPaymentRefunded      EventType = "PaymentRefunded"
	EventWebhookReceived      EventType = "WebhookReceived"
	EventReconciliationNeeded EventType = "ReconciliationNeeded"
)

// Topic returns the message bus routing key for the event type.
func (t EventType) Topic() string {
	switch t {
	case EventPaymentCreated:
		return "payment.created"
	case EventPaymentProcessing:
		return "payment.processing"
	case EventPaymentCompleted:
		return "payment.completed"
	case EventPaymentFailed:
		return "payment.failed"
	case EventPaymentRefunded:
		return "payment.refunded"
	case EventWebhookReceived:
		return "webhook.received"
	case EventReconciliationNeeded:
		return "reconciliation.needed"
	}
	return ""
}

// ParseEventType validates a stored event type.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if t.Topic() == "" {
		return "", fmt.Errorf("unknown outbox event type %q", s)
	}
	return t, nil
}

// Anomaly kinds carried by ReconciliationNeeded events.
const (
	AnomalyStuckProcessing   = "stuck-processing"
	AnomalyDeliveryExhausted = "delivery-exhausted"
)

// Event is a committed-but-maybe-unpublished announcement of a payment change.
type Event struct {
	ID            uuid.UUID
	PaymentID     uuid.UUID
	EventType     EventType
	Payload       map[string]any
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Attempts      int
	NextAttemptAt *time.Time
	LastError     *string
}

// NewEvent creates an unpublished event for paymentID.
func NewEvent(paymentID uuid.UUID, eventType EventType, payload map[string]any, now time.Time) *Event {
	return &Event{
		ID:        uuid.New(),
		PaymentID: paymentID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: now,
	}
}

// Published reports whether delivery has been confirmed.
func (e *Event) Published() bool {
	return e.PublishedAt != nil
}

// Exhausted reports whether the event is unpublished with attempts at or past ceiling.
func (e *Event) Exhausted(ceiling int) bool {
	return e.PublishedAt == nil && e.Attempts >= ceiling
}
