package outbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	paymentID := uuid.New()
	now := time.Now()
	payload := map[string]any{"payment_id": paymentID.String(), "status": "created"}

	e := NewEvent(paymentID, EventPaymentCreated, payload, now)

	require.NotNil(t, e)
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, paymentID, e.PaymentID)
	assert.Equal(t, EventPaymentCreated, e.EventType)
	assert.Equal(t, payload, e.Payload)
	assert.Equal(t, now, e.CreatedAt)
	assert.Equal(t, 0, e.Attempts)
	assert.False(t, e.Published())
}

func TestEvent_UniqueIDs(t *testing.T) {
	paymentID := uuid.New()
	e1 := NewEvent(paymentID, EventPaymentCreated, nil, time.Now())
	e2 := NewEvent(paymentID, EventPaymentCreated, nil, time.Now())

	assert.NotEqual(t, e1.ID, e2.ID)
}

func TestEventType_Topic(t *testing.T) {
	tests := []struct {
		eventType EventType
		topic     string
	}{
		{EventPaymentCreated, "payment.created"},
		{EventPaymentProcessing, "payment.processing"},
		{EventPaymentCompleted, "payment.completed"},
		{EventPaymentFailed, "payment.failed"},
		{EventPaymentRefunded, "payment.refunded"},
		{EventWebhookReceived, "webhook.received"},
		{EventReconciliationNeeded, "reconciliation.needed"},
		{EventType("Bogus"), ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.topic, tt.eventType.Topic())
		})
	}
}

func TestParseEventType(t *testing.T) {
	et, err := ParseEventType("PaymentRefunded")
	require.NoError(t, err)
	assert.Equal(t, EventPaymentRefunded, et)

	_, err = ParseEventType("payment.refunded")
	assert.Error(t, err)
}

func TestEvent_Exhausted(t *testing.T) {
	e := NewEvent(uuid.New(), EventPaymentCompleted, nil, time.Now())
	e.Attempts = 4
	assert.False(t, e.Exhausted(5))

	e.Attempts = 5
	assert.True(t, e.Exhausted(5))

	published := time.Now()
	e.PublishedAt = &published
	assert.False(t, e.Exhausted(5))
}
