package redis

import (
	"testing"
	"time"

	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamName(t *testing.T) {
	assert.Equal(t, "events:payment.created", StreamName(outbox.EventPaymentCreated.Topic()))
	assert.Equal(t, "events:reconciliation.needed", StreamName(outbox.EventReconciliationNeeded.Topic()))
}

func TestDecodeMessage(t *testing.T) {
	eventID := uuid.New()
	paymentID := uuid.New()
	created := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)

	msg, err := DecodeMessage(redis.XMessage{
		ID: "1700000000000-0",
		Values: map[string]any{
			"event_id":   eventID.String(),
			"payment_id": paymentID.String(),
			"event_type": "PaymentCreated",
			"payload":    `{"status":"created","amount_cents":500}`,
			"created_at": created.Format(time.RFC3339Nano),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "1700000000000-0", msg.StreamID)
	assert.Equal(t, eventID, msg.EventID)
	assert.Equal(t, paymentID, msg.PaymentID)
	assert.Equal(t, outbox.EventPaymentCreated, msg.EventType)
	assert.Equal(t, "created", msg.Payload["status"])
	assert.Equal(t, float64(500), msg.Payload["amount_cents"])
	assert.True(t, created.Equal(msg.CreatedAt))
}

func TestDecodeMessage_Invalid(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"event_id":   uuid.New().String(),
			"payment_id": uuid.New().String(),
			"event_type": "PaymentCreated",
			"payload":    `{}`,
		}
	}

	tests := []struct {
		name  string
		field string
		value any
	}{
		{"bad event id", "event_id", "nope"},
		{"bad payment id", "payment_id", ""},
		{"unknown type", "event_type", "PaymentExploded"},
		{"bad payload", "payload", "{"},
		{"bad timestamp", "created_at", "yesterday"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := valid()
			values[tt.field] = tt.value
			_, err := DecodeMessage(redis.XMessage{ID: "1-0", Values: values})
			assert.Error(t, err)
		})
	}
}
