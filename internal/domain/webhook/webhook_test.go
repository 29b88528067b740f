package webhook

import (
	"testing"
	"time"

	"github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind("payment.succeeded")
	require.NoError(t, err)
	assert.Equal(t, KindPaymentSucceeded, k)

	_, err = ParseKind("payment.disputed")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestKind_Trigger(t *testing.T) {
	assert.Equal(t, payment.TriggerConfirmSuccess, KindPaymentSucceeded.Trigger())
	assert.Equal(t, payment.TriggerConfirmFailure, KindPaymentFailed.Trigger())
	assert.Equal(t, payment.TriggerRefund, KindRefundSucceeded.Trigger())
	assert.Equal(t, payment.Trigger(0), Kind("bogus").Trigger())
}

func TestEvent_Validate(t *testing.T) {
	valid := Event{ProviderEventID: "evt_1", Kind: KindPaymentSucceeded, PaymentID: uuid.New()}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		event Event
		field string
	}{
		{"missing id", Event{Kind: KindPaymentFailed, PaymentID: uuid.New()}, "provider_event_id"},
		{"missing payment", Event{ProviderEventID: "evt_1", Kind: KindPaymentFailed}, "payment_id"},
		{"bad kind", Event{ProviderEventID: "evt_1", Kind: "x", PaymentID: uuid.New()}, "event_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			var ve *errors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestNewRecord(t *testing.T) {
	now := time.Now()
	e := Event{ProviderEventID: "evt_7", Kind: KindRefundSucceeded, PaymentID: uuid.New()}

	r := NewRecord(e, now)
	assert.Equal(t, "evt_7", r.ProviderEventID)
	assert.Equal(t, KindRefundSucceeded, r.EventType)
	assert.Equal(t, e.PaymentID, r.PaymentID)
	assert.False(t, r.Processed)
	assert.Nil(t, r.ProcessedAt)
}
