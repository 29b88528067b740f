package payment_test

import (
	"testing"
	"time"

	"github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func usd(cents int64) payment.Amount {
	return payment.Amount{ValueCents: cents, Currency: "USD"}
}

func newCreated(t *testing.T) *payment.Payment {
	t.Helper()
	p, err := payment.NewPayment("key-"+uuid.New().String(), usd(5000), now)
	require.NoError(t, err)
	return p
}

func TestNewPayment_Valid(t *testing.T) {
	p, err := payment.NewPayment("key-1", usd(1000), now)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCreated, p.Status)
	assert.Equal(t, "key-1", p.IdempotencyKey)
	assert.Equal(t, int64(0), p.Version)
	assert.Nil(t, p.ProviderReference)
	assert.Equal(t, now, p.CreatedAt)
}

func TestNewPayment_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		amount payment.Amount
	}{
		{"empty key", "", usd(1000)},
		{"zero amount", "k", usd(0)},
		{"negative amount", "k", usd(-1)},
		{"empty currency", "k", payment.Amount{ValueCents: 100}},
		{"short currency", "k", payment.Amount{ValueCents: 100, Currency: "US"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := payment.NewPayment(tt.key, tt.amount, now)
			assert.ErrorIs(t, err, errors.ErrInvalidInput)
		})
	}
}

func TestAmount_String(t *testing.T) {
	assert.Equal(t, "100.50 USD", usd(10050).String())
	assert.Equal(t, "10.00 EUR", payment.Amount{ValueCents: 1000, Currency: "EUR"}.String())
}

func TestParseStatus(t *testing.T) {
	st, err := payment.ParseStatus("processing")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusProcessing, st)

	_, err = payment.ParseStatus("cancelled")
	assert.ErrorIs(t, err, errors.ErrCorruptState)
}

// --- State machine edges ---

func TestApply_HappyPath(t *testing.T) {
	p := newCreated(t)

	applied, err := p.Apply(payment.TriggerBeginProcessing, "", now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, payment.StatusProcessing, p.Status)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, now.Add(time.Second), p.UpdatedAt)

	applied, err = p.Apply(payment.TriggerConfirmSuccess, "prov_1", now)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, payment.StatusCompleted, p.Status)
	require.NotNil(t, p.ProviderReference)
	assert.Equal(t, "prov_1", *p.ProviderReference)

	applied, err = p.Apply(payment.TriggerRefund, "", now)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, payment.StatusRefunded, p.Status)
	assert.Equal(t, int64(3), p.Version)
}

func TestApply_ProcessingToFailed(t *testing.T) {
	p := newCreated(t)
	_, err := p.Apply(payment.TriggerBeginProcessing, "", now)
	require.NoError(t, err)

	applied, err := p.Apply(payment.TriggerConfirmFailure, "", now)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, payment.StatusFailed, p.Status)
	assert.True(t, p.Status.IsTerminal())
}

func TestApply_ReapplicationIsNoop(t *testing.T) {
	p := newCreated(t)
	_, err := p.Apply(payment.TriggerBeginProcessing, "", now)
	require.NoError(t, err)
	_, err = p.Apply(payment.TriggerConfirmSuccess, "prov_1", now)
	require.NoError(t, err)

	applied, err := p.Apply(payment.TriggerConfirmSuccess, "prov_1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(2), p.Version)
	assert.Equal(t, now, p.UpdatedAt)
}

func TestApply_InvalidEdgesLeavePaymentUnchanged(t *testing.T) {
	statuses := map[payment.Status][]payment.Trigger{
		payment.StatusCreated:    {payment.TriggerConfirmSuccess, payment.TriggerConfirmFailure, payment.TriggerRefund},
		payment.StatusProcessing: {payment.TriggerRefund},
		payment.StatusCompleted:  {payment.TriggerBeginProcessing, payment.TriggerConfirmFailure},
		payment.StatusFailed:     {payment.TriggerBeginProcessing, payment.TriggerConfirmSuccess, payment.TriggerRefund},
		payment.StatusRefunded:   {payment.TriggerBeginProcessing, payment.TriggerConfirmSuccess, payment.TriggerConfirmFailure},
	}

	for status, triggers := range statuses {
		for _, trigger := range triggers {
			t.Run(string(status)+"/"+trigger.String(), func(t *testing.T) {
				p := newCreated(t)
				p.Status = status
				p.Version = 7

				applied, err := p.Apply(trigger, "", now.Add(time.Hour))
				assert.ErrorIs(t, err, errors.ErrInvalidTransition)
				assert.False(t, applied)
				assert.Equal(t, status, p.Status)
				assert.Equal(t, int64(7), p.Version)
			})
		}
	}
}

func TestApply_ProviderReferenceImmutable(t *testing.T) {
	p := newCreated(t)
	_, err := p.Apply(payment.TriggerBeginProcessing, "prov_1", now)
	require.NoError(t, err)

	_, err = p.Apply(payment.TriggerConfirmSuccess, "prov_2", now)
	assert.ErrorIs(t, err, errors.ErrProviderReferenceImmutable)
	assert.Equal(t, payment.StatusProcessing, p.Status)
	assert.Equal(t, "prov_1", *p.ProviderReference)
}

func TestApply_UnknownTrigger(t *testing.T) {
	p := newCreated(t)
	_, err := p.Apply(payment.Trigger(99), "", now)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, payment.CanTransition(payment.StatusCreated, payment.StatusProcessing))
	assert.True(t, payment.CanTransition(payment.StatusProcessing, payment.StatusCompleted))
	assert.True(t, payment.CanTransition(payment.StatusProcessing, payment.StatusFailed))
	assert.True(t, payment.CanTransition(payment.StatusCompleted, payment.StatusRefunded))
	assert.False(t, payment.CanTransition(payment.StatusCreated, payment.StatusRefunded))
	assert.False(t, payment.CanTransition(payment.StatusFailed, payment.StatusProcessing))
}

func TestSnapshot(t *testing.T) {
	p := newCreated(t)
	ref := "prov_9"
	p.ProviderReference = &ref

	snap := p.Snapshot()
	assert.Equal(t, p.ID.String(), snap["payment_id"])
	assert.Equal(t, int64(5000), snap["amount_cents"])
	assert.Equal(t, "created", snap["status"])
	assert.Equal(t, "prov_9", snap["provider_reference"])
}
