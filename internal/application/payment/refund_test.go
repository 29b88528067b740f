package payment_test

import (
	"context"
	"testing"

	paymentApp "github.com/cassiomorais/paymentflow/internal/application/payment"
	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRefund(h *harness) *paymentApp.RefundUseCase {
	gw, _ := newGateway(h)
	return paymentApp.NewRefundUseCase(h.sm, gw, zerolog.Nop())
}

func completedPayment(h *harness) *payment.Payment {
	p := h.seed(payment.StatusCompleted, 2)
	ref := "mock_txn_1"
	p.ProviderReference = &ref
	h.store.SeedPayment(p)
	return p
}

func TestRefund_CompletedPayment(t *testing.T) {
	h := newHarness(t)
	uc := newRefund(h)
	p := completedPayment(h)

	refunded, err := uc.Execute(context.Background(), p.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, refunded.Status)
	assert.Equal(t, int64(3), refunded.Version)
	assert.Equal(t, "mock_txn_1", *refunded.ProviderReference)

	events := h.store.OutboxFor(p.ID)
	require.Len(t, events, 1)
	assert.Equal(t, outbox.EventPaymentRefunded, events[0].EventType)
	assert.Equal(t, "customer request", events[0].Payload["reason"])
	assert.Contains(t, events[0].Payload["refund_reference"], "mock_refund_")
}

func TestRefund_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	uc := newRefund(h)
	p := completedPayment(h)

	_, err := uc.Execute(context.Background(), p.ID, "")
	require.NoError(t, err)
	again, err := uc.Execute(context.Background(), p.ID, "")
	require.NoError(t, err)

	assert.Equal(t, payment.StatusRefunded, again.Status)
	assert.Len(t, h.store.OutboxFor(p.ID), 1)
}

func TestRefund_RejectsNonCompleted(t *testing.T) {
	for _, status := range []payment.Status{payment.StatusCreated, payment.StatusProcessing, payment.StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			uc := newRefund(h)
			p := h.seed(status, 1)

			_, err := uc.Execute(context.Background(), p.ID, "")
			assert.ErrorIs(t, err, domainErrors.ErrInvalidTransition)

			stored, _ := h.store.Payment(p.ID)
			assert.Equal(t, status, stored.Status)
			assert.Empty(t, h.store.OutboxFor(p.ID))
		})
	}
}

func TestRefund_UnknownPayment(t *testing.T) {
	h := newHarness(t)
	uc := newRefund(h)

	_, err := uc.Execute(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, domainErrors.ErrPaymentNotFound)
}
