package webhook_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	paymentApp "github.com/cassiomorais/paymentflow/internal/application/payment"
	webhookApp "github.com/cassiomorais/paymentflow/internal/application/webhook"
	"github.com/cassiomorais/paymentflow/internal/cache"
	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/observability"
	"github.com/cassiomorais/paymentflow/internal/lock"
	"github.com/cassiomorais/paymentflow/internal/testutil"
	"github.com/cassiomorais/paymentflow/pkg/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *testutil.Store
	clock    *clock.Fake
	sm       *paymentApp.StateMachine
	metrics  *observability.Metrics
	ingestor *webhookApp.Ingestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(testutil.Epoch)
	store := testutil.NewStore()
	locks := lock.NewManager(lock.NewMemoryStore(clk), clk, lock.Config{
		TTL:            30 * time.Second,
		AcquireTimeout: 100 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, zerolog.Nop())
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	sm := paymentApp.NewStateMachine(store.Payments, store.Outbox, store, locks, cache.NewMemory(clk), clk,
		paymentApp.Config{LockTimeout: 100 * time.Millisecond}, zerolog.Nop())
	in := webhookApp.NewIngestor(store.Webhooks, store.Outbox, store, sm, clk, zerolog.Nop()).WithMetrics(metrics)
	return &fixture{store: store, clock: clk, sm: sm, metrics: metrics, ingestor: in}
}

func (f *fixture) seed(status payment.Status) *payment.Payment {
	p := testutil.NewTestPayment(status, 1, f.clock.Now())
	f.store.SeedPayment(p)
	return p
}

func body(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

func successBody(t *testing.T, id uuid.UUID) []byte {
	return body(t, map[string]any{"payment_id": id.String(), "provider_reference": "prov_123"})
}

func eventTypes(events []outbox.Event) []outbox.EventType {
	out := make([]outbox.EventType, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func TestIngest_AppliesSuccess(t *testing.T) {
	f := newFixture(t)
	p := f.seed(payment.StatusProcessing)

	res, err := f.ingestor.Ingest(context.Background(), "evt_1", "payment.succeeded", successBody(t, p.ID))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Applied)
	assert.Equal(t, payment.StatusCompleted, res.Payment.Status)
	assert.Equal(t, "prov_123", *res.Payment.ProviderReference)

	rec, ok := f.store.Webhook("evt_1")
	require.True(t, ok)
	assert.True(t, rec.Processed)
	require.NotNil(t, rec.ProcessedAt)
	assert.Equal(t, p.ID, rec.PaymentID)

	events := f.store.OutboxFor(p.ID)
	assert.Equal(t, []outbox.EventType{outbox.EventWebhookReceived, outbox.EventPaymentCompleted}, eventTypes(events))
	assert.Equal(t, "evt_1", events[1].Payload["provider_event_id"])
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.WebhooksTotal.WithLabelValues("payment.succeeded", "applied")))
}

func TestIngest_DuplicateIsNoOp(t *testing.T) {
	f := newFixture(t)
	p := f.seed(payment.StatusProcessing)

	_, err := f.ingestor.Ingest(context.Background(), "evt_1", "payment.succeeded", successBody(t, p.ID))
	require.NoError(t, err)
	before, _ := f.store.Payment(p.ID)

	res, err := f.ingestor.Ingest(context.Background(), "evt_1", "payment.succeeded", successBody(t, p.ID))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	after, _ := f.store.Payment(p.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, f.store.OutboxFor(p.ID), 2)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.WebhooksTotal.WithLabelValues("payment.succeeded", "duplicate")))
}

func TestIngest_OutOfOrderStaysUnprocessed(t *testing.T) {
	f := newFixture(t)
	p := f.seed(payment.StatusCreated)

	_, err := f.ingestor.Ingest(context.Background(), "evt_1", "payment.succeeded", successBody(t, p.ID))
	assert.ErrorIs(t, err, domainErrors.ErrInvalidTransition)

	rec, ok := f.store.Webhook("evt_1")
	require.True(t, ok)
	assert.False(t, rec.Processed)
	stored, _ := f.store.Payment(p.ID)
	assert.Equal(t, payment.StatusCreated, stored.Status)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.WebhooksTotal.WithLabelValues("payment.succeeded", "out_of_order")))

	// The payment catches up; the provider re-delivers the same callback.
	_, err = f.sm.Transition(context.Background(), paymentApp.TransitionRequest{
		PaymentID: p.ID,
		Trigger:   payment.TriggerBeginProcessing,
	})
	require.NoError(t, err)

	res, err := f.ingestor.Ingest(context.Background(), "evt_1", "payment.succeeded", successBody(t, p.ID))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, payment.StatusCompleted, res.Payment.Status)

	// WebhookReceived is written once, on first sight.
	assert.Equal(t, []outbox.EventType{
		outbox.EventWebhookReceived,
		outbox.EventPaymentProcessing,
		outbox.EventPaymentCompleted,
	}, eventTypes(f.store.OutboxFor(p.ID)))
}

func TestIngest_FailureCarriesReason(t *testing.T) {
	f := newFixture(t)
	p := f.seed(payment.StatusProcessing)

	res, err := f.ingestor.Ingest(context.Background(), "evt_9", "payment.failed",
		body(t, map[string]any{"payment_id": p.ID.String(), "reason": "insufficient funds"}))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, res.Payment.Status)

	events := f.store.OutboxFor(p.ID)
	require.Len(t, events, 2)
	assert.Equal(t, outbox.EventPaymentFailed, events[1].EventType)
	assert.Equal(t, "insufficient funds", events[1].Payload["reason"])
}

func TestIngest_RefundSucceeded(t *testing.T) {
	f := newFixture(t)
	p := f.seed(payment.StatusCompleted)

	res, err := f.ingestor.Ingest(context.Background(), "evt_r", "refund.succeeded",
		body(t, map[string]any{"payment_id": p.ID.String()}))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, res.Payment.Status)
}

func TestIngest_AlreadyInImpliedState(t *testing.T) {
	f := newFixture(t)
	p := f.seed(payment.StatusCompleted)
	ref := "prov_123"
	p.ProviderReference = &ref
	f.store.SeedPayment(p)

	res, err := f.ingestor.Ingest(context.Background(), "evt_late", "payment.succeeded", successBody(t, p.ID))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.False(t, res.Duplicate)

	rec, _ := f.store.Webhook("evt_late")
	assert.True(t, rec.Processed)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.WebhooksTotal.WithLabelValues("payment.succeeded", "noop")))
}

func TestIngest_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	p := f.seed(payment.StatusProcessing)

	tests := []struct {
		name    string
		eventID string
		kind    string
		body    []byte
	}{
		{"unknown kind", "evt_1", "payment.disputed", successBody(t, p.ID)},
		{"malformed json", "evt_1", "payment.succeeded", []byte("{")},
		{"missing payment id", "evt_1", "payment.succeeded", body(t, map[string]any{})},
		{"payment id not a uuid", "evt_1", "payment.succeeded", body(t, map[string]any{"payment_id": "abc"})},
		{"missing event id", "", "payment.succeeded", successBody(t, p.ID)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ingestor.Ingest(context.Background(), tt.eventID, tt.kind, tt.body)
			assert.ErrorIs(t, err, domainErrors.ErrInvalidWebhook)
			assert.ErrorIs(t, err, domainErrors.ErrInvalidInput)
		})
	}

	_, ok := f.store.Webhook("evt_1")
	assert.False(t, ok)
	assert.Empty(t, f.store.OutboxFor(p.ID))
}

func TestIngest_UnknownPayment(t *testing.T) {
	f := newFixture(t)

	_, err := f.ingestor.Ingest(context.Background(), "evt_1", "payment.succeeded", successBody(t, uuid.New()))
	assert.ErrorIs(t, err, domainErrors.ErrInvalidWebhook)

	var de *domainErrors.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "unknown_payment", de.Code)

	_, ok := f.store.Webhook("evt_1")
	assert.False(t, ok)
}

func TestIngest_EventIDReusedForDifferentPayment(t *testing.T) {
	f := newFixture(t)
	a := f.seed(payment.StatusProcessing)
	b := f.seed(payment.StatusProcessing)

	_, err := f.ingestor.Ingest(context.Background(), "evt_1", "payment.succeeded", successBody(t, a.ID))
	require.NoError(t, err)

	_, err = f.ingestor.Ingest(context.Background(), "evt_1", "payment.succeeded", successBody(t, b.ID))
	assert.ErrorIs(t, err, domainErrors.ErrInvalidWebhook)

	stored, _ := f.store.Payment(b.ID)
	assert.Equal(t, payment.StatusProcessing, stored.Status)
}
