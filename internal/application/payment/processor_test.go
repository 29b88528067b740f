package payment_test

import (
	"context"
	"testing"
	"time"

	paymentApp "github.com/cassiomorais/paymentflow/internal/application/payment"
	"github.com/cassiomorais/paymentflow/internal/cache"
	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/providers"
	"github.com/cassiomorais/paymentflow/internal/lock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(h *harness, opts ...providers.MockProviderOption) (*paymentApp.Gateway, *providers.MockProvider) {
	mock := providers.NewMockProvider("mock", append([]providers.MockProviderOption{providers.WithLatency(0)}, opts...)...)
	factory := providers.NewFactory(providers.BreakerConfig{Threshold: 5, Timeout: time.Minute}, h.metrics, mock)
	gw := paymentApp.NewGateway(factory, h.cache, h.clock, paymentApp.GatewayConfig{
		Provider:   "mock",
		Timeout:    time.Second,
		SessionTTL: time.Minute,
	}, zerolog.Nop())
	return gw, mock
}

func newProcessor(h *harness, opts ...providers.MockProviderOption) (*paymentApp.Processor, *providers.MockProvider) {
	gw, mock := newGateway(h, opts...)
	return paymentApp.NewProcessor(h.sm, gw, h.cache, time.Hour, zerolog.Nop()), mock
}

func createdEventID(t *testing.T, h *harness, id uuid.UUID) string {
	t.Helper()
	events := h.store.OutboxFor(id)
	require.NotEmpty(t, events)
	require.Equal(t, outbox.EventPaymentCreated, events[0].EventType)
	return events[0].ID.String()
}

func TestProcessor_ChargeSucceeds(t *testing.T) {
	h := newHarness(t)
	proc, _ := newProcessor(h)
	p := h.create(t)

	outcome, err := proc.HandleCreated(context.Background(), createdEventID(t, h, p.ID), p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentApp.OutcomeCompleted, outcome)

	stored, _ := h.store.Payment(p.ID)
	assert.Equal(t, payment.StatusCompleted, stored.Status)
	assert.Equal(t, int64(2), stored.Version)
	require.NotNil(t, stored.ProviderReference)
	assert.Contains(t, *stored.ProviderReference, "mock_txn_")
	assert.Equal(t,
		[]outbox.EventType{outbox.EventPaymentCreated, outbox.EventPaymentProcessing, outbox.EventPaymentCompleted},
		eventTypes(h.store.OutboxFor(p.ID)))
}

func TestProcessor_ChargeDeclined(t *testing.T) {
	h := newHarness(t)
	proc, _ := newProcessor(h, providers.WithSuccessRate(0))
	p := h.create(t)

	outcome, err := proc.HandleCreated(context.Background(), createdEventID(t, h, p.ID), p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentApp.OutcomeFailed, outcome)

	stored, _ := h.store.Payment(p.ID)
	assert.Equal(t, payment.StatusFailed, stored.Status)
	events := h.store.OutboxFor(p.ID)
	assert.Contains(t, events[len(events)-1].Payload["reason"], "simulated decline")
}

func TestProcessor_PendingLeavesPaymentProcessing(t *testing.T) {
	h := newHarness(t)
	proc, _ := newProcessor(h, providers.WithSuccessRate(0), providers.WithPendingRate(1))
	p := h.create(t)

	outcome, err := proc.HandleCreated(context.Background(), createdEventID(t, h, p.ID), p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentApp.OutcomePending, outcome)

	stored, _ := h.store.Payment(p.ID)
	assert.Equal(t, payment.StatusProcessing, stored.Status)
}

func TestProcessor_ProviderTimeoutLeavesPaymentProcessing(t *testing.T) {
	h := newHarness(t)
	proc, _ := newProcessor(h, providers.WithTimeoutRate(1))
	p := h.create(t)

	outcome, err := proc.HandleCreated(context.Background(), createdEventID(t, h, p.ID), p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentApp.OutcomePending, outcome)

	stored, _ := h.store.Payment(p.ID)
	assert.Equal(t, payment.StatusProcessing, stored.Status)
}

func TestProcessor_DuplicateDeliveryIsSkipped(t *testing.T) {
	h := newHarness(t)
	proc, _ := newProcessor(h)
	p := h.create(t)
	eventID := createdEventID(t, h, p.ID)

	_, err := proc.HandleCreated(context.Background(), eventID, p.ID)
	require.NoError(t, err)
	outcome, err := proc.HandleCreated(context.Background(), eventID, p.ID)
	require.NoError(t, err)

	assert.Equal(t, paymentApp.OutcomeDuplicate, outcome)
	assert.Len(t, h.store.OutboxFor(p.ID), 3)

	marker, ok, err := h.cache.Get(context.Background(), cache.ConsumedKey(eventID))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, string(paymentApp.OutcomeCompleted), marker)
}

func TestProcessor_AlreadySettledByWebhook(t *testing.T) {
	h := newHarness(t)
	proc, _ := newProcessor(h)
	p := h.seed(payment.StatusCompleted, 2)

	outcome, err := proc.HandleCreated(context.Background(), uuid.NewString(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentApp.OutcomeSkipped, outcome)
	assert.Empty(t, h.store.OutboxFor(p.ID))
}

func TestProcessor_UnknownPayment(t *testing.T) {
	h := newHarness(t)
	proc, _ := newProcessor(h)

	outcome, err := proc.HandleCreated(context.Background(), uuid.NewString(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, paymentApp.OutcomeSkipped, outcome)
}

func TestProcessor_LockContentionIsRedelivered(t *testing.T) {
	h := newHarness(t)
	proc, _ := newProcessor(h)
	p := h.create(t)
	eventID := createdEventID(t, h, p.ID)

	held, err := h.locks.TryAcquire(context.Background(), lock.PaymentKey(p.ID))
	require.NoError(t, err)

	_, err = proc.HandleCreated(context.Background(), eventID, p.ID)
	assert.Error(t, err)

	_, ok, _ := h.cache.Get(context.Background(), cache.ConsumedKey(eventID))
	assert.False(t, ok)

	require.NoError(t, h.locks.Release(context.Background(), held))
	outcome, err := proc.HandleCreated(context.Background(), eventID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentApp.OutcomeCompleted, outcome)
}

func TestGateway_SessionIsSharedThroughCache(t *testing.T) {
	h := newHarness(t)
	proc, mock := newProcessor(h)

	for i := 0; i < 3; i++ {
		p := h.create(t)
		_, err := proc.HandleCreated(context.Background(), createdEventID(t, h, p.ID), p.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, mock.Logins())
	_, ok, _ := h.cache.Get(context.Background(), cache.ProviderSessionKey("mock"))
	assert.True(t, ok)
}

func TestGateway_RejectedSessionLogsInAgain(t *testing.T) {
	h := newHarness(t)
	gw, mock := newGateway(h)
	require.NoError(t, h.cache.Set(context.Background(), cache.ProviderSessionKey("mock"), "expired-token", time.Minute))

	res, err := gw.Charge(context.Background(), h.seed(payment.StatusProcessing, 1))
	require.NoError(t, err)
	assert.Equal(t, providers.StatusSuccess, res.Status)
	assert.Equal(t, 1, mock.Logins())

	token, _, _ := h.cache.Get(context.Background(), cache.ProviderSessionKey("mock"))
	assert.NotEqual(t, "expired-token", token)
}
