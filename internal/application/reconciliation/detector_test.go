package reconciliation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cassiomorais/paymentflow/internal/application/reconciliation"
	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/observability"
	"github.com/cassiomorais/paymentflow/internal/testutil"
	"github.com/cassiomorais/paymentflow/pkg/clock"
	"github.com/cassiomorais/paymentflow/pkg/retry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const staleAfter = 15 * time.Minute

type fixture struct {
	store    *testutil.Store
	clock    *clock.Fake
	metrics  *observability.Metrics
	detector *reconciliation.Detector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   testutil.NewStore(),
		clock:   clock.NewFake(testutil.Epoch),
		metrics: observability.NewMetrics("test", prometheus.NewRegistry()),
	}
	f.detector = reconciliation.NewDetector(f.store.Payments, f.store.Outbox, f.store, f.clock, reconciliation.Config{
		StaleAfter:  staleAfter,
		MaxAttempts: 3,
		BatchSize:   50,
		Retry:       retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	}, zerolog.Nop()).WithMetrics(f.metrics)
	return f
}

func (f *fixture) seedPayment(status payment.Status, updatedAgo time.Duration) *payment.Payment {
	p := testutil.NewTestPayment(status, 1, f.clock.Now().Add(-updatedAgo))
	f.store.SeedPayment(p)
	return p
}

func (f *fixture) seedExhausted(paymentID uuid.UUID) *outbox.Event {
	e := outbox.NewEvent(paymentID, outbox.EventPaymentCompleted, map[string]any{}, f.clock.Now().Add(-time.Hour))
	e.Attempts = 3
	lastErr := "broker unavailable"
	e.LastError = &lastErr
	f.store.SeedOutbox(e)
	return e
}

func reconciliations(store *testutil.Store, paymentID uuid.UUID) []outbox.Event {
	var out []outbox.Event
	for _, e := range store.OutboxFor(paymentID) {
		if e.EventType == outbox.EventReconciliationNeeded {
			out = append(out, e)
		}
	}
	return out
}

func TestScan_AnnouncesStuckProcessing(t *testing.T) {
	f := newFixture(t)
	stuck := f.seedPayment(payment.StatusProcessing, staleAfter+time.Minute)
	fresh := f.seedPayment(payment.StatusProcessing, time.Minute)
	f.seedPayment(payment.StatusCreated, time.Hour)

	res, err := f.detector.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.StuckPayments)
	assert.Equal(t, 1, res.Announced)

	events := reconciliations(f.store, stuck.ID)
	require.Len(t, events, 1)
	assert.Equal(t, outbox.AnomalyStuckProcessing, events[0].Payload["anomaly"])
	assert.Equal(t, stuck.ID.String(), events[0].Payload["payment_id"])
	assert.Equal(t, "reconciliation.needed", events[0].EventType.Topic())
	assert.Empty(t, reconciliations(f.store, fresh.ID))

	// Detection never mutates the payment.
	stored, _ := f.store.Payment(stuck.ID)
	assert.Equal(t, payment.StatusProcessing, stored.Status)
	assert.Equal(t, int64(1), stored.Version)

	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.ReconciliationAnomalies.WithLabelValues(outbox.AnomalyStuckProcessing)))
}

func TestScan_DoesNotDuplicatePendingAnnouncement(t *testing.T) {
	f := newFixture(t)
	stuck := f.seedPayment(payment.StatusProcessing, time.Hour)

	_, err := f.detector.Scan(context.Background())
	require.NoError(t, err)
	res, err := f.detector.Scan(context.Background())
	require.NoError(t, err)

	assert.Zero(t, res.Announced)
	assert.Equal(t, 1, res.AlreadyPending)
	assert.Len(t, reconciliations(f.store, stuck.ID), 1)
}

func TestScan_ReannouncesAfterPublish(t *testing.T) {
	f := newFixture(t)
	stuck := f.seedPayment(payment.StatusProcessing, time.Hour)

	_, err := f.detector.Scan(context.Background())
	require.NoError(t, err)
	first := reconciliations(f.store, stuck.ID)[0]
	require.NoError(t, f.store.Outbox.MarkPublished(context.Background(), first.ID, f.clock.Now()))

	res, err := f.detector.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Announced)
	assert.Len(t, reconciliations(f.store, stuck.ID), 2)
}

func TestScan_AnnouncesExhaustedDeliveryOnce(t *testing.T) {
	f := newFixture(t)
	p := f.seedPayment(payment.StatusCompleted, time.Hour)
	exhausted := f.seedExhausted(p.ID)

	res, err := f.detector.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExhaustedEvents)
	assert.Equal(t, 1, res.Announced)

	events := reconciliations(f.store, p.ID)
	require.Len(t, events, 1)
	assert.Equal(t, outbox.AnomalyDeliveryExhausted, events[0].Payload["anomaly"])
	assert.Equal(t, exhausted.ID.String(), events[0].Payload["outbox_event_id"])
	assert.Equal(t, "broker unavailable", events[0].Payload["last_error"])

	// The exhausted row is kept, unpublished.
	rows := f.store.OutboxFor(p.ID)
	assert.Equal(t, exhausted.ID, rows[0].ID)
	assert.Nil(t, rows[0].PublishedAt)

	// Once announced, the same row is not reported again even after the
	// announcement itself is delivered.
	require.NoError(t, f.store.Outbox.MarkPublished(context.Background(), events[0].ID, f.clock.Now()))
	res, err = f.detector.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.ExhaustedEvents)
	assert.Len(t, reconciliations(f.store, p.ID), 1)
}

func TestScan_AnnouncesEachExhaustedRowOfOnePayment(t *testing.T) {
	f := newFixture(t)
	p := f.seedPayment(payment.StatusCompleted, time.Hour)
	first := f.seedExhausted(p.ID)
	second := f.seedExhausted(p.ID)

	res, err := f.detector.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExhaustedEvents)
	assert.Equal(t, 2, res.Announced)
	assert.Zero(t, res.AlreadyPending)

	var refs []any
	for _, e := range reconciliations(f.store, p.ID) {
		assert.Nil(t, e.PublishedAt)
		refs = append(refs, e.Payload["outbox_event_id"])
	}
	assert.ElementsMatch(t, []any{first.ID.String(), second.ID.String()}, refs)

	res, err = f.detector.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Announced)
	assert.Len(t, reconciliations(f.store, p.ID), 2)
}

func TestScan_BothAnomaliesForOnePayment(t *testing.T) {
	f := newFixture(t)
	p := f.seedPayment(payment.StatusProcessing, time.Hour)
	f.seedExhausted(p.ID)

	res, err := f.detector.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Announced)

	var kinds []any
	for _, e := range reconciliations(f.store, p.ID) {
		kinds = append(kinds, e.Payload["anomaly"])
	}
	assert.ElementsMatch(t, []any{outbox.AnomalyStuckProcessing, outbox.AnomalyDeliveryExhausted}, kinds)
}

func TestScan_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	p := f.seedPayment(payment.StatusProcessing, time.Hour)
	f.store.BeginErr = errors.New("connection refused")

	res, err := f.detector.Scan(context.Background())
	assert.ErrorIs(t, err, domainErrors.ErrStoreUnavailable)
	assert.Zero(t, res.Announced)
	assert.Empty(t, reconciliations(f.store, p.ID))

	f.store.BeginErr = nil
	res, err = f.detector.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Announced)
}

func TestScan_ConcurrentDetectorsAnnounceOnce(t *testing.T) {
	f := newFixture(t)
	p := f.seedPayment(payment.StatusProcessing, time.Hour)
	other := reconciliation.NewDetector(f.store.Payments, f.store.Outbox, f.store, f.clock,
		reconciliation.Config{StaleAfter: staleAfter, MaxAttempts: 3}, zerolog.Nop())

	done := make(chan error, 2)
	go func() { _, err := f.detector.Scan(context.Background()); done <- err }()
	go func() { _, err := other.Scan(context.Background()); done <- err }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	assert.Len(t, reconciliations(f.store, p.ID), 1)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	p := f.seedPayment(payment.StatusProcessing, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.detector.Run(ctx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool { return len(reconciliations(f.store, p.ID)) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("detector did not stop")
	}
}
