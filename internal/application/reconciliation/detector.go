package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/observability"
	"github.com/cassiomorais/paymentflow/pkg/clock"
	"github.com/cassiomorais/paymentflow/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TransactionManager defines the interface for transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PaymentReader is the read-only slice of the payment repository the
// detector needs.
type PaymentReader interface {
	ListStuck(ctx context.Context, status payment.Status, before time.Time, limit int) ([]*payment.Payment, error)
}

type Config struct {
	// StaleAfter is how long a payment may sit in processing.
	StaleAfter time.Duration
	// MaxAttempts is the outbox delivery ceiling.
	MaxAttempts int
	BatchSize   int
	// Retry bounds store retries within a single scan.
	Retry retry.Config
}

// ScanResult counts what one scan found and announced.
type ScanResult struct {
	StuckPayments   int
	ExhaustedEvents int
	Announced       int
	// AlreadyPending anomalies had an unpublished announcement in flight.
	AlreadyPending int
}

// Detector finds payments whose state has drifted and announces them through
// the outbox. It reads the store without locks and never touches payment
// rows, so any number of instances can run it.
type Detector struct {
	payments  PaymentReader
	events    outbox.Repository
	txManager TransactionManager
	clock     clock.Clock
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewDetector(payments PaymentReader, events outbox.Repository, txManager TransactionManager, clk clock.Clock, cfg Config, logger zerolog.Logger) *Detector {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Config{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	}
	return &Detector{
		payments:  payments,
		events:    events,
		txManager: txManager,
		clock:     clk,
		cfg:       cfg,
		logger:    observability.Component(logger, "reconciliation_detector"),
	}
}

// WithMetrics attaches Prometheus metrics.
func (d *Detector) WithMetrics(m *observability.Metrics) *Detector {
	d.metrics = m
	return d
}

type anomaly struct {
	paymentID uuid.UUID
	kind      string
	// eventID is set for delivery-exhausted anomalies, which are
	// announced once per outbox row.
	eventID uuid.UUID
	payload map[string]any
}

// Scan runs one detection pass.
func (d *Detector) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	now := d.clock.Now()

	stuck, err := retry.DoWithResult(ctx, d.cfg.Retry, domainErrors.IsRetryable, func() ([]*payment.Payment, error) {
		return d.payments.ListStuck(ctx, payment.StatusProcessing, now.Add(-d.cfg.StaleAfter), d.cfg.BatchSize)
	})
	if err != nil {
		return res, fmt.Errorf("list stuck payments: %w", err)
	}
	exhausted, err := retry.DoWithResult(ctx, d.cfg.Retry, domainErrors.IsRetryable, func() ([]*outbox.Event, error) {
		return d.events.ListExhausted(ctx, d.cfg.MaxAttempts, d.cfg.BatchSize)
	})
	if err != nil {
		return res, fmt.Errorf("list exhausted outbox events: %w", err)
	}
	res.StuckPayments = len(stuck)
	res.ExhaustedEvents = len(exhausted)

	found := make([]anomaly, 0, len(stuck)+len(exhausted))
	for _, p := range stuck {
		found = append(found, anomaly{
			paymentID: p.ID,
			kind:      outbox.AnomalyStuckProcessing,
			payload: map[string]any{
				"status":     string(p.Status),
				"updated_at": p.UpdatedAt.Format(time.RFC3339Nano),
				"stale_for":  now.Sub(p.UpdatedAt).String(),
			},
		})
	}
	for _, e := range exhausted {
		payload := map[string]any{
			"outbox_event_id": e.ID.String(),
			"event_type":      string(e.EventType),
			"attempts":        e.Attempts,
		}
		if e.LastError != nil {
			payload["last_error"] = *e.LastError
		}
		found = append(found, anomaly{paymentID: e.PaymentID, kind: outbox.AnomalyDeliveryExhausted, eventID: e.ID, payload: payload})
	}

	var errs []error
	for _, a := range found {
		announced, err := d.announce(ctx, a, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !announced {
			res.AlreadyPending++
			continue
		}
		res.Announced++
	}

	if res.Announced > 0 || len(errs) > 0 {
		d.logger.Info().
			Int("stuck_payments", res.StuckPayments).
			Int("exhausted_events", res.ExhaustedEvents).
			Int("announced", res.Announced).
			Int("already_pending", res.AlreadyPending).
			Int("errors", len(errs)).
			Msg("reconciliation scan complete")
	}
	return res, errors.Join(errs...)
}

// announce writes one ReconciliationNeeded row unless the anomaly is
// already covered: by any announcement of the same outbox row, or for
// other anomalies by an unpublished one for the same payment and kind.
func (d *Detector) announce(ctx context.Context, a anomaly, now time.Time) (bool, error) {
	var announced bool
	err := retry.Do(ctx, d.cfg.Retry, domainErrors.IsRetryable, func() error {
		return d.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			announced = false
			var pending bool
			var err error
			if a.eventID != uuid.Nil {
				pending, err = d.events.IsAnnounced(txCtx, a.eventID)
			} else {
				pending, err = d.events.HasPendingReconciliation(txCtx, a.paymentID, a.kind)
			}
			if err != nil {
				return err
			}
			if pending {
				return nil
			}

			payload := map[string]any{
				"payment_id":  a.paymentID.String(),
				"anomaly":     a.kind,
				"detected_at": now.Format(time.RFC3339Nano),
			}
			for k, v := range a.payload {
				payload[k] = v
			}
			if err := d.events.Insert(txCtx, outbox.NewEvent(a.paymentID, outbox.EventReconciliationNeeded, payload, now)); err != nil {
				return err
			}
			announced = true
			return nil
		})
	})
	if err != nil {
		return false, fmt.Errorf("announce %s for payment %s: %w", a.kind, a.paymentID, err)
	}

	if announced {
		d.logger.Warn().
			Str("payment_id", a.paymentID.String()).
			Str("anomaly", a.kind).
			Msg("reconciliation needed")
		if d.metrics != nil {
			d.metrics.ReconciliationAnomalies.WithLabelValues(a.kind).Inc()
		}
	}
	return announced, nil
}

// Run scans every interval until ctx is done.
func (d *Detector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	d.logger.Info().
		Dur("interval", interval).
		Dur("stale_after", d.cfg.StaleAfter).
		Msg("reconciliation detector started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("reconciliation detector stopped")
			return nil
		case <-ticker.C:
		}
		if _, err := d.Scan(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("reconciliation scan failed")
		}
	}
}
