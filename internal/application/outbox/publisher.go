package outbox

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/observability"
	"github.com/cassiomorais/paymentflow/pkg/clock"
	"github.com/cassiomorais/paymentflow/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Bus delivers one event to its topic and returns the bus acknowledgment id.
type Bus interface {
	Publish(ctx context.Context, e *outbox.Event) (string, error)
}

// TransactionManager defines the interface for transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config tunes the publisher.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	PublishTimeout time.Duration
	// ClaimLease is how long a claimed row stays invisible to other
	// publishers. It must cover publishing a whole batch.
	ClaimLease time.Duration
	// Backoff shapes the persisted delay between attempts on one row.
	Backoff retry.Config
}

// DrainResult counts what one drain pass did.
type DrainResult struct {
	Claimed   int
	Published int
	Failed    int
	Exhausted int
	// Deferred rows were held back because an earlier row of the same
	// payment failed in this pass.
	Deferred int
}

// Publisher moves committed outbox rows onto the message bus. Delivery is
// at-least-once: a crash between publish and recording the outcome
// republishes the row once its claim lease runs out.
type Publisher struct {
	events    outbox.Repository
	txManager TransactionManager
	bus       Bus
	clock     clock.Clock
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// NewPublisher creates a new Publisher.
func NewPublisher(events outbox.Repository, txManager TransactionManager, bus Bus, clk clock.Clock, cfg Config, logger zerolog.Logger) *Publisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = time.Duration(cfg.BatchSize+1) * cfg.PublishTimeout
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = retry.Config{InitialDelay: time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2}
	}
	return &Publisher{
		events:    events,
		txManager: txManager,
		bus:       bus,
		clock:     clk,
		cfg:       cfg,
		logger:    observability.Component(logger, "outbox_publisher"),
	}
}

// WithMetrics attaches Prometheus metrics.
func (p *Publisher) WithMetrics(m *observability.Metrics) *Publisher {
	p.metrics = m
	return p
}

// DrainOnce claims one batch of due rows and attempts each once. The claim
// commits a lease before anything is published; each outcome is then
// recorded in its own transaction.
func (p *Publisher) DrainOnce(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	now := p.clock.Now()
	leaseUntil := now.Add(p.cfg.ClaimLease).Truncate(time.Microsecond)

	var batch []*outbox.Event
	err := p.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		batch, err = p.events.ClaimDue(txCtx, now, leaseUntil, p.cfg.MaxAttempts, p.cfg.BatchSize)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("claim outbox batch: %w", err)
	}
	res.Claimed = len(batch)

	blocked := make(map[uuid.UUID]bool)
	for _, e := range batch {
		if blocked[e.PaymentID] {
			res.Deferred++
			p.release(ctx, e, leaseUntil)
			continue
		}
		// Rows left past this point wait out their lease.
		if ctx.Err() != nil || !p.clock.Now().Add(p.cfg.PublishTimeout).Before(leaseUntil) {
			break
		}

		if pubErr := p.publish(ctx, e); pubErr != nil {
			blocked[e.PaymentID] = true
			exhausted, err := p.recordFailure(ctx, e, pubErr)
			if err != nil {
				return res, err
			}
			res.Failed++
			if exhausted {
				res.Exhausted++
			}
			continue
		}

		published := p.clock.Now()
		err := p.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			return p.events.MarkPublished(txCtx, e.ID, published)
		})
		if err != nil {
			return res, fmt.Errorf("mark outbox %s published: %w", e.ID, err)
		}
		res.Published++
		if p.metrics != nil {
			p.metrics.OutboxPublished.WithLabelValues(e.EventType.Topic()).Inc()
			p.metrics.OutboxPublishDelay.Observe(published.Sub(e.CreatedAt).Seconds())
		}
	}
	return res, nil
}

// release hands a deferred row back so the next pass can take it as soon
// as the row ahead of it is due.
func (p *Publisher) release(ctx context.Context, e *outbox.Event, leaseUntil time.Time) {
	err := p.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		return p.events.Release(txCtx, e.ID, leaseUntil)
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("event_id", e.ID.String()).Msg("outbox claim not released")
	}
}

func (p *Publisher) publish(ctx context.Context, e *outbox.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	id, err := p.bus.Publish(ctx, e)
	if err != nil {
		return fmt.Errorf("%w: %v", domainErrors.ErrTransientDelivery, err)
	}
	p.logger.Debug().
		Str("event_id", e.ID.String()).
		Str("topic", e.EventType.Topic()).
		Str("bus_id", id).
		Msg("outbox event published")
	return nil
}

// recordFailure persists the failed attempt and schedules the next one.
// It reports whether the row has now run out of attempts.
func (p *Publisher) recordFailure(ctx context.Context, e *outbox.Event, pubErr error) (bool, error) {
	attempts := e.Attempts + 1
	next := p.clock.Now().Add(retry.Backoff(p.cfg.Backoff, attempts))
	err := p.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		return p.events.MarkFailed(txCtx, e.ID, next, pubErr.Error())
	})
	if err != nil {
		return false, fmt.Errorf("mark outbox %s failed: %w", e.ID, err)
	}

	topic := e.EventType.Topic()
	if p.metrics != nil {
		p.metrics.OutboxFailures.WithLabelValues(topic).Inc()
	}

	if attempts >= p.cfg.MaxAttempts {
		p.logger.Error().
			Err(domainErrors.ErrDeliveryExhausted).
			Str("event_id", e.ID.String()).
			Str("payment_id", e.PaymentID.String()).
			Str("topic", topic).
			Int("attempts", attempts).
			Str("last_error", pubErr.Error()).
			Msg("outbox delivery exhausted")
		if p.metrics != nil {
			p.metrics.OutboxExhausted.WithLabelValues(topic).Inc()
		}
		return true, nil
	}

	p.logger.Warn().
		Err(pubErr).
		Str("event_id", e.ID.String()).
		Str("topic", topic).
		Int("attempts", attempts).
		Time("next_attempt_at", next).
		Msg("outbox publish failed")
	return false, nil
}

// Run drains on every poll interval until ctx is done. A full, fully
// delivered batch is followed immediately by another pass.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Int("batch_size", p.cfg.BatchSize).
		Msg("outbox publisher started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("outbox publisher stopped")
			return nil
		case <-ticker.C:
		}

		for {
			res, err := p.DrainOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error().Err(err).Msg("outbox drain failed")
				}
				break
			}
			if res.Claimed < p.cfg.BatchSize || res.Failed > 0 {
				break
			}
		}
	}
}
