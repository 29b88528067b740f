// Package worker runs the stream consumers that drive payments forward.
package worker

import (
	"context"
	"time"

	paymentApp "github.com/cassiomorais/paymentflow/internal/application/payment"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/paymentflow/internal/infrastructure/redis"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Stream is a consumer-group reader.
type Stream interface {
	Stream() string
	Read(ctx context.Context) ([]infraRedis.Message, []string, error)
	// ClaimStale takes over messages left unacked for at least minIdle.
	ClaimStale(ctx context.Context, minIdle time.Duration) ([]infraRedis.Message, []string, error)
	Ack(ctx context.Context, id string) error
}

// Handler processes one payment.created event.
type Handler interface {
	HandleCreated(ctx context.Context, eventID string, paymentID uuid.UUID) (paymentApp.Outcome, error)
}

// Consumer feeds payment.created messages to the processor. A message is
// acked only after it was handled; a handler error leaves it pending in the
// group, and it is handled again once it has idled past the claim threshold.
type Consumer struct {
	stream     Stream
	handler    Handler
	metrics    *observability.Metrics
	logger     zerolog.Logger
	errorPause time.Duration

	claimMinIdle  time.Duration
	claimInterval time.Duration
	lastClaim     time.Time
}

func NewConsumer(stream Stream, handler Handler, logger zerolog.Logger) *Consumer {
	return &Consumer{
		stream:     stream,
		handler:    handler,
		logger:     observability.Component(logger, "consumer").With().Str("stream", stream.Stream()).Logger(),
		errorPause: time.Second,

		claimMinIdle:  time.Minute,
		claimInterval: 30 * time.Second,
	}
}

// WithReclaim sets how long a message may sit unacked before it is taken
// over, and how often pending messages are checked.
func (c *Consumer) WithReclaim(minIdle, interval time.Duration) *Consumer {
	if minIdle > 0 {
		c.claimMinIdle = minIdle
	}
	if interval > 0 {
		c.claimInterval = interval
	}
	return c
}

func (c *Consumer) WithMetrics(m *observability.Metrics) *Consumer {
	c.metrics = m
	return c
}

// Poll reads one batch and handles it, after first taking over any stale
// pending messages when the claim interval has passed. It returns the number
// of messages acked.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	acked := 0
	if time.Since(c.lastClaim) >= c.claimInterval {
		c.lastClaim = time.Now()
		msgs, poison, err := c.stream.ClaimStale(ctx, c.claimMinIdle)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to claim pending messages")
		} else {
			if len(msgs) > 0 {
				c.logger.Info().Int("count", len(msgs)).Msg("Claimed pending messages")
			}
			acked += c.handle(ctx, msgs, poison)
		}
	}

	msgs, poison, err := c.stream.Read(ctx)
	if err != nil {
		return acked, err
	}
	return acked + c.handle(ctx, msgs, poison), nil
}

func (c *Consumer) handle(ctx context.Context, msgs []infraRedis.Message, poison []string) int {
	acked := 0
	for _, id := range poison {
		c.logger.Error().Str("message_id", id).Msg("Undecodable stream message, dropping")
		c.record("poison", 0)
		if err := c.stream.Ack(ctx, id); err != nil {
			c.logger.Warn().Err(err).Str("message_id", id).Msg("Failed to ack message")
			continue
		}
		acked++
	}

	for _, msg := range msgs {
		start := time.Now()
		outcome, err := c.handler.HandleCreated(ctx, msg.EventID.String(), msg.PaymentID)
		if err != nil {
			c.logger.Error().Err(err).
				Str("payment_id", msg.PaymentID.String()).
				Str("message_id", msg.StreamID).
				Msg("Failed to process payment, leaving for redelivery")
			c.record("error", time.Since(start))
			continue
		}
		c.record(string(outcome), time.Since(start))

		if err := c.stream.Ack(ctx, msg.StreamID); err != nil {
			c.logger.Warn().Err(err).Str("message_id", msg.StreamID).Msg("Failed to ack message")
			continue
		}
		acked++
	}
	return acked
}

// Run polls until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("Consumer started, listening for messages...")
	for {
		if ctx.Err() != nil {
			c.logger.Info().Msg("Consumer stopped")
			return nil
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error().Err(err).Msg("Failed to read from stream")
			select {
			case <-ctx.Done():
			case <-time.After(c.errorPause):
			}
		}
	}
}

func (c *Consumer) record(status string, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.WorkerMessagesProcessed.WithLabelValues(c.stream.Stream(), status).Inc()
	if d > 0 {
		c.metrics.WorkerProcessingDuration.WithLabelValues(c.stream.Stream()).Observe(d.Seconds())
	}
}
