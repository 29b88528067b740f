package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/paymentflow/internal/cache"
	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/observability"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/providers"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome describes what handling one payment.created event did.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDuplicate Outcome = "duplicate"
)

// Processor drives newly created payments through the provider. It is the
// consumer of the payment.created topic.
type Processor struct {
	sm          *StateMachine
	gateway     *Gateway
	cache       cache.Cache
	consumedTTL time.Duration
	logger      zerolog.Logger
}

// NewProcessor creates a new Processor. consumedTTL bounds how long a
// handled event id is remembered for deduplication.
func NewProcessor(sm *StateMachine, gateway *Gateway, c cache.Cache, consumedTTL time.Duration, logger zerolog.Logger) *Processor {
	if consumedTTL <= 0 {
		consumedTTL = 24 * time.Hour
	}
	return &Processor{
		sm:          sm,
		gateway:     gateway,
		cache:       c,
		consumedTTL: consumedTTL,
		logger:      observability.Component(logger, "processor"),
	}
}

// HandleCreated processes the payment announced by one payment.created
// event. A returned error means the event should be delivered again.
// Provider timeouts and pending charges leave the payment in processing for
// a webhook or the reconciliation detector to pick up.
func (pr *Processor) HandleCreated(ctx context.Context, eventID string, paymentID uuid.UUID) (Outcome, error) {
	log := pr.logger.With().Str("event_id", eventID).Str("payment_id", paymentID.String()).Logger()

	consumedKey := cache.ConsumedKey(eventID)
	if _, seen, err := pr.cache.Get(ctx, consumedKey); err != nil {
		log.Warn().Err(err).Msg("consumed-event cache lookup failed")
	} else if seen {
		log.Debug().Msg("event already consumed")
		return OutcomeDuplicate, nil
	}

	outcome, err := pr.process(ctx, paymentID, log)
	if err != nil {
		return "", err
	}

	if err := pr.cache.Set(ctx, consumedKey, string(outcome), pr.consumedTTL); err != nil {
		log.Warn().Err(err).Msg("consumed-event cache write failed")
	}
	return outcome, nil
}

func (pr *Processor) process(ctx context.Context, paymentID uuid.UUID, log zerolog.Logger) (Outcome, error) {
	begun, err := pr.sm.Transition(ctx, TransitionRequest{
		PaymentID: paymentID,
		Trigger:   payment.TriggerBeginProcessing,
	})
	switch {
	case errors.Is(err, domainErrors.ErrInvalidTransition):
		// Already settled by an earlier delivery or a webhook.
		return OutcomeSkipped, nil
	case errors.Is(err, domainErrors.ErrPaymentNotFound):
		log.Warn().Msg("payment.created for unknown payment")
		return OutcomeSkipped, nil
	case err != nil:
		return "", fmt.Errorf("begin processing: %w", err)
	}

	res, err := pr.gateway.Charge(ctx, begun.Payment)
	if err != nil {
		log.Warn().Err(err).Msg("provider charge failed, leaving payment in processing")
		return OutcomePending, nil
	}

	var (
		req     = TransitionRequest{PaymentID: paymentID}
		outcome Outcome
	)
	switch res.Status {
	case providers.StatusSuccess:
		req.Trigger, req.ProviderReference, outcome = payment.TriggerConfirmSuccess, res.TransactionID, OutcomeCompleted
	case providers.StatusFailed:
		req.Trigger, req.Reason, outcome = payment.TriggerConfirmFailure, res.ErrorMessage, OutcomeFailed
	default:
		log.Info().Str("provider_reference", res.TransactionID).Msg("provider charge pending")
		return OutcomePending, nil
	}

	if _, err := pr.sm.Transition(ctx, req); err != nil {
		if errors.Is(err, domainErrors.ErrInvalidTransition) {
			log.Info().Err(err).Msg("payment settled concurrently")
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("confirm charge: %w", err)
	}
	return outcome, nil
}
