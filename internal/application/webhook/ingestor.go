package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	paymentApp "github.com/cassiomorais/paymentflow/internal/application/payment"
	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/cassiomorais/paymentflow/internal/domain/webhook"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/observability"
	"github.com/cassiomorais/paymentflow/internal/lock"
	"github.com/cassiomorais/paymentflow/pkg/clock"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TransactionManager defines the interface for transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// StateMachine is the part of the payment state machine the ingestor drives.
type StateMachine interface {
	Get(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	WithPaymentLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, h *lock.Handle) error) error
	ApplyTransition(ctx context.Context, h *lock.Handle, req paymentApp.TransitionRequest) (*paymentApp.TransitionResult, error)
}

// Payload is the provider callback body.
type Payload struct {
	PaymentID         string `json:"payment_id" validate:"required,uuid"`
	ProviderReference string `json:"provider_reference" validate:"omitempty,max=255"`
	Reason            string `json:"reason" validate:"omitempty,max=1024"`
}

// Result reports how a callback was handled.
type Result struct {
	// Duplicate is true when the callback had already been applied.
	Duplicate bool
	// Applied is false when the payment already sat in the implied state.
	Applied bool
	Payment *payment.Payment
}

// Ingestor applies provider callbacks at most once each. Every callback is
// recorded in a ledger keyed by provider event id before it is applied, and
// the ledger row is marked processed in the same transaction as the
// transition it caused.
type Ingestor struct {
	webhooks  webhook.Repository
	events    outbox.Repository
	txManager TransactionManager
	sm        StateMachine
	clock     clock.Clock
	validate  *validator.Validate
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// NewIngestor creates a new Ingestor.
func NewIngestor(
	webhooks webhook.Repository,
	events outbox.Repository,
	txManager TransactionManager,
	sm StateMachine,
	clk clock.Clock,
	logger zerolog.Logger,
) *Ingestor {
	return &Ingestor{
		webhooks:  webhooks,
		events:    events,
		txManager: txManager,
		sm:        sm,
		clock:     clk,
		validate:  validator.New(),
		logger:    observability.Component(logger, "webhook_ingestor"),
	}
}

// WithMetrics attaches Prometheus metrics.
func (in *Ingestor) WithMetrics(m *observability.Metrics) *Ingestor {
	in.metrics = m
	return in
}

// Ingest handles one callback. Re-delivery of an applied callback succeeds
// with Result.Duplicate set. A callback that does not fit the payment's
// current state fails with ErrInvalidTransition and stays unprocessed so a
// later re-delivery can apply it.
func (in *Ingestor) Ingest(ctx context.Context, providerEventID, kind string, body []byte) (res *Result, err error) {
	defer func() { in.record(kind, res, err) }()

	ev, err := in.parse(providerEventID, kind, body)
	if err != nil {
		return nil, err
	}
	log := in.logger.With().
		Str("provider_event_id", ev.ProviderEventID).
		Str("kind", string(ev.Kind)).
		Str("payment_id", ev.PaymentID.String()).
		Logger()

	if _, err := in.sm.Get(ctx, ev.PaymentID); err != nil {
		if errors.Is(err, domainErrors.ErrPaymentNotFound) {
			return nil, domainErrors.NewDomainError("unknown_payment",
				fmt.Sprintf("payment %s does not exist", ev.PaymentID), domainErrors.ErrInvalidWebhook)
		}
		return nil, err
	}

	if err := in.recordReceipt(ctx, ev); err != nil {
		if errors.Is(err, domainErrors.ErrDuplicateWebhook) {
			log.Info().Msg("duplicate webhook ignored")
			return &Result{Duplicate: true}, nil
		}
		return nil, err
	}

	res = &Result{}
	err = in.sm.WithPaymentLock(ctx, ev.PaymentID, func(ctx context.Context, h *lock.Handle) error {
		rec, err := in.webhooks.Get(ctx, ev.ProviderEventID)
		if err != nil {
			return err
		}
		if rec != nil && rec.Processed {
			return domainErrors.ErrDuplicateWebhook
		}

		out, err := in.sm.ApplyTransition(ctx, h, paymentApp.TransitionRequest{
			PaymentID:         ev.PaymentID,
			Trigger:           ev.Kind.Trigger(),
			ProviderReference: ev.ProviderReference,
			Reason:            stringField(ev.Payload, "reason"),
			Metadata:          map[string]any{"provider_event_id": ev.ProviderEventID},
			InTx: func(txCtx context.Context, _ *payment.Payment) error {
				return in.webhooks.MarkProcessed(txCtx, ev.ProviderEventID, in.clock.Now())
			},
		})
		if err != nil {
			return err
		}
		res.Applied = out.Applied
		res.Payment = out.Payment
		return nil
	})
	if errors.Is(err, domainErrors.ErrDuplicateWebhook) {
		res, err = &Result{Duplicate: true}, nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("webhook not applied")
		return nil, err
	}

	log.Info().Bool("applied", res.Applied).Bool("duplicate", res.Duplicate).Msg("webhook handled")
	return res, nil
}

// parse validates the kind and body into a domain event.
func (in *Ingestor) parse(providerEventID, kind string, body []byte) (webhook.Event, error) {
	k, err := webhook.ParseKind(kind)
	if err != nil {
		return webhook.Event{}, fmt.Errorf("%w: %w", domainErrors.ErrInvalidWebhook, err)
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return webhook.Event{}, fmt.Errorf("%w: %w", domainErrors.ErrInvalidWebhook,
			domainErrors.NewValidationError("body", "invalid JSON: "+err.Error()))
	}
	if err := in.validate.Struct(p); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return webhook.Event{}, fmt.Errorf("%w: %w", domainErrors.ErrInvalidWebhook,
				domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed"))
		}
		return webhook.Event{}, fmt.Errorf("%w: %v", domainErrors.ErrInvalidWebhook, err)
	}

	ev := webhook.Event{
		ProviderEventID:   providerEventID,
		Kind:              k,
		PaymentID:         uuid.MustParse(p.PaymentID),
		ProviderReference: p.ProviderReference,
		Payload: map[string]any{
			"payment_id":         p.PaymentID,
			"provider_reference": p.ProviderReference,
			"reason":             p.Reason,
		},
	}
	if err := ev.Validate(); err != nil {
		return webhook.Event{}, fmt.Errorf("%w: %w", domainErrors.ErrInvalidWebhook, err)
	}
	return ev, nil
}

// recordReceipt inserts the ledger row and its WebhookReceived event on
// first sight. It fails with ErrDuplicateWebhook once the callback was
// processed.
func (in *Ingestor) recordReceipt(ctx context.Context, ev webhook.Event) error {
	err := in.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		rec, err := in.webhooks.GetForUpdate(txCtx, ev.ProviderEventID)
		if err != nil {
			return err
		}
		if rec != nil {
			if rec.PaymentID != ev.PaymentID || rec.EventType != ev.Kind {
				return domainErrors.NewDomainError("webhook_id_reused",
					fmt.Sprintf("provider event %s was recorded for a different callback", ev.ProviderEventID),
					domainErrors.ErrInvalidWebhook)
			}
			if rec.Processed {
				return domainErrors.ErrDuplicateWebhook
			}
			return nil
		}

		now := in.clock.Now()
		inserted, err := in.webhooks.Insert(txCtx, webhook.NewRecord(ev, now))
		if err != nil {
			return err
		}
		if !inserted {
			// A concurrent delivery recorded it first; the lock below orders us.
			return nil
		}
		return in.events.Insert(txCtx, outbox.NewEvent(ev.PaymentID, outbox.EventWebhookReceived, map[string]any{
			"provider_event_id":  ev.ProviderEventID,
			"kind":               string(ev.Kind),
			"payment_id":         ev.PaymentID.String(),
			"provider_reference": ev.ProviderReference,
		}, now))
	})
	if err != nil {
		return fmt.Errorf("record webhook %s: %w", ev.ProviderEventID, err)
	}
	return nil
}

func (in *Ingestor) record(kind string, res *Result, err error) {
	if in.metrics == nil {
		return
	}
	result := "applied"
	switch {
	case errors.Is(err, domainErrors.ErrInvalidWebhook):
		result = "invalid"
		kind = "unknown"
	case errors.Is(err, domainErrors.ErrInvalidTransition):
		result = "out_of_order"
	case err != nil:
		result = "error"
	case res != nil && res.Duplicate:
		result = "duplicate"
	case res != nil && !res.Applied:
		result = "noop"
	}
	in.metrics.WebhooksTotal.WithLabelValues(kind, result).Inc()
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
