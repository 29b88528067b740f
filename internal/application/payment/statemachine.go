package payment

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cassiomorais/paymentflow/internal/cache"
	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/observability"
	"github.com/cassiomorais/paymentflow/internal/lock"
	"github.com/cassiomorais/paymentflow/pkg/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cassiomorais/paymentflow/internal/application/payment"

// Config tunes the state machine.
type Config struct {
	// IdempotencyTTL bounds how long an idempotency key is remembered in the cache.
	IdempotencyTTL time.Duration
	// LockTimeout bounds how long Transition waits for the payment lock.
	LockTimeout time.Duration
}

// CreateRequest holds the input for creating a payment.
type CreateRequest struct {
	IdempotencyKey string
	AmountCents    int64
	Currency       string
}

// CreateResult reports the payment behind an idempotency key and whether
// this call created it.
type CreateResult struct {
	Payment *payment.Payment
	Created bool
}

// TransitionRequest asks for one trigger to be applied to one payment.
type TransitionRequest struct {
	PaymentID         uuid.UUID
	Trigger           payment.Trigger
	ProviderReference string
	Reason            string
	// Metadata is merged into the outbox payload of an applied transition.
	Metadata map[string]any
	// InTx, when set, runs inside the transition's transaction after the
	// payment and outbox writes. Its error rolls everything back.
	InTx func(ctx context.Context, p *payment.Payment) error
}

// TransitionResult is the payment after the transaction committed.
type TransitionResult struct {
	Payment *payment.Payment
	// Applied is false when the payment already sat in the trigger's target state.
	Applied bool
}

// StateMachine is the only writer of payment rows. Every state change it
// commits carries exactly one outbox event in the same transaction.
type StateMachine struct {
	payments  payment.Repository
	events    outbox.Repository
	txManager TransactionManager
	locks     Locker
	cache     cache.Cache
	clock     clock.Clock
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer

	halted atomic.Bool
}

// NewStateMachine creates a new StateMachine.
func NewStateMachine(
	payments payment.Repository,
	events outbox.Repository,
	txManager TransactionManager,
	locks Locker,
	c cache.Cache,
	clk clock.Clock,
	cfg Config,
	logger zerolog.Logger,
) *StateMachine {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	return &StateMachine{
		payments:  payments,
		events:    events,
		txManager: txManager,
		locks:     locks,
		cache:     c,
		clock:     clk,
		cfg:       cfg,
		logger:    observability.Component(logger, "state_machine"),
		tracer:    otel.Tracer(tracerName),
	}
}

// WithMetrics attaches Prometheus metrics.
func (sm *StateMachine) WithMetrics(m *observability.Metrics) *StateMachine {
	sm.metrics = m
	return sm
}

// Halted reports whether intake stopped after the store returned state this
// process cannot interpret.
func (sm *StateMachine) Halted() bool {
	return sm.halted.Load()
}

func (sm *StateMachine) ready() error {
	if sm.halted.Load() {
		return domainErrors.ErrIntakeHalted
	}
	return nil
}

// observe halts intake on corrupt state and passes err through.
func (sm *StateMachine) observe(err error) error {
	if err == nil || !errors.Is(err, domainErrors.ErrCorruptState) {
		return err
	}
	if sm.halted.CompareAndSwap(false, true) {
		sm.logger.Error().Err(err).Msg("corrupt payment state read from store, halting intake")
		if sm.metrics != nil {
			sm.metrics.IntakeHalted.Set(1)
		}
	}
	return err
}

// Create records a new payment intent, or returns the payment already bound
// to the idempotency key.
func (sm *StateMachine) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := sm.ready(); err != nil {
		return nil, err
	}

	p, err := payment.NewPayment(req.IdempotencyKey, payment.Amount{ValueCents: req.AmountCents, Currency: req.Currency}, sm.clock.Now())
	if err != nil {
		return nil, err
	}

	existing, err := sm.lookupIdempotent(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, sm.observe(err)
	}
	if existing != nil {
		return sm.replay(existing, p.Amount)
	}

	err = sm.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := sm.payments.Create(txCtx, p); err != nil {
			return err
		}
		return sm.events.Insert(txCtx, outbox.NewEvent(p.ID, outbox.EventPaymentCreated, p.Snapshot(), p.CreatedAt))
	})
	if errors.Is(err, domainErrors.ErrDuplicateIdempotencyKey) {
		// Lost the race on the unique index to a concurrent create.
		existing, lerr := sm.payments.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if lerr != nil {
			return nil, sm.observe(fmt.Errorf("load payment by idempotency key: %w", lerr))
		}
		sm.remember(ctx, existing)
		return sm.replay(existing, p.Amount)
	}
	if err != nil {
		return nil, sm.observe(fmt.Errorf("create payment: %w", err))
	}

	sm.remember(ctx, p)
	if sm.metrics != nil {
		sm.metrics.PaymentsCreated.WithLabelValues("created").Inc()
	}
	sm.logger.Info().
		Str("payment_id", p.ID.String()).
		Str("amount", p.Amount.String()).
		Msg("payment created")
	return &CreateResult{Payment: p, Created: true}, nil
}

// lookupIdempotent consults the cache and then the store. A cache failure
// only costs the fast path.
func (sm *StateMachine) lookupIdempotent(ctx context.Context, key string) (*payment.Payment, error) {
	if raw, ok, err := sm.cache.Get(ctx, cache.IdempotencyKey(key)); err != nil {
		sm.logger.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency cache lookup failed")
	} else if ok {
		if id, perr := uuid.Parse(raw); perr == nil {
			p, err := sm.payments.GetByID(ctx, id)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, domainErrors.ErrPaymentNotFound) {
				return nil, err
			}
		}
	}

	p, err := sm.payments.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, domainErrors.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sm.remember(ctx, p)
	return p, nil
}

func (sm *StateMachine) remember(ctx context.Context, p *payment.Payment) {
	if err := sm.cache.Set(ctx, cache.IdempotencyKey(p.IdempotencyKey), p.ID.String(), sm.cfg.IdempotencyTTL); err != nil {
		sm.logger.Warn().Err(err).Str("payment_id", p.ID.String()).Msg("idempotency cache write failed")
	}
}

func (sm *StateMachine) replay(existing *payment.Payment, requested payment.Amount) (*CreateResult, error) {
	if existing.Amount != requested {
		return nil, domainErrors.NewDomainError(
			"idempotency_key_reused",
			fmt.Sprintf("idempotency key %q already bound to %s", existing.IdempotencyKey, existing.Amount),
			domainErrors.ErrDuplicateIdempotencyKey,
		)
	}
	if sm.metrics != nil {
		sm.metrics.PaymentsCreated.WithLabelValues("replayed").Inc()
	}
	return &CreateResult{Payment: existing, Created: false}, nil
}

// Get reads a payment without locking.
func (sm *StateMachine) Get(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	p, err := sm.payments.GetByID(ctx, id)
	if err != nil {
		return nil, sm.observe(err)
	}
	return p, nil
}

// WithPaymentLock runs fn while holding the lock on one payment.
func (sm *StateMachine) WithPaymentLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, h *lock.Handle) error) error {
	return sm.locks.WithLock(ctx, lock.PaymentKey(id), sm.cfg.LockTimeout, fn)
}

// Transition acquires the payment lock and applies req under it.
func (sm *StateMachine) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	var res *TransitionResult
	err := sm.WithPaymentLock(ctx, req.PaymentID, func(lockCtx context.Context, h *lock.Handle) error {
		var err error
		res, err = sm.ApplyTransition(lockCtx, h, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ApplyTransition applies one trigger while the caller holds h on the
// payment's lock key. The payment update, its outbox event and the InTx hook
// commit together or not at all.
func (sm *StateMachine) ApplyTransition(ctx context.Context, h *lock.Handle, req TransitionRequest) (res *TransitionResult, err error) {
	ctx, span := sm.tracer.Start(ctx, "payment.ApplyTransition", trace.WithAttributes(
		attribute.String("payment.id", req.PaymentID.String()),
		attribute.String("payment.trigger", req.Trigger.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		sm.record(req.Trigger, res, err)
	}()

	if err := sm.ready(); err != nil {
		return nil, err
	}

	key := lock.PaymentKey(req.PaymentID)
	if err := sm.locks.Check(h, key); err != nil {
		return nil, err
	}

	var (
		p       *payment.Payment
		applied bool
	)
	err = sm.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		p, err = sm.payments.GetForUpdate(txCtx, req.PaymentID)
		if err != nil {
			return err
		}

		prev := p.Version
		applied, err = p.Apply(req.Trigger, req.ProviderReference, sm.clock.Now())
		if err != nil {
			return err
		}

		if applied {
			if err := sm.payments.Update(txCtx, p, prev); err != nil {
				return err
			}
			payload := p.Snapshot()
			for k, v := range req.Metadata {
				payload[k] = v
			}
			payload["trigger"] = req.Trigger.String()
			if req.Reason != "" {
				payload["reason"] = req.Reason
			}
			if err := sm.events.Insert(txCtx, outbox.NewEvent(p.ID, eventTypeFor(p.Status), payload, p.UpdatedAt)); err != nil {
				return err
			}
		}

		if req.InTx != nil {
			if err := req.InTx(txCtx, p); err != nil {
				return err
			}
		}

		// The lease may have lapsed while the transaction ran.
		return sm.locks.Check(h, key)
	})
	if err != nil {
		return nil, sm.observe(fmt.Errorf("apply %s to payment %s: %w", req.Trigger, req.PaymentID, err))
	}

	span.SetAttributes(attribute.Bool("payment.applied", applied), attribute.String("payment.status", string(p.Status)))
	if applied {
		sm.logger.Info().
			Str("payment_id", p.ID.String()).
			Str("trigger", req.Trigger.String()).
			Str("status", string(p.Status)).
			Int64("version", p.Version).
			Msg("payment transitioned")
	}
	return &TransitionResult{Payment: p, Applied: applied}, nil
}

func (sm *StateMachine) record(trigger payment.Trigger, res *TransitionResult, err error) {
	if sm.metrics == nil {
		return
	}
	result := "applied"
	switch {
	case errors.Is(err, domainErrors.ErrInvalidTransition):
		result = "invalid"
	case errors.Is(err, domainErrors.ErrStaleOwnership):
		result = "stale"
	case err != nil:
		result = "error"
	case res != nil && !res.Applied:
		result = "noop"
	}
	sm.metrics.TransitionsTotal.WithLabelValues(trigger.String(), result).Inc()
}

// eventTypeFor maps the status a transition lands in to the event announcing it.
func eventTypeFor(s payment.Status) outbox.EventType {
	switch s {
	case payment.StatusProcessing:
		return outbox.EventPaymentProcessing
	case payment.StatusCompleted:
		return outbox.EventPaymentCompleted
	case payment.StatusFailed:
		return outbox.EventPaymentFailed
	case payment.StatusRefunded:
		return outbox.EventPaymentRefunded
	}
	return outbox.EventPaymentCreated
}
