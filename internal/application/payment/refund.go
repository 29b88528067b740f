package payment

import (
	"context"
	"fmt"

	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/cassiomorais/paymentflow/internal/infrastructure/providers"
	"github.com/cassiomorais/paymentflow/internal/lock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RefundUseCase returns the full amount of a completed payment.
type RefundUseCase struct {
	sm      *StateMachine
	gateway *Gateway
	logger  zerolog.Logger
}

// NewRefundUseCase creates a new RefundUseCase.
func NewRefundUseCase(sm *StateMachine, gateway *Gateway, logger zerolog.Logger) *RefundUseCase {
	return &RefundUseCase{sm: sm, gateway: gateway, logger: logger}
}

// Execute refunds the payment. Refunding an already refunded payment
// returns it unchanged.
func (uc *RefundUseCase) Execute(ctx context.Context, paymentID uuid.UUID, reason string) (*payment.Payment, error) {
	var out *payment.Payment
	err := uc.sm.WithPaymentLock(ctx, paymentID, func(ctx context.Context, h *lock.Handle) error {
		p, err := uc.sm.Get(ctx, paymentID)
		if err != nil {
			return err
		}
		switch p.Status {
		case payment.StatusRefunded:
			out = p
			return nil
		case payment.StatusCompleted:
		default:
			return domainErrors.NewDomainError(
				"invalid_transition",
				fmt.Sprintf("cannot refund payment in status %s", p.Status),
				domainErrors.ErrInvalidTransition,
			)
		}

		res, err := uc.gateway.Refund(ctx, p)
		if err != nil {
			return fmt.Errorf("provider refund: %w", err)
		}
		if res.Status != providers.StatusSuccess {
			return domainErrors.NewDomainError("refund_rejected", res.ErrorMessage, domainErrors.ErrProviderRejected)
		}

		applied, err := uc.sm.ApplyTransition(ctx, h, TransitionRequest{
			PaymentID: paymentID,
			Trigger:   payment.TriggerRefund,
			Reason:    reason,
			Metadata:  map[string]any{"refund_reference": res.TransactionID},
		})
		if err != nil {
			return err
		}
		out = applied.Payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	uc.logger.Info().Str("payment_id", paymentID.String()).Msg("payment refunded")
	return out, nil
}
