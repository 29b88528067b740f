package controller

import (
	"context"
	"net/http"

	paymentApp "github.com/cassiomorais/paymentflow/internal/application/payment"
	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// PaymentService is the state machine surface the API exposes.
type PaymentService interface {
	Create(ctx context.Context, req paymentApp.CreateRequest) (*paymentApp.CreateResult, error)
	Get(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
}

// Refunder executes refunds.
type Refunder interface {
	Execute(ctx context.Context, paymentID uuid.UUID, reason string) (*payment.Payment, error)
}

// PaymentController handles payment-related HTTP requests.
type PaymentController struct {
	payments PaymentService
	refunds  Refunder
}

// NewPaymentController creates a new PaymentController.
func NewPaymentController(payments PaymentService, refunds Refunder) *PaymentController {
	return &PaymentController{payments: payments, refunds: refunds}
}

// CreatePayment handles POST /api/v1/payments. The Idempotency-Key header is
// required; replaying a key returns the original payment with 200.
func (h *PaymentController) CreatePayment(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		writeError(w, domainErrors.NewValidationError("Idempotency-Key", "header is required"))
		return
	}
	if len(idempotencyKey) > 255 {
		writeError(w, domainErrors.NewValidationError("Idempotency-Key", "must be at most 255 characters"))
		return
	}

	var req CreatePaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cents, err := floatToCents(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.payments.Create(r.Context(), paymentApp.CreateRequest{
		IdempotencyKey: idempotencyKey,
		AmountCents:    cents,
		Currency:       req.Currency,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, FromPayment(res.Payment))
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *PaymentController) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid payment id", Code: "invalid_id"})
		return
	}

	p, err := h.payments.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromPayment(p))
}

// RefundPayment handles POST /api/v1/payments/{id}/refund
func (h *PaymentController) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid payment id", Code: "invalid_id"})
		return
	}

	var req RefundPaymentRequest
	if r.ContentLength != 0 {
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	p, err := h.refunds.Execute(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromPayment(p))
}
