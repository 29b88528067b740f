package controller

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/internal/domain/payment"
)

// --- Request DTOs ---
// These DTOs handle HTTP/JSON concerns (float64 for money, string for IDs, validation tags).
// Controllers convert these to application requests before calling business logic.

// CreatePaymentRequest holds the input for creating a payment.
type CreatePaymentRequest struct {
	Amount   float64 `json:"amount" validate:"required,gt=0"`
	Currency string  `json:"currency" validate:"required,len=3,alpha"`
}

// RefundPaymentRequest holds the optional input for refunding a payment.
type RefundPaymentRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=512"`
}

// WebhookRequest is the provider callback envelope. Data is handed to the
// ingestor untouched.
type WebhookRequest struct {
	ID   string          `json:"id" validate:"required,max=255"`
	Type string          `json:"type" validate:"required,max=64"`
	Data json.RawMessage `json:"data" validate:"required"`
}

// --- Response DTOs ---

// PaymentResponse represents a payment in API responses.
type PaymentResponse struct {
	ID                string    `json:"id"`
	IdempotencyKey    string    `json:"idempotency_key"`
	Amount            float64   `json:"amount"`
	AmountCents       int64     `json:"amount_cents"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	ProviderReference *string   `json:"provider_reference,omitempty"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// WebhookResponse acknowledges a provider callback.
type WebhookResponse struct {
	Status    string `json:"status"`
	PaymentID string `json:"payment_id,omitempty"`
	Payment   string `json:"payment_status,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

// FromPayment converts a domain payment to API response.
func FromPayment(p *payment.Payment) *PaymentResponse {
	return &PaymentResponse{
		ID:                p.ID.String(),
		IdempotencyKey:    p.IdempotencyKey,
		Amount:            centsToFloat(p.Amount.ValueCents),
		AmountCents:       p.Amount.ValueCents,
		Currency:          p.Amount.Currency,
		Status:            string(p.Status),
		ProviderReference: p.ProviderReference,
		Version:           p.Version,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

// maxAmountFloat caps a single payment well inside float64's exact integer range.
const maxAmountFloat = 1e12

// floatToCents converts a float amount to cents, rounding half away from zero.
func floatToCents(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, domainErrors.NewValidationError("amount", "must be a finite number")
	}
	if f <= 0 {
		return 0, domainErrors.NewValidationError("amount", "must be greater than 0")
	}
	if f > maxAmountFloat {
		return 0, domainErrors.NewValidationError("amount", fmt.Sprintf("must not exceed %.2f", maxAmountFloat))
	}
	return int64(math.Round(f * 100)), nil
}

// centsToFloat converts cents to a float amount.
func centsToFloat(cents int64) float64 {
	return float64(cents) / 100.0
}
