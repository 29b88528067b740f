package errors

import (
	"errors"
	"fmt"
)

var (
	// Payment errors
	ErrPaymentNotFound            = errors.New("payment not found")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrInvalidTransition          = errors.New("invalid state transition")
	ErrProviderReferenceImmutable = errors.New("provider reference already set")
	ErrDuplicateIdempotencyKey    = errors.New("duplicate idempotency key")
	ErrCorruptState               = errors.New("unrecoverable store state")
	ErrIntakeHalted               = errors.New("payment intake halted")

	// Concurrency errors
	ErrLockUnavailable = errors.New("lock unavailable")
	ErrStaleOwnership  = errors.New("stale lock ownership")

	// Webhook errors
	ErrDuplicateWebhook = errors.New("duplicate webhook")
	ErrInvalidWebhook   = errors.New("invalid webhook")

	// Delivery errors
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrDeliveryExhausted = errors.New("delivery attempts exhausted")

	// Store errors
	ErrStoreUnavailable = errors.New("store unavailable")

	// Provider errors
	ErrProviderNotFound    = errors.New("payment provider not found")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrProviderRejected    = errors.New("payment rejected by provider")
	ErrProviderTimeout     = errors.New("provider request timeout")

	// Validation errors
	ErrInvalidInput = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// Unwrap lets callers match any validation failure with ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsRetryable reports whether err is a contention or availability failure
// the caller may retry after backing off.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockUnavailable) ||
		errors.Is(err, ErrStaleOwnership) ||
		errors.Is(err, ErrTransientDelivery) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderTimeout)
}
