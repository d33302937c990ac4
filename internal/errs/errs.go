// Package errs defines the error taxonomy of the fulfillment engine.
//
// Each category has a sentinel (for errors.Is) and a struct type carrying the
// details a caller needs (for errors.As). The struct's Unwrap returns its sentinel.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientInventory  = errors.New("insufficient inventory")
	ErrPaymentGateway         = errors.New("payment gateway error")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrCarrierUnavailable     = errors.New("carrier unavailable")
	ErrOrderNotFound          = errors.New("order not found")
	ErrWebhookSignature       = errors.New("webhook signature invalid")
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrNotShipped             = errors.New("order not yet shipped")
	ErrDuplicateRequest       = errors.New("duplicate request in progress")
)

// ValidationError reports bad caller input. Nothing was mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientInventoryError reports the first variant that could not be reserved.
type InsufficientInventoryError struct {
	VariantID int64
	Requested int
	Available int
}

func NewInsufficientInventoryError(variantID int64, requested, available int) *InsufficientInventoryError {
	return &InsufficientInventoryError{VariantID: variantID, Requested: requested, Available: available}
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("%s: variant %d requested=%d available=%d",
		ErrInsufficientInventory, e.VariantID, e.Requested, e.Available)
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }

// PaymentGatewayError wraps an upstream payment processor failure.
// StatusCode is the upstream HTTP status, 0 when the request never got a response.
type PaymentGatewayError struct {
	Op         string
	StatusCode int
	Cause      error
}

func NewPaymentGatewayError(op string, statusCode int, cause error) *PaymentGatewayError {
	return &PaymentGatewayError{Op: op, StatusCode: statusCode, Cause: cause}
}

func (e *PaymentGatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (status %d): %v", ErrPaymentGateway, e.Op, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("%s: %s (status %d)", ErrPaymentGateway, e.Op, e.StatusCode)
}

func (e *PaymentGatewayError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrPaymentGateway, e.Cause}
	}
	return []error{ErrPaymentGateway}
}

// InvalidStateTransitionError carries the rejected edge.
type InvalidStateTransitionError struct {
	From string
	To   string
}

func NewInvalidStateTransitionError(from, to string) *InvalidStateTransitionError {
	return &InvalidStateTransitionError{From: from, To: to}
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidStateTransition, e.From, e.To)
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// CarrierUnavailableError is returned once retries and the circuit breaker are exhausted.
type CarrierUnavailableError struct {
	TrackingNumber string
	Cause          error
}

func NewCarrierUnavailableError(trackingNumber string, cause error) *CarrierUnavailableError {
	return &CarrierUnavailableError{TrackingNumber: trackingNumber, Cause: cause}
}

func (e *CarrierUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: tracking %s: %v", ErrCarrierUnavailable, e.TrackingNumber, e.Cause)
	}
	return fmt.Sprintf("%s: tracking %s", ErrCarrierUnavailable, e.TrackingNumber)
}

func (e *CarrierUnavailableError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrCarrierUnavailable, e.Cause}
	}
	return []error{ErrCarrierUnavailable}
}

type OrderNotFoundError struct {
	OrderID int64
}

func NewOrderNotFoundError(orderID int64) *OrderNotFoundError {
	return &OrderNotFoundError{OrderID: orderID}
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("%s: %d", ErrOrderNotFound, e.OrderID)
}

func (e *OrderNotFoundError) Unwrap() error { return ErrOrderNotFound }
