package payment

import (
	"context"
	"strings"

	"fulfillment-engine/internal/models"

	"github.com/shopspring/decimal"
)

// IntentRequest opens a payment intent. Amount is in minor units (pence, cents).
type IntentRequest struct {
	AmountMinor    int64
	Currency       string
	Description    string
	IdempotencyKey string
}

// Intent is the processor's view of a newly created payment intent
type Intent struct {
	ID           string
	ClientSecret string
	Status       models.PaymentStatus
}

// RefundResult describes a refund accepted by the processor
type RefundResult struct {
	ID          string
	Status      string
	AmountMinor int64
}

// Gateway wraps the external payment processor.
// Every method fails with *errs.PaymentGatewayError; on error no side effect may be assumed.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	ConfirmPayment(ctx context.Context, intentID, paymentMethodRef string) (models.PaymentStatus, error)
	GetPaymentStatus(ctx context.Context, intentID string) (models.PaymentStatus, error)
	Refund(ctx context.Context, paymentRef string, amountMinor int64, reason string) (*RefundResult, error)
}

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a 2-place amount to minor units
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts minor units to a 2-place amount
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// NormalizeStatus maps processor status strings onto PaymentStatus.
// Anything still awaiting the buyer or the processor counts as REQUIRES_ACTION.
func NormalizeStatus(raw string) models.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "success", "paid":
		return models.PaymentStatusSucceeded
	case "canceled", "cancelled":
		return models.PaymentStatusCanceled
	case "failed", "declined":
		return models.PaymentStatusFailed
	default:
		return models.PaymentStatusRequiresAction
	}
}
