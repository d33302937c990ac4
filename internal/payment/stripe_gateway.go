package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/util"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

const defaultStripeTimeout = 10 * time.Second

// StripeGateway implements Gateway on top of Stripe Payment Intents
type StripeGateway struct {
	intents stripeIntentAPI
	refunds stripeRefundAPI
	timeout time.Duration
	logger  *zap.Logger
}

// NewStripeGateway creates a Stripe-backed gateway. timeout bounds each HTTP
// attempt and, through the request context, each call including stripe-go's
// own network retries.
func NewStripeGateway(apiKey string, timeout time.Duration) (*StripeGateway, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("stripe: api key is required")
	}
	if timeout <= 0 {
		timeout = defaultStripeTimeout
	}
	sc := client.New(apiKey, newStripeBackends(timeout))
	g := newStripeGateway(sc.PaymentIntents, sc.Refunds)
	g.timeout = timeout
	return g, nil
}

func newStripeBackends(timeout time.Duration) *stripe.Backends {
	httpClient := &http.Client{Timeout: timeout}
	backend := func(t stripe.SupportedBackend) stripe.Backend {
		return stripe.GetBackendWithConfig(t, &stripe.BackendConfig{HTTPClient: httpClient})
	}
	return &stripe.Backends{
		API:     backend(stripe.APIBackend),
		Connect: backend(stripe.ConnectBackend),
		Uploads: backend(stripe.UploadsBackend),
	}
}

func newStripeGateway(intents stripeIntentAPI, refunds stripeRefundAPI) *StripeGateway {
	return &StripeGateway{
		intents: intents,
		refunds: refunds,
		timeout: defaultStripeTimeout,
		logger:  util.Named("payment"),
	}
}

func (g *StripeGateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// CreatePaymentIntent implements Gateway
func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	ctx, cancel := g.callContext(ctx)
	defer cancel()
	params.Context = ctx
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	var intent *stripe.PaymentIntent
	err := observe("create_intent", func() (err error) {
		intent, err = g.intents.New(params)
		return err
	})
	if err != nil {
		return nil, stripeError("create_intent", err)
	}

	g.logger.Info("Stripe payment intent created",
		zap.String("intent_id", intent.ID),
		zap.String("status", string(intent.Status)))

	return &Intent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       stripeStatus(intent),
	}, nil
}

// ConfirmPayment implements Gateway
func (g *StripeGateway) ConfirmPayment(ctx context.Context, intentID, paymentMethodRef string) (models.PaymentStatus, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	ctx, cancel := g.callContext(ctx)
	defer cancel()
	params.Context = ctx
	if paymentMethodRef != "" {
		params.PaymentMethod = stripe.String(paymentMethodRef)
	}

	var intent *stripe.PaymentIntent
	err := observe("confirm", func() (err error) {
		intent, err = g.intents.Confirm(intentID, params)
		return err
	})
	if err != nil {
		return "", stripeError("confirm", err)
	}
	return stripeStatus(intent), nil
}

// GetPaymentStatus implements Gateway
func (g *StripeGateway) GetPaymentStatus(ctx context.Context, intentID string) (models.PaymentStatus, error) {
	params := &stripe.PaymentIntentParams{}
	ctx, cancel := g.callContext(ctx)
	defer cancel()
	params.Context = ctx

	var intent *stripe.PaymentIntent
	err := observe("get_status", func() (err error) {
		intent, err = g.intents.Get(intentID, params)
		return err
	})
	if err != nil {
		return "", stripeError("get_status", err)
	}
	return stripeStatus(intent), nil
}

// Refund implements Gateway
func (g *StripeGateway) Refund(ctx context.Context, paymentRef string, amountMinor int64, reason string) (*RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Amount:        stripe.Int64(amountMinor),
	}
	ctx, cancel := g.callContext(ctx)
	defer cancel()
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + paymentRef)
	if r := stripeRefundReason(reason); r != "" {
		params.Reason = stripe.String(r)
	}
	if reason != "" {
		params.AddMetadata("reason", reason)
	}

	var refund *stripe.Refund
	err := observe("refund", func() (err error) {
		refund, err = g.refunds.New(params)
		return err
	})
	if err != nil {
		return nil, stripeError("refund", err)
	}
	return &RefundResult{ID: refund.ID, Status: string(refund.Status), AmountMinor: refund.Amount}, nil
}

func observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	util.PaymentGatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	outcome := "success"
	if err != nil {
		outcome = "rejected"
	}
	util.PaymentGatewayRequests.WithLabelValues(op, outcome).Inc()
	return err
}

func stripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return errs.NewPaymentGatewayError(op, se.HTTPStatusCode, err)
	}
	return errs.NewPaymentGatewayError(op, 0, err)
}

func stripeStatus(intent *stripe.PaymentIntent) models.PaymentStatus {
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return models.PaymentStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return models.PaymentStatusCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			return models.PaymentStatusFailed
		}
	}
	return models.PaymentStatusRequiresAction
}

func stripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer), "customer_request":
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
