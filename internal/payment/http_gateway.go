package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// HTTPGateway speaks the processor's REST protocol
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPGateway creates a gateway with a per-request timeout
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     util.Named("payment"),
	}
}

type intentPayload struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

type intentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

type confirmPayload struct {
	PaymentMethod string `json:"payment_method"`
}

type refundPayload struct {
	Payment string `json:"payment"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason,omitempty"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// CreatePaymentIntent implements Gateway
func (g *HTTPGateway) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	ctx, span := util.StartSpan(ctx, "HTTPGateway.CreatePaymentIntent", attribute.Int64("amount", req.AmountMinor))
	defer span.End()

	var out intentResponse
	body := intentPayload{Amount: req.AmountMinor, Currency: strings.ToLower(req.Currency), Description: req.Description}
	if err := g.do(ctx, "create_intent", http.MethodPost, "/payment-intents", body, req.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	return &Intent{ID: out.ID, ClientSecret: out.ClientSecret, Status: NormalizeStatus(out.Status)}, nil
}

// ConfirmPayment implements Gateway
func (g *HTTPGateway) ConfirmPayment(ctx context.Context, intentID, paymentMethodRef string) (models.PaymentStatus, error) {
	ctx, span := util.StartSpan(ctx, "HTTPGateway.ConfirmPayment", attribute.String("intent_id", intentID))
	defer span.End()

	var out intentResponse
	path := "/payment-intents/" + url.PathEscape(intentID) + "/confirm"
	if err := g.do(ctx, "confirm", http.MethodPost, path, confirmPayload{PaymentMethod: paymentMethodRef}, "", &out); err != nil {
		return "", err
	}
	return NormalizeStatus(out.Status), nil
}

// GetPaymentStatus implements Gateway
func (g *HTTPGateway) GetPaymentStatus(ctx context.Context, intentID string) (models.PaymentStatus, error) {
	var out intentResponse
	if err := g.do(ctx, "get_status", http.MethodGet, "/payment-intents/"+url.PathEscape(intentID), nil, "", &out); err != nil {
		return "", err
	}
	return NormalizeStatus(out.Status), nil
}

// Refund implements Gateway
func (g *HTTPGateway) Refund(ctx context.Context, paymentRef string, amountMinor int64, reason string) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "HTTPGateway.Refund", attribute.String("payment_ref", paymentRef))
	defer span.End()

	var out refundResponse
	body := refundPayload{Payment: paymentRef, Amount: amountMinor, Reason: reason}
	if err := g.do(ctx, "refund", http.MethodPost, "/refunds", body, "refund-"+paymentRef, &out); err != nil {
		return nil, err
	}
	return &RefundResult{ID: out.ID, Status: out.Status, AmountMinor: out.Amount}, nil
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path string, in interface{}, idempotencyKey string, out interface{}) error {
	start := time.Now()
	defer func() {
		util.PaymentGatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errs.NewPaymentGatewayError(op, 0, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return errs.NewPaymentGatewayError(op, 0, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	res, err := g.httpClient.Do(req)
	if err != nil {
		util.PaymentGatewayRequests.WithLabelValues(op, "transport_error").Inc()
		return errs.NewPaymentGatewayError(op, 0, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		util.PaymentGatewayRequests.WithLabelValues(op, "transport_error").Inc()
		return errs.NewPaymentGatewayError(op, res.StatusCode, err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		util.PaymentGatewayRequests.WithLabelValues(op, "rejected").Inc()
		g.logger.Warn("Payment processor rejected request",
			zap.String("op", op),
			zap.Int("status", res.StatusCode),
			zap.ByteString("body", raw))
		return errs.NewPaymentGatewayError(op, res.StatusCode, errors.New(strings.TrimSpace(string(raw))))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			util.PaymentGatewayRequests.WithLabelValues(op, "bad_response").Inc()
			return errs.NewPaymentGatewayError(op, res.StatusCode, fmt.Errorf("decode response: %w", err))
		}
	}
	util.PaymentGatewayRequests.WithLabelValues(op, "success").Inc()
	return nil
}
