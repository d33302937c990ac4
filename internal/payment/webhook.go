package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"
)

// Webhook headers sent by the processor
const (
	SignatureHeader = "signature"
	TimestampHeader = "request-timestamp"
)

// Sign computes the hex HMAC-SHA256 of "{timestamp}.{payload}"
func Sign(secret string, payload []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature recomputes the signature and compares it in constant time
func VerifyWebhookSignature(secret, signature string, payload []byte, timestamp string) bool {
	if secret == "" || signature == "" || timestamp == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, payload, timestamp))
	return hmac.Equal(got, want)
}

// WebhookVerifier checks signatures and rejects stale timestamps
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookVerifier creates a verifier. A zero tolerance disables the freshness check.
func NewWebhookVerifier(secret string, tolerance time.Duration) *WebhookVerifier {
	return &WebhookVerifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// Verify returns errs.ErrWebhookSignature when the request cannot be trusted
func (v *WebhookVerifier) Verify(signature, timestamp string, payload []byte) error {
	if !VerifyWebhookSignature(v.secret, signature, payload, timestamp) {
		return fmt.Errorf("%w: signature mismatch", errs.ErrWebhookSignature)
	}
	if v.tolerance <= 0 {
		return nil
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", errs.ErrWebhookSignature)
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", errs.ErrWebhookSignature)
	}
	return nil
}

type webhookEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type webhookData struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
	Object        *struct {
		ID            string `json:"id"`
		PaymentIntent string `json:"payment_intent"`
		Amount        int64  `json:"amount"`
		Status        string `json:"status"`
		Reason        string `json:"reason"`
	} `json:"object"`
}

var eventTypeAliases = map[string]string{
	"payment.succeeded":              models.PaymentEventSucceeded,
	"payment_intent.succeeded":       models.PaymentEventSucceeded,
	"payment.failed":                 models.PaymentEventFailed,
	"payment_intent.payment_failed":  models.PaymentEventFailed,
	"payment.canceled":               models.PaymentEventCanceled,
	"payment.cancelled":              models.PaymentEventCanceled,
	"payment_intent.canceled":        models.PaymentEventCanceled,
	"dispute.created":                models.PaymentEventDisputeCreated,
	"charge.dispute.created":         models.PaymentEventDisputeCreated,
	"payment_intent.dispute.created": models.PaymentEventDisputeCreated,
}

// ParseWebhookEvent decodes a verified webhook body of the form {type, data}.
// Unsupported event types are reported as a validation error.
func ParseWebhookEvent(payload []byte) (*models.PaymentEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errs.NewValidationError("body", "malformed webhook payload")
	}

	eventType, ok := eventTypeAliases[strings.ToLower(strings.TrimSpace(env.Type))]
	if !ok {
		return nil, errs.NewValidationError("type", fmt.Sprintf("unsupported event type %q", env.Type))
	}

	var data webhookData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, errs.NewValidationError("data", "malformed event data")
		}
	}
	if data.Object != nil {
		data.ID, data.PaymentIntent = data.Object.ID, data.Object.PaymentIntent
		data.Amount, data.Status, data.Reason = data.Object.Amount, data.Object.Status, data.Object.Reason
	}

	intentID := data.ID
	if eventType == models.PaymentEventDisputeCreated || data.PaymentIntent != "" {
		intentID = data.PaymentIntent
	}
	if intentID == "" {
		return nil, errs.NewValidationError("data", "missing payment intent reference")
	}

	eventID := env.ID
	if eventID == "" {
		sum := sha256.Sum256(payload)
		eventID = hex.EncodeToString(sum[:])
	}
	ts := time.Now().UTC()
	if env.Created > 0 {
		ts = time.Unix(env.Created, 0).UTC()
	}

	return &models.PaymentEvent{
		BaseEvent: models.BaseEvent{
			EventID:   eventID,
			EventType: eventType,
			Timestamp: ts,
		},
		IntentID: intentID,
		Status:   data.Status,
		Amount:   data.Amount,
		Reason:   data.Reason,
	}, nil
}
