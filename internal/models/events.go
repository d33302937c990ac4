package models

import "time"

// Notification event types
const (
	NotificationOrderConfirmed = "ORDER_CONFIRMED"
	NotificationOrderShipped   = "ORDER_SHIPPED"
	NotificationOrderDelivered = "ORDER_DELIVERED"
	NotificationOrderCancelled = "ORDER_CANCELLED"
	NotificationOrderRefunded  = "ORDER_REFUNDED"
	NotificationPaymentDispute = "PAYMENT_DISPUTED"
)

// Payment webhook event types
const (
	PaymentEventSucceeded      = "payment.succeeded"
	PaymentEventFailed         = "payment.failed"
	PaymentEventCanceled       = "payment.canceled"
	PaymentEventDisputeCreated = "dispute.created"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Describe returns the id and type carried in message headers
func (e BaseEvent) Describe() (id, eventType string) {
	return e.EventID, e.EventType
}

// NotificationEvent asks the notification service to message the customer
type NotificationEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	ExternalID string `json:"external_id,omitempty"`
	UserID     int64  `json:"user_id,omitempty"`
}

// PaymentEvent is a verified payment processor webhook, normalised
type PaymentEvent struct {
	BaseEvent
	IntentID string `json:"intent_id"`
	Status   string `json:"status,omitempty"`
	Amount   int64  `json:"amount,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
