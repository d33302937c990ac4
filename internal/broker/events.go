package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is satisfied by Producer
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// NotificationPublisher hands customer notifications to the notification service via Kafka.
// It only dispatches; rendering and delivery happen downstream.
type NotificationPublisher struct {
	writer EventWriter
}

// NewNotificationPublisher creates a new notification publisher
func NewNotificationPublisher(writer EventWriter) *NotificationPublisher {
	return &NotificationPublisher{writer: writer}
}

// Send publishes a notification event for the order
func (np *NotificationPublisher) Send(ctx context.Context, order *models.Order, event string) error {
	msg := &models.NotificationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: event,
			Timestamp: time.Now().UTC(),
		},
		OrderID:    order.ID,
		ExternalID: order.ExternalID,
		UserID:     order.UserID,
	}
	return np.writer.PublishEvent(ctx, fmt.Sprintf("order-%d", order.ID), msg)
}

// PaymentEventPublisher forwards verified webhook events to the payment worker
type PaymentEventPublisher struct {
	writer EventWriter
}

// NewPaymentEventPublisher creates a new payment event publisher
func NewPaymentEventPublisher(writer EventWriter) *PaymentEventPublisher {
	return &PaymentEventPublisher{writer: writer}
}

// PublishPaymentEvent publishes a payment event keyed by intent, keeping one intent's events ordered
func (pp *PaymentEventPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	return pp.writer.PublishEvent(ctx, "intent-"+event.IntentID, event)
}

// EventHandler routes incoming payment events
type EventHandler struct {
	onPaymentEvent func(context.Context, *models.PaymentEvent) error
	logger         *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Named("kafka")}
}

// OnPaymentEvent registers a handler for payment events
func (eh *EventHandler) OnPaymentEvent(handler func(context.Context, *models.PaymentEvent) error) {
	eh.onPaymentEvent = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	eventType := header(msg, HeaderEventType)
	if eventType == "" {
		var base models.BaseEvent
		if err := json.Unmarshal(msg.Value, &base); err != nil {
			return fmt.Errorf("failed to unmarshal base event: %w", err)
		}
		eventType = base.EventType
	}

	eh.logger.Debug("Handling event", zap.String("type", eventType), zap.String("id", header(msg, HeaderEventID)))

	switch eventType {
	case models.PaymentEventSucceeded, models.PaymentEventFailed,
		models.PaymentEventCanceled, models.PaymentEventDisputeCreated:
		if eh.onPaymentEvent == nil {
			return nil
		}
		var event models.PaymentEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal payment event: %w", err)
		}
		return eh.onPaymentEvent(ctx, &event)

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", eventType))
	}

	return nil
}
