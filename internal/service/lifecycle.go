package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/payment"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Notifier dispatches a customer notification for an order
type Notifier interface {
	Send(ctx context.Context, order *models.Order, event string) error
}

// Locker guards concurrent requests sharing an idempotency key
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Config holds the business settings of the manager
type Config struct {
	ChannelID          int64
	Currency           string
	CarrierName        string
	IdempotencyLockTTL time.Duration
}

// OrderLifecycleManager creates orders and drives them through the state machine
type OrderLifecycleManager struct {
	uow       store.UnitOfWorkFactory
	inventory *InventoryReservation
	gateway   payment.Gateway
	notifier  Notifier
	tracking  *TrackingService
	locker    Locker
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	newExternalID     func() string
	newTrackingNumber func() string
}

// Option customises the manager
type Option func(*OrderLifecycleManager)

// WithLocker enables the distributed idempotency lock
func WithLocker(l Locker) Option {
	return func(m *OrderLifecycleManager) { m.locker = l }
}

// WithTrackingService enables tracking lookups for orders
func WithTrackingService(t *TrackingService) Option {
	return func(m *OrderLifecycleManager) { m.tracking = t }
}

// WithTrackingNumberGenerator overrides how tracking numbers are issued
func WithTrackingNumberGenerator(gen func() string) Option {
	return func(m *OrderLifecycleManager) { m.newTrackingNumber = gen }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *OrderLifecycleManager) { m.now = now }
}

// NewOrderLifecycleManager creates a new manager
func NewOrderLifecycleManager(
	uow store.UnitOfWorkFactory,
	inventory *InventoryReservation,
	gateway payment.Gateway,
	notifier Notifier,
	cfg Config,
	opts ...Option,
) *OrderLifecycleManager {
	if cfg.Currency == "" {
		cfg.Currency = "gbp"
	}
	if cfg.IdempotencyLockTTL <= 0 {
		cfg.IdempotencyLockTTL = 30 * time.Second
	}
	m := &OrderLifecycleManager{
		uow:               uow,
		inventory:         inventory,
		gateway:           gateway,
		notifier:          notifier,
		cfg:               cfg,
		logger:            util.GetLogger(),
		now:               time.Now,
		newExternalID:     defaultExternalID,
		newTrackingNumber: defaultTrackingNumber,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	Items           []models.ItemQuantity
	ShippingAddress models.Address
	PaymentMethod   models.PaymentMethod
	BuyerID         int64
	IdempotencyKey  string
}

// CreateOrderResult is returned by CreateOrder
type CreateOrderResult struct {
	Order         *models.Order
	Items         []models.OrderItem
	Payment       *models.Payment
	PaymentIntent *payment.Intent
	// Replayed is set when an earlier order with the same idempotency key was returned
	Replayed bool
}

// CreateOrder reserves stock, persists the order with its items, opens a payment
// intent and records the initial history entry, all in one unit of work. Any
// failure, including a payment intent failure, rolls the whole unit back.
func (m *OrderLifecycleManager) CreateOrder(ctx context.Context, req CreateOrderRequest) (res *CreateOrderResult, err error) {
	ctx, span := util.StartSpan(ctx, "OrderLifecycleManager.CreateOrder", attribute.Int64("buyer_id", req.BuyerID))
	defer func() { util.EndSpan(span, err) }()

	if err := validateCreateRequest(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	if key := req.IdempotencyKey; key != "" {
		if m.locker != nil {
			lockKey := "order:" + key
			acquired, err := m.locker.AcquireLock(ctx, lockKey, m.cfg.IdempotencyLockTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to acquire idempotency lock: %w", err)
			}
			if !acquired {
				return nil, fmt.Errorf("%w: idempotency key %s", errs.ErrDuplicateRequest, key)
			}
			defer func() {
				if err := m.locker.ReleaseLock(context.WithoutCancel(ctx), lockKey); err != nil {
					m.logger.Warn("Failed to release idempotency lock", zap.String("key", key), zap.Error(err))
				}
			}()
		}

		existing, err := m.findByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			m.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", key),
				zap.Int64("order_id", existing.Order.ID))
			existing.Replayed = true
			return existing, nil
		}
	}

	res = &CreateOrderResult{}
	err = store.RunInTx(ctx, m.uow, func(uow store.UnitOfWork) error {
		return m.createInTx(ctx, uow, req, res)
	})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		m.logger.Warn("Order creation failed", zap.Int64("buyer_id", req.BuyerID), zap.Error(err))
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	m.logger.Info("Order created",
		zap.Int64("order_id", res.Order.ID),
		zap.String("external_id", res.Order.ExternalID),
		zap.String("total", res.Order.Total.StringFixed(2)),
		zap.String("intent_id", res.PaymentIntent.ID))

	m.notify(ctx, res.Order, models.NotificationOrderConfirmed)
	return res, nil
}

func (m *OrderLifecycleManager) createInTx(ctx context.Context, uow store.UnitOfWork, req CreateOrderRequest, res *CreateOrderResult) error {
	wanted, err := aggregate(req.Items)
	if err != nil {
		return err
	}

	variants, err := uow.Inventory().GetVariants(ctx, variantIDs(wanted))
	if err != nil {
		return fmt.Errorf("failed to load variants: %w", err)
	}
	prices := make(map[int64]decimal.Decimal, len(variants))
	for _, v := range variants {
		prices[v.ID] = v.Price
	}
	for _, it := range wanted {
		if _, ok := prices[it.VariantID]; !ok {
			return errs.NewValidationError("variant_id", fmt.Sprintf("variant %d does not exist", it.VariantID))
		}
	}

	if err := m.inventory.Reserve(ctx, uow, wanted); err != nil {
		return err
	}

	total := decimal.Zero
	items := make([]models.OrderItem, 0, len(wanted))
	for _, it := range wanted {
		unit := prices[it.VariantID]
		line := unit.Mul(decimal.NewFromInt(int64(it.Quantity)))
		total = total.Add(line)
		items = append(items, models.OrderItem{
			VariantID:  it.VariantID,
			Quantity:   it.Quantity,
			UnitPrice:  unit,
			TotalPrice: line,
		})
	}

	order := &models.Order{
		ChannelID:       m.cfg.ChannelID,
		ExternalID:      m.newExternalID(),
		UserID:          req.BuyerID,
		Status:          models.OrderStatusPending,
		Total:           total,
		Currency:        strings.ToUpper(m.cfg.Currency),
		ShippingAddress: req.ShippingAddress,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}
	if err := uow.Orders().Create(ctx, order); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	for i := range items {
		items[i].OrderID = order.ID
		if err := uow.Orders().AddItem(ctx, &items[i]); err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}

	intentKey := req.IdempotencyKey
	if intentKey == "" {
		intentKey = order.ExternalID
	}
	intent, err := m.gateway.CreatePaymentIntent(ctx, payment.IntentRequest{
		AmountMinor:    payment.ToMinorUnits(total),
		Currency:       m.cfg.Currency,
		Description:    "Order " + order.ExternalID,
		IdempotencyKey: intentKey,
	})
	if err != nil {
		return err
	}

	pay := &models.Payment{
		OrderID:     order.ID,
		Method:      req.PaymentMethod,
		ExternalRef: intent.ID,
		Amount:      total,
		Status:      models.PaymentStatusRequiresAction,
	}
	if err := uow.Payments().Create(ctx, pay); err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	if err := uow.History().Append(ctx, &models.StatusHistoryEntry{
		OrderID:   order.ID,
		NewStatus: models.OrderStatusPending,
		ChangedBy: strPtr(fmt.Sprintf("buyer:%d", req.BuyerID)),
		Reason:    "order created",
	}); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	res.Order = order
	res.Items = items
	res.Payment = pay
	res.PaymentIntent = intent
	return nil
}

func (m *OrderLifecycleManager) findByIdempotencyKey(ctx context.Context, key string) (*CreateOrderResult, error) {
	var res *CreateOrderResult
	err := store.RunInTx(ctx, m.uow, func(uow store.UnitOfWork) error {
		order, err := uow.Orders().GetByIdempotencyKey(ctx, key)
		if err != nil || order == nil {
			return err
		}
		details, err := loadDetails(ctx, uow, order)
		if err != nil {
			return err
		}
		res = &CreateOrderResult{Order: details.Order, Items: details.Items, Payment: details.Payment}
		if details.Payment != nil {
			res.PaymentIntent = &payment.Intent{ID: details.Payment.ExternalRef, Status: details.Payment.Status}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	return res, nil
}

// TransitionResult reports the edge an order moved along
type TransitionResult struct {
	OrderID   int64              `json:"order_id"`
	OldStatus models.OrderStatus `json:"old_status"`
	NewStatus models.OrderStatus `json:"new_status"`
}

// followUp carries the external side effects to run once a transition has committed
type followUp struct {
	order  models.Order
	from   models.OrderStatus
	to     models.OrderStatus
	refund *models.Payment
}

// UpdateStatus moves an order along one edge of the state machine. Status change,
// history and inventory effects commit together; the refund call and
// notifications run after commit and their failures are only logged.
func (m *OrderLifecycleManager) UpdateStatus(ctx context.Context, orderID int64, newStatus models.OrderStatus, actor, reason string) (res *TransitionResult, err error) {
	ctx, span := util.StartSpan(ctx, "OrderLifecycleManager.UpdateStatus",
		attribute.Int64("order_id", orderID),
		attribute.String("to", string(newStatus)))
	defer func() { util.EndSpan(span, err) }()

	if _, ok := models.ParseOrderStatus(string(newStatus)); !ok {
		return nil, errs.NewValidationError("status", fmt.Sprintf("unknown status %q", newStatus))
	}

	var fu *followUp
	err = store.RunInTx(ctx, m.uow, func(uow store.UnitOfWork) error {
		order, err := uow.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		fu, err = m.transition(ctx, uow, order, newStatus, actor, reason)
		return err
	})
	if err != nil {
		var ist *errs.InvalidStateTransitionError
		if errors.As(err, &ist) {
			util.OrderTransitionsTotal.WithLabelValues(ist.From, ist.To, "rejected").Inc()
		}
		return nil, err
	}

	m.afterTransition(ctx, fu, reason)
	return &TransitionResult{OrderID: orderID, OldStatus: fu.from, NewStatus: fu.to}, nil
}

// transition applies the transactional part of a status change inside uow
func (m *OrderLifecycleManager) transition(
	ctx context.Context,
	uow store.UnitOfWork,
	order *models.Order,
	to models.OrderStatus,
	actor, reason string,
) (*followUp, error) {
	from := order.Status
	if err := ValidateTransition(from, to); err != nil {
		return nil, err
	}

	if err := uow.Orders().UpdateStatus(ctx, order.ID, to); err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	old := from
	if err := uow.History().Append(ctx, &models.StatusHistoryEntry{
		OrderID:   order.ID,
		OldStatus: &old,
		NewStatus: to,
		ChangedBy: strPtr(actor),
		Reason:    reason,
	}); err != nil {
		return nil, fmt.Errorf("failed to append history: %w", err)
	}

	fu := &followUp{from: from, to: to}

	switch to {
	case models.OrderStatusCancelled:
		items, err := uow.Orders().Items(ctx, order.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load order items: %w", err)
		}
		if err := m.inventory.Release(ctx, uow, itemQuantities(items)); err != nil {
			return nil, err
		}

	case models.OrderStatusShipped:
		items, err := uow.Orders().Items(ctx, order.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load order items: %w", err)
		}
		if err := m.inventory.Consume(ctx, uow, itemQuantities(items)); err != nil {
			return nil, err
		}
		if _, err := m.assignTrackingNumber(ctx, uow, order); err != nil {
			return nil, err
		}

	case models.OrderStatusRefunded:
		if from == models.OrderStatusPending || from == models.OrderStatusProcessing {
			// Nothing left the warehouse, so the reservation goes back on sale.
			items, err := uow.Orders().Items(ctx, order.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to load order items: %w", err)
			}
			if err := m.inventory.Release(ctx, uow, itemQuantities(items)); err != nil {
				return nil, err
			}
		}
		pay, err := uow.Payments().GetByOrderID(ctx, order.ID)
		switch {
		case errors.Is(err, store.ErrPaymentNotFound):
		case err != nil:
			return nil, fmt.Errorf("failed to load payment: %w", err)
		case pay.Status == models.PaymentStatusSucceeded:
			fu.refund = pay
		}
	}

	updated, err := uow.Orders().GetByID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	fu.order = *updated
	return fu, nil
}

func (m *OrderLifecycleManager) afterTransition(ctx context.Context, fu *followUp, reason string) {
	util.OrderTransitionsTotal.WithLabelValues(string(fu.from), string(fu.to), "applied").Inc()
	m.logger.Info("Order status changed",
		zap.Int64("order_id", fu.order.ID),
		zap.String("from", string(fu.from)),
		zap.String("to", string(fu.to)))

	if fu.refund != nil {
		m.refund(ctx, fu.order.ID, fu.refund, reason)
	}

	switch fu.to {
	case models.OrderStatusShipped:
		m.notify(ctx, &fu.order, models.NotificationOrderShipped)
	case models.OrderStatusDelivered:
		m.notify(ctx, &fu.order, models.NotificationOrderDelivered)
	case models.OrderStatusCancelled:
		m.notify(ctx, &fu.order, models.NotificationOrderCancelled)
	case models.OrderStatusRefunded:
		m.notify(ctx, &fu.order, models.NotificationOrderRefunded)
	}
}

func (m *OrderLifecycleManager) refund(ctx context.Context, orderID int64, pay *models.Payment, reason string) {
	res, err := m.gateway.Refund(ctx, pay.ExternalRef, payment.ToMinorUnits(pay.Amount), reason)
	if err != nil {
		m.logger.Error("Refund failed after order was marked refunded",
			zap.Int64("order_id", orderID),
			zap.String("payment_ref", pay.ExternalRef),
			zap.Error(err))
		return
	}
	m.logger.Info("Refund initiated",
		zap.Int64("order_id", orderID),
		zap.String("refund_id", res.ID),
		zap.String("refund_status", res.Status),
		zap.Int64("amount_minor", res.AmountMinor))
}

// EnsureTrackingNumber assigns a tracking number to a shipped order if it has none
// and returns the order's tracking number. Calling it repeatedly never reissues one.
func (m *OrderLifecycleManager) EnsureTrackingNumber(ctx context.Context, orderID int64) (string, error) {
	var tn string
	err := store.RunInTx(ctx, m.uow, func(uow store.UnitOfWork) error {
		order, err := uow.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusShipped && order.Status != models.OrderStatusDelivered {
			return errs.ErrNotShipped
		}
		tn, err = m.assignTrackingNumber(ctx, uow, order)
		return err
	})
	return tn, err
}

func (m *OrderLifecycleManager) assignTrackingNumber(ctx context.Context, uow store.UnitOfWork, order *models.Order) (string, error) {
	if order.TrackingNumber != nil {
		return *order.TrackingNumber, nil
	}

	tn := m.newTrackingNumber()
	assigned, err := uow.Orders().AssignTrackingNumber(ctx, order.ID, m.cfg.CarrierName, tn, m.now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to assign tracking number: %w", err)
	}
	if assigned {
		m.logger.Info("Tracking number issued", zap.Int64("order_id", order.ID), zap.String("tracking_number", tn))
		return tn, nil
	}

	current, err := uow.Orders().GetByID(ctx, order.ID)
	if err != nil {
		return "", err
	}
	if current.TrackingNumber == nil {
		return "", fmt.Errorf("tracking number for order %d was not stored", order.ID)
	}
	return *current.TrackingNumber, nil
}

// BulkItemResult is the outcome for one order of a bulk update
type BulkItemResult struct {
	OrderID   int64              `json:"order_id"`
	OldStatus models.OrderStatus `json:"old_status,omitempty"`
	NewStatus models.OrderStatus `json:"new_status,omitempty"`
	Success   bool               `json:"success"`
	Error     string             `json:"error,omitempty"`
	Err       error              `json:"-"`
}

// BulkReport lists per-order outcomes
type BulkReport struct {
	Results   []BulkItemResult `json:"results"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// BulkUpdateStatus applies UpdateStatus to each order independently
func (m *OrderLifecycleManager) BulkUpdateStatus(ctx context.Context, orderIDs []int64, newStatus models.OrderStatus, actor, reason string) *BulkReport {
	report := &BulkReport{Results: make([]BulkItemResult, 0, len(orderIDs))}
	for _, id := range orderIDs {
		res, err := m.UpdateStatus(ctx, id, newStatus, actor, reason)
		if err != nil {
			report.Failed++
			report.Results = append(report.Results, BulkItemResult{OrderID: id, Error: err.Error(), Err: err})
			continue
		}
		report.Succeeded++
		report.Results = append(report.Results, BulkItemResult{
			OrderID:   id,
			OldStatus: res.OldStatus,
			NewStatus: res.NewStatus,
			Success:   true,
		})
	}
	m.logger.Info("Bulk status update finished",
		zap.String("status", string(newStatus)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed))
	return report
}

// ConfirmPayment confirms the order's payment intent with the processor and
// applies the reported outcome.
func (m *OrderLifecycleManager) ConfirmPayment(ctx context.Context, orderID int64, paymentMethodRef string) (status models.PaymentStatus, err error) {
	ctx, span := util.StartSpan(ctx, "OrderLifecycleManager.ConfirmPayment", attribute.Int64("order_id", orderID))
	defer func() { util.EndSpan(span, err) }()

	var pay *models.Payment
	err = store.RunInTx(ctx, m.uow, func(uow store.UnitOfWork) error {
		order, err := uow.Orders().GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		pay, err = uow.Payments().GetByOrderID(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to load payment: %w", err)
		}
		if pay.Status == models.PaymentStatusRequiresAction && order.Status != models.OrderStatusPending {
			return errs.NewInvalidStateTransitionError(string(order.Status), string(models.OrderStatusProcessing))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if pay.Status != models.PaymentStatusRequiresAction {
		return pay.Status, nil
	}

	status, err = m.gateway.ConfirmPayment(ctx, pay.ExternalRef, paymentMethodRef)
	if err != nil {
		return "", err
	}
	if err := m.applyPaymentOutcome(ctx, pay.ExternalRef, status, "payment-confirmation"); err != nil {
		return "", err
	}
	return status, nil
}

// HandlePaymentEvent applies a verified payment processor event
func (m *OrderLifecycleManager) HandlePaymentEvent(ctx context.Context, ev *models.PaymentEvent) error {
	ctx, span := util.StartSpan(ctx, "OrderLifecycleManager.HandlePaymentEvent",
		attribute.String("event_type", ev.EventType),
		attribute.String("intent_id", ev.IntentID))
	defer span.End()

	switch ev.EventType {
	case models.PaymentEventSucceeded:
		return m.applyPaymentOutcome(ctx, ev.IntentID, models.PaymentStatusSucceeded, "payment-webhook")
	case models.PaymentEventFailed:
		return m.applyPaymentOutcome(ctx, ev.IntentID, models.PaymentStatusFailed, "payment-webhook")
	case models.PaymentEventCanceled:
		return m.applyPaymentOutcome(ctx, ev.IntentID, models.PaymentStatusCanceled, "payment-webhook")
	case models.PaymentEventDisputeCreated:
		return m.handleDispute(ctx, ev)
	default:
		m.logger.Warn("Ignoring unsupported payment event", zap.String("type", ev.EventType))
		return nil
	}
}

// applyPaymentOutcome records the payment status and moves a PENDING order:
// SUCCEEDED to PROCESSING, CANCELED to CANCELLED. Unknown intents are ignored.
func (m *OrderLifecycleManager) applyPaymentOutcome(ctx context.Context, intentID string, status models.PaymentStatus, actor string) error {
	var fu *followUp
	err := store.RunInTx(ctx, m.uow, func(uow store.UnitOfWork) error {
		pay, err := uow.Payments().GetByExternalRef(ctx, intentID)
		if err != nil {
			return err
		}
		order, err := uow.Orders().GetForUpdate(ctx, pay.OrderID)
		if err != nil {
			return err
		}

		if pay.Status == models.PaymentStatusSucceeded && status != models.PaymentStatusSucceeded {
			m.logger.Warn("Ignoring stale payment outcome for settled payment",
				zap.Int64("order_id", order.ID),
				zap.String("status", string(status)))
			return nil
		}
		if pay.Status != status {
			if err := uow.Payments().UpdateStatus(ctx, pay.ID, status); err != nil {
				return fmt.Errorf("failed to update payment status: %w", err)
			}
		}

		if order.Status != models.OrderStatusPending {
			return nil
		}
		switch status {
		case models.PaymentStatusSucceeded:
			fu, err = m.transition(ctx, uow, order, models.OrderStatusProcessing, actor, "payment succeeded")
		case models.PaymentStatusCanceled:
			fu, err = m.transition(ctx, uow, order, models.OrderStatusCancelled, actor, "payment canceled")
		}
		return err
	})
	if errors.Is(err, store.ErrPaymentNotFound) {
		m.logger.Warn("Payment event for unknown intent", zap.String("intent_id", intentID))
		return nil
	}
	if err != nil {
		return err
	}
	if fu != nil {
		m.afterTransition(ctx, fu, "payment "+strings.ToLower(string(status)))
	}
	return nil
}

func (m *OrderLifecycleManager) handleDispute(ctx context.Context, ev *models.PaymentEvent) error {
	var order *models.Order
	err := store.RunInTx(ctx, m.uow, func(uow store.UnitOfWork) error {
		pay, err := uow.Payments().GetByExternalRef(ctx, ev.IntentID)
		if err != nil {
			return err
		}
		order, err = uow.Orders().GetByID(ctx, pay.OrderID)
		return err
	})
	if errors.Is(err, store.ErrPaymentNotFound) {
		m.logger.Warn("Dispute for unknown intent", zap.String("intent_id", ev.IntentID))
		return nil
	}
	if err != nil {
		return err
	}

	m.logger.Warn("Payment disputed",
		zap.Int64("order_id", order.ID),
		zap.String("intent_id", ev.IntentID),
		zap.String("reason", ev.Reason),
		zap.Int64("amount_minor", ev.Amount))
	m.notify(ctx, order, models.NotificationPaymentDispute)
	return nil
}

// OrderDetails is an order with its items and payment
type OrderDetails struct {
	Order   *models.Order      `json:"order"`
	Items   []models.OrderItem `json:"items"`
	Payment *models.Payment    `json:"payment,omitempty"`
}

// GetOrder returns an order with its items and payment
func (m *OrderLifecycleManager) GetOrder(ctx context.Context, orderID int64) (*OrderDetails, error) {
	var details *OrderDetails
	err := store.RunInTx(ctx, m.uow, func(uow store.UnitOfWork) error {
		order, err := uow.Orders().GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		details, err = loadDetails(ctx, uow, order)
		return err
	})
	return details, err
}

// GetStatusHistory returns the audit trail of an order, oldest first
func (m *OrderLifecycleManager) GetStatusHistory(ctx context.Context, orderID int64) ([]models.StatusHistoryEntry, error) {
	var entries []models.StatusHistoryEntry
	err := store.RunInTx(ctx, m.uow, func(uow store.UnitOfWork) error {
		if _, err := uow.Orders().GetByID(ctx, orderID); err != nil {
			return err
		}
		var err error
		entries, err = uow.History().ListByOrder(ctx, orderID)
		return err
	})
	return entries, err
}

// GetTracking returns carrier tracking for an order. Orders without a tracking
// number yield errs.ErrNotShipped, distinct from a carrier failure.
func (m *OrderLifecycleManager) GetTracking(ctx context.Context, orderID int64) (*models.TrackingInfo, error) {
	if m.tracking == nil {
		return nil, errors.New("tracking is not configured")
	}
	var order *models.Order
	err := store.RunInTx(ctx, m.uow, func(uow store.UnitOfWork) error {
		var err error
		order, err = uow.Orders().GetByID(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if order.TrackingNumber == nil {
		return nil, fmt.Errorf("%w: order %d", errs.ErrNotShipped, orderID)
	}
	return m.tracking.GetTrackingInfoWithCache(ctx, *order.TrackingNumber, &order.ID)
}

func loadDetails(ctx context.Context, uow store.UnitOfWork, order *models.Order) (*OrderDetails, error) {
	items, err := uow.Orders().Items(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	details := &OrderDetails{Order: order, Items: items}
	pay, err := uow.Payments().GetByOrderID(ctx, order.ID)
	switch {
	case errors.Is(err, store.ErrPaymentNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load payment: %w", err)
	default:
		details.Payment = pay
	}
	return details, nil
}

func (m *OrderLifecycleManager) notify(ctx context.Context, order *models.Order, event string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(ctx, order, event); err != nil {
		util.NotificationsFailedTotal.WithLabelValues(event).Inc()
		m.logger.Error("Failed to send notification",
			zap.Int64("order_id", order.ID),
			zap.String("event", event),
			zap.Error(err))
	}
}

func validateCreateRequest(req CreateOrderRequest) error {
	if len(req.Items) == 0 {
		return errs.NewValidationError("items", "must not be empty")
	}
	if req.BuyerID <= 0 {
		return errs.NewValidationError("buyer_id", "must be positive")
	}
	if _, ok := models.ParsePaymentMethod(string(req.PaymentMethod)); !ok {
		return errs.NewValidationError("payment_method", fmt.Sprintf("unsupported method %q", req.PaymentMethod))
	}
	addr := req.ShippingAddress
	switch {
	case strings.TrimSpace(addr.Line1) == "":
		return errs.NewValidationError("shipping_address.line1", "is required")
	case strings.TrimSpace(addr.City) == "":
		return errs.NewValidationError("shipping_address.city", "is required")
	case strings.TrimSpace(addr.PostalCode) == "":
		return errs.NewValidationError("shipping_address.postal_code", "is required")
	case strings.TrimSpace(addr.Country) == "":
		return errs.NewValidationError("shipping_address.country", "is required")
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return "validation"
	case errors.Is(err, errs.ErrInsufficientInventory):
		return "insufficient_stock"
	case errors.Is(err, errs.ErrPaymentGateway):
		return "payment_gateway"
	default:
		return "internal"
	}
}

func defaultExternalID() string {
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// defaultTrackingNumber issues an S10 style number: two letters, nine digits, country code
func defaultTrackingNumber() string {
	id := uuid.New()
	var n uint64
	for _, b := range id[:8] {
		n = n<<8 | uint64(b)
	}
	return fmt.Sprintf("FE%09dGB", n%1_000_000_000)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
