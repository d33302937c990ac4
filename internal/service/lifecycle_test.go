package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mugs(n int) models.ItemQuantity {
	return models.ItemQuantity{VariantID: variantMug, Quantity: n}
}

func TestCreateOrderReservesAndOpensIntent(t *testing.T) {
	h := newHarness(t)

	res := h.createOrder(t, mugs(2))

	assert.Equal(t, "19.98", res.Order.Total.StringFixed(2))
	assert.Equal(t, models.OrderStatusPending, res.Order.Status)
	assert.Equal(t, "GBP", res.Order.Currency)
	assert.Regexp(t, `^ORD-[0-9A-F]{12}$`, res.Order.ExternalID)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "9.99", res.Items[0].UnitPrice.StringFixed(2))
	assert.Equal(t, "19.98", res.Items[0].TotalPrice.StringFixed(2))

	inv := h.store.Inventory(variantMug)
	assert.Equal(t, 3, inv.Available)
	assert.Equal(t, 2, inv.Reserved)

	require.Len(t, h.gateway.intents, 1)
	assert.Equal(t, int64(1998), h.gateway.intents[0].AmountMinor)
	assert.Equal(t, "gbp", h.gateway.intents[0].Currency)

	pay, ok := h.store.Payment(res.Order.ID)
	require.True(t, ok)
	assert.Equal(t, models.PaymentStatusRequiresAction, pay.Status)
	assert.Equal(t, res.PaymentIntent.ID, pay.ExternalRef)

	history := h.store.History(res.Order.ID)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].OldStatus)
	assert.Equal(t, models.OrderStatusPending, history[0].NewStatus)

	assert.Contains(t, h.notifier.sent()[0], models.NotificationOrderConfirmed)
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, mugs(2))

	_, err := h.manager.CreateOrder(context.Background(), validRequest(mugs(4)))

	var insufficient *errs.InsufficientInventoryError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 3, insufficient.Available)
	assert.Equal(t, 3, h.store.Inventory(variantMug).Available)
	assert.Equal(t, 1, h.store.OrderCount())
}

func TestCreateOrderPaymentFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.gateway.createErr = errs.NewPaymentGatewayError("create_intent", 502, errors.New("bad gateway"))

	_, err := h.manager.CreateOrder(context.Background(), validRequest(mugs(2), models.ItemQuantity{VariantID: variantShirt, Quantity: 1}))

	var pge *errs.PaymentGatewayError
	require.True(t, errors.As(err, &pge))
	assert.Equal(t, 502, pge.StatusCode)
	assert.Equal(t, 0, h.store.OrderCount())
	assert.Equal(t, 5, h.store.Inventory(variantMug).Available)
	assert.Equal(t, 10, h.store.Inventory(variantShirt).Available)
	assert.Empty(t, h.notifier.sent())
}

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t)

	unknown := validRequest(models.ItemQuantity{VariantID: 99, Quantity: 1})
	noAddress := validRequest(mugs(1))
	noAddress.ShippingAddress.Line1 = ""
	badMethod := validRequest(mugs(1))
	badMethod.PaymentMethod = "CHEQUE"
	noItems := validRequest()

	for name, req := range map[string]CreateOrderRequest{
		"unknown variant": unknown,
		"missing address": noAddress,
		"bad method":      badMethod,
		"no items":        noItems,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.manager.CreateOrder(context.Background(), req)
			assert.True(t, errors.Is(err, errs.ErrValidation), "got %v", err)
		})
	}
	assert.Equal(t, 0, h.store.OrderCount())
	assert.Equal(t, 5, h.store.Inventory(variantMug).Available)
}

func TestConcurrentCreatesNeverOversell(t *testing.T) {
	h := newHarness(t)

	const buyers = 12
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.manager.CreateOrder(context.Background(), validRequest(mugs(1)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, errs.ErrInsufficientInventory):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, buyers-5, insufficient)
	inv := h.store.Inventory(variantMug)
	assert.Equal(t, 0, inv.Available)
	assert.Equal(t, 5, inv.Reserved)
}

func TestIdempotentCreateReplaysOrder(t *testing.T) {
	h := newHarness(t, WithLocker(&fakeLocker{}))
	req := validRequest(mugs(1))
	req.IdempotencyKey = "cart-123"

	first, err := h.manager.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := h.manager.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, first.PaymentIntent.ID, second.PaymentIntent.ID)
	assert.Len(t, h.gateway.intents, 1)
	assert.Equal(t, "cart-123", h.gateway.intents[0].IdempotencyKey)
	assert.Equal(t, 4, h.store.Inventory(variantMug).Available)
}

func TestIdempotentCreateRejectsConcurrentDuplicate(t *testing.T) {
	locker := &fakeLocker{}
	h := newHarness(t, WithLocker(locker))
	_, err := locker.AcquireLock(context.Background(), "order:cart-9", time.Minute)
	require.NoError(t, err)

	req := validRequest(mugs(1))
	req.IdempotencyKey = "cart-9"
	_, err = h.manager.CreateOrder(context.Background(), req)

	assert.True(t, errors.Is(err, errs.ErrDuplicateRequest))
	assert.Equal(t, 0, h.store.OrderCount())
}

func TestInvalidTransitionLeavesOrderUntouched(t *testing.T) {
	h := newHarness(t)
	res := h.createOrder(t, mugs(1))
	h.advanceTo(t, res.Order.ID, models.OrderStatusProcessing, models.OrderStatusShipped, models.OrderStatusDelivered)
	before := h.store.History(res.Order.ID)

	_, err := h.manager.UpdateStatus(context.Background(), res.Order.ID, models.OrderStatusProcessing, "ops", "oops")

	var ist *errs.InvalidStateTransitionError
	require.True(t, errors.As(err, &ist))
	assert.Equal(t, "DELIVERED", ist.From)
	order, _ := h.store.Order(res.Order.ID)
	assert.Equal(t, models.OrderStatusDelivered, order.Status)
	assert.Len(t, h.store.History(res.Order.ID), len(before))
}

func TestUpdateStatusUnknownOrderAndStatus(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.UpdateStatus(context.Background(), 404, models.OrderStatusProcessing, "ops", "")
	assert.True(t, errors.Is(err, errs.ErrOrderNotFound))

	res := h.createOrder(t, mugs(1))
	_, err = h.manager.UpdateStatus(context.Background(), res.Order.ID, "LOST", "ops", "")
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestCancelReleasesStockAndRecordsHistory(t *testing.T) {
	h := newHarness(t)
	res := h.createOrder(t, mugs(2))

	out, err := h.manager.UpdateStatus(context.Background(), res.Order.ID, models.OrderStatusCancelled, "buyer:42", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, out.OldStatus)
	assert.Equal(t, models.OrderStatusCancelled, out.NewStatus)

	inv := h.store.Inventory(variantMug)
	assert.Equal(t, 5, inv.Available)
	assert.Equal(t, 0, inv.Reserved)

	history := h.store.History(res.Order.ID)
	require.Len(t, history, 2)
	last := history[1]
	require.NotNil(t, last.OldStatus)
	assert.Equal(t, models.OrderStatusPending, *last.OldStatus)
	assert.Equal(t, models.OrderStatusCancelled, last.NewStatus)
	assert.Equal(t, "buyer:42", *last.ChangedBy)
	assert.Equal(t, "changed my mind", last.Reason)

	assert.Contains(t, h.notifier.sent(), formatEvent(res.Order.ID, models.NotificationOrderCancelled))
}

func TestShipIssuesTrackingNumberOnce(t *testing.T) {
	h := newHarness(t)
	res := h.createOrder(t, mugs(2))
	h.advanceTo(t, res.Order.ID, models.OrderStatusProcessing, models.OrderStatusShipped)

	order, _ := h.store.Order(res.Order.ID)
	require.NotNil(t, order.TrackingNumber)
	assert.Equal(t, "FE000000001GB", *order.TrackingNumber)
	assert.Equal(t, "royal-mail", *order.Carrier)
	assert.NotNil(t, order.ShippingDate)

	for i := 0; i < 3; i++ {
		tn, err := h.manager.EnsureTrackingNumber(context.Background(), res.Order.ID)
		require.NoError(t, err)
		assert.Equal(t, "FE000000001GB", tn)
	}
	assert.Equal(t, 1, h.tnSeq)

	inv := h.store.Inventory(variantMug)
	assert.Equal(t, 3, inv.Available)
	assert.Equal(t, 0, inv.Reserved)
	assert.Contains(t, h.notifier.sent(), formatEvent(res.Order.ID, models.NotificationOrderShipped))
}

func TestEnsureTrackingNumberRequiresShipment(t *testing.T) {
	h := newHarness(t)
	res := h.createOrder(t, mugs(1))

	_, err := h.manager.EnsureTrackingNumber(context.Background(), res.Order.ID)
	assert.True(t, errors.Is(err, errs.ErrNotShipped))
}

func TestRefundCallsProcessorForSettledPayment(t *testing.T) {
	h := newHarness(t)
	res := h.createOrder(t, mugs(2))
	require.NoError(t, h.manager.HandlePaymentEvent(context.Background(), paymentEvent(models.PaymentEventSucceeded, res.PaymentIntent.ID)))

	_, err := h.manager.UpdateStatus(context.Background(), res.Order.ID, models.OrderStatusRefunded, "support", "damaged")
	require.NoError(t, err)

	refunds := h.gateway.refundCalls()
	require.Len(t, refunds, 1)
	assert.Equal(t, res.PaymentIntent.ID, refunds[0].ref)
	assert.Equal(t, int64(1998), refunds[0].amount)
	assert.Equal(t, "damaged", refunds[0].reason)
	assert.Contains(t, h.notifier.sent(), formatEvent(res.Order.ID, models.NotificationOrderRefunded))
}

func TestRefundSkipsUnsettledPayment(t *testing.T) {
	h := newHarness(t)
	res := h.createOrder(t, mugs(1))

	_, err := h.manager.UpdateStatus(context.Background(), res.Order.ID, models.OrderStatusRefunded, "support", "")
	require.NoError(t, err)
	assert.Empty(t, h.gateway.refundCalls())
}

func TestRefundFailureKeepsCommittedStatus(t *testing.T) {
	h := newHarness(t)
	h.gateway.refundErr = errs.NewPaymentGatewayError("refund", 500, errors.New("boom"))
	res := h.createOrder(t, mugs(1))
	require.NoError(t, h.manager.HandlePaymentEvent(context.Background(), paymentEvent(models.PaymentEventSucceeded, res.PaymentIntent.ID)))

	_, err := h.manager.UpdateStatus(context.Background(), res.Order.ID, models.OrderStatusRefunded, "support", "")
	require.NoError(t, err)

	order, _ := h.store.Order(res.Order.ID)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)
	assert.Len(t, h.gateway.refundCalls(), 1)
}

func TestRefundBeforeShipmentReleasesReservation(t *testing.T) {
	for _, from := range []models.OrderStatus{models.OrderStatusPending, models.OrderStatusProcessing} {
		t.Run(string(from), func(t *testing.T) {
			h := newHarness(t)
			res := h.createOrder(t, mugs(2))
			if from == models.OrderStatusProcessing {
				h.advanceTo(t, res.Order.ID, models.OrderStatusProcessing)
			}

			_, err := h.manager.UpdateStatus(context.Background(), res.Order.ID, models.OrderStatusRefunded, "support", "")
			require.NoError(t, err)

			inv := h.store.Inventory(variantMug)
			assert.Equal(t, 5, inv.Available)
			assert.Equal(t, 0, inv.Reserved)
		})
	}
}

func TestRefundAfterShipmentLeavesStockAlone(t *testing.T) {
	h := newHarness(t)
	res := h.createOrder(t, mugs(2))
	h.advanceTo(t, res.Order.ID, models.OrderStatusProcessing, models.OrderStatusShipped)

	_, err := h.manager.UpdateStatus(context.Background(), res.Order.ID, models.OrderStatusRefunded, "support", "")
	require.NoError(t, err)

	inv := h.store.Inventory(variantMug)
	assert.Equal(t, 3, inv.Available)
	assert.Equal(t, 0, inv.Reserved)
}

func TestNotificationFailureIsTolerated(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("broker unavailable")

	res := h.createOrder(t, mugs(1))
	_, err := h.manager.UpdateStatus(context.Background(), res.Order.ID, models.OrderStatusCancelled, "ops", "")

	require.NoError(t, err)
	order, _ := h.store.Order(res.Order.ID)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Len(t, h.notifier.sent(), 2)
}

func TestBulkUpdateStatusReportsPerOrder(t *testing.T) {
	h := newHarness(t)
	a := h.createOrder(t, mugs(1))
	b := h.createOrder(t, mugs(1))
	h.advanceTo(t, b.Order.ID, models.OrderStatusCancelled)

	report := h.manager.BulkUpdateStatus(context.Background(),
		[]int64{a.Order.ID, b.Order.ID, 9999}, models.OrderStatusProcessing, "ops", "payment batch")

	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Results, 3)

	assert.True(t, report.Results[0].Success)
	assert.Equal(t, models.OrderStatusPending, report.Results[0].OldStatus)
	assert.Equal(t, models.OrderStatusProcessing, report.Results[0].NewStatus)

	assert.False(t, report.Results[1].Success)
	assert.True(t, errors.Is(report.Results[1].Err, errs.ErrInvalidStateTransition))

	assert.False(t, report.Results[2].Success)
	assert.True(t, errors.Is(report.Results[2].Err, errs.ErrOrderNotFound))

	order, _ := h.store.Order(a.Order.ID)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
}

func TestConfirmPaymentMovesOrderToProcessing(t *testing.T) {
	h := newHarness(t)
	res := h.createOrder(t, mugs(1))

	status, err := h.manager.ConfirmPayment(context.Background(), res.Order.ID, "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, status)
	assert.Equal(t, []string{res.PaymentIntent.ID + "/pm_card_visa"}, h.gateway.confirmRefs)

	order, _ := h.store.Order(res.Order.ID)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	pay, _ := h.store.Payment(res.Order.ID)
	assert.Equal(t, models.PaymentStatusSucceeded, pay.Status)

	again, err := h.manager.ConfirmPayment(context.Background(), res.Order.ID, "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, again)
	assert.Len(t, h.gateway.confirmRefs, 1)
}

func TestConfirmPaymentStillRequiringAction(t *testing.T) {
	h := newHarness(t)
	h.gateway.confirmTo = models.PaymentStatusRequiresAction
	res := h.createOrder(t, mugs(1))

	status, err := h.manager.ConfirmPayment(context.Background(), res.Order.ID, "pm_3ds")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRequiresAction, status)
	order, _ := h.store.Order(res.Order.ID)
	assert.Equal(t, models.OrderStatusPending, order.Status)
}

func TestHandlePaymentEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("canceled releases stock", func(t *testing.T) {
		h := newHarness(t)
		res := h.createOrder(t, mugs(2))

		require.NoError(t, h.manager.HandlePaymentEvent(ctx, paymentEvent(models.PaymentEventCanceled, res.PaymentIntent.ID)))

		order, _ := h.store.Order(res.Order.ID)
		assert.Equal(t, models.OrderStatusCancelled, order.Status)
		pay, _ := h.store.Payment(res.Order.ID)
		assert.Equal(t, models.PaymentStatusCanceled, pay.Status)
		assert.Equal(t, 5, h.store.Inventory(variantMug).Available)
	})

	t.Run("failed keeps order pending", func(t *testing.T) {
		h := newHarness(t)
		res := h.createOrder(t, mugs(1))

		require.NoError(t, h.manager.HandlePaymentEvent(ctx, paymentEvent(models.PaymentEventFailed, res.PaymentIntent.ID)))

		order, _ := h.store.Order(res.Order.ID)
		assert.Equal(t, models.OrderStatusPending, order.Status)
		pay, _ := h.store.Payment(res.Order.ID)
		assert.Equal(t, models.PaymentStatusFailed, pay.Status)
	})

	t.Run("settled payment is not regressed", func(t *testing.T) {
		h := newHarness(t)
		res := h.createOrder(t, mugs(1))
		require.NoError(t, h.manager.HandlePaymentEvent(ctx, paymentEvent(models.PaymentEventSucceeded, res.PaymentIntent.ID)))
		require.NoError(t, h.manager.HandlePaymentEvent(ctx, paymentEvent(models.PaymentEventSucceeded, res.PaymentIntent.ID)))
		require.NoError(t, h.manager.HandlePaymentEvent(ctx, paymentEvent(models.PaymentEventFailed, res.PaymentIntent.ID)))

		pay, _ := h.store.Payment(res.Order.ID)
		assert.Equal(t, models.PaymentStatusSucceeded, pay.Status)
		order, _ := h.store.Order(res.Order.ID)
		assert.Equal(t, models.OrderStatusProcessing, order.Status)
		assert.Len(t, h.store.History(res.Order.ID), 2)
	})

	t.Run("dispute notifies", func(t *testing.T) {
		h := newHarness(t)
		res := h.createOrder(t, mugs(1))

		require.NoError(t, h.manager.HandlePaymentEvent(ctx, paymentEvent(models.PaymentEventDisputeCreated, res.PaymentIntent.ID)))
		assert.Contains(t, h.notifier.sent(), formatEvent(res.Order.ID, models.NotificationPaymentDispute))
	})

	t.Run("unknown intent is ignored", func(t *testing.T) {
		h := newHarness(t)
		assert.NoError(t, h.manager.HandlePaymentEvent(ctx, paymentEvent(models.PaymentEventSucceeded, "pi_missing")))
	})
}

func TestGetOrderAndHistory(t *testing.T) {
	h := newHarness(t)
	res := h.createOrder(t, mugs(1))
	h.advanceTo(t, res.Order.ID, models.OrderStatusProcessing)

	details, err := h.manager.GetOrder(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, details.Order.Status)
	assert.Len(t, details.Items, 1)
	require.NotNil(t, details.Payment)

	history, err := h.manager.GetStatusHistory(context.Background(), res.Order.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.OrderStatusPending, history[0].NewStatus)
	assert.Equal(t, models.OrderStatusProcessing, history[1].NewStatus)

	_, err = h.manager.GetStatusHistory(context.Background(), 777)
	assert.True(t, errors.Is(err, errs.ErrOrderNotFound))
}

func TestGetTracking(t *testing.T) {
	h := newHarness(t)
	res := h.createOrder(t, mugs(1))

	_, err := h.manager.GetTracking(context.Background(), res.Order.ID)
	assert.True(t, errors.Is(err, errs.ErrNotShipped))

	h.advanceTo(t, res.Order.ID, models.OrderStatusProcessing, models.OrderStatusShipped)
	h.tracker.Set(transitInfo("FE000000001GB"))

	info, err := h.manager.GetTracking(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TrackingInTransit, info.Status)

	_, err = h.manager.GetTracking(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.tracker.Calls())
	assert.Len(t, h.store.TrackingEvents(res.Order.ID), 2)
}

func paymentEvent(eventType, intentID string) *models.PaymentEvent {
	return &models.PaymentEvent{
		BaseEvent: models.BaseEvent{EventID: "evt_" + intentID, EventType: eventType, Timestamp: time.Now()},
		IntentID:  intentID,
	}
}
