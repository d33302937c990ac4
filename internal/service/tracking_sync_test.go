package service

import (
	"context"
	"errors"
	"testing"

	"fulfillment-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackingSyncDeliversAndCollectsFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	delivered := h.createOrder(t, mugs(1))
	transit := h.createOrder(t, mugs(1))
	unknown := h.createOrder(t, mugs(1))
	pending := h.createOrder(t, mugs(1))
	for _, res := range []*CreateOrderResult{delivered, transit, unknown} {
		h.advanceTo(t, res.Order.ID, models.OrderStatusProcessing, models.OrderStatusShipped)
	}
	h.tracker.Set(deliveredInfo("FE000000001GB"))
	h.tracker.Set(transitInfo("FE000000002GB"))

	sync := NewTrackingSync(h.store, h.tracking, h.manager, 0)
	report, err := sync.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 2, report.Updated)
	assert.Equal(t, 1, report.Delivered)
	assert.Empty(t, report.Failures)

	order, _ := h.store.Order(delivered.Order.ID)
	assert.Equal(t, models.OrderStatusDelivered, order.Status)
	order, _ = h.store.Order(transit.Order.ID)
	assert.Equal(t, models.OrderStatusShipped, order.Status)
	order, _ = h.store.Order(pending.Order.ID)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Contains(t, h.notifier.sent(), formatEvent(delivered.Order.ID, models.NotificationOrderDelivered))
}

func TestTrackingSyncCarrierOutage(t *testing.T) {
	h := newHarness(t)
	res := h.createOrder(t, mugs(1))
	h.advanceTo(t, res.Order.ID, models.OrderStatusProcessing, models.OrderStatusShipped)
	h.tracker.Err = errors.New("carrier down")

	report, err := NewTrackingSync(h.store, h.tracking, h.manager, 10).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, res.Order.ID, report.Failures[0].OrderID)
	assert.Equal(t, "FE000000001GB", report.Failures[0].TrackingNumber)
	order, _ := h.store.Order(res.Order.ID)
	assert.Equal(t, models.OrderStatusShipped, order.Status)
}
