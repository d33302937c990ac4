package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fulfillment-engine/internal/carrier"
	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/payment"
	"fulfillment-engine/internal/store/memstore"
	"fulfillment-engine/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func init() {
	util.SetLogger(zap.NewNop())
}

type refundCall struct {
	ref    string
	amount int64
	reason string
}

type fakeGateway struct {
	mu          sync.Mutex
	seq         int
	createErr   error
	confirmTo   models.PaymentStatus
	confirmErr  error
	refundErr   error
	intents     []payment.IntentRequest
	refunds     []refundCall
	confirmRefs []string
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.seq++
	g.intents = append(g.intents, req)
	return &payment.Intent{
		ID:           fmt.Sprintf("pi_%d", g.seq),
		ClientSecret: fmt.Sprintf("pi_%d_secret", g.seq),
		Status:       models.PaymentStatusRequiresAction,
	}, nil
}

func (g *fakeGateway) ConfirmPayment(_ context.Context, intentID, pmRef string) (models.PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.confirmErr != nil {
		return "", g.confirmErr
	}
	g.confirmRefs = append(g.confirmRefs, intentID+"/"+pmRef)
	if g.confirmTo == "" {
		return models.PaymentStatusSucceeded, nil
	}
	return g.confirmTo, nil
}

func (g *fakeGateway) GetPaymentStatus(context.Context, string) (models.PaymentStatus, error) {
	return models.PaymentStatusRequiresAction, nil
}

func (g *fakeGateway) Refund(_ context.Context, ref string, amount int64, reason string) (*payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, refundCall{ref: ref, amount: amount, reason: reason})
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &payment.RefundResult{ID: "re_1", Status: "succeeded", AmountMinor: amount}, nil
}

func (g *fakeGateway) refundCalls() []refundCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]refundCall(nil), g.refunds...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	err    error
	events []string
}

func (n *fakeNotifier) Send(_ context.Context, order *models.Order, event string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, formatEvent(order.ID, event))
	return n.err
}

func formatEvent(orderID int64, event string) string {
	return fmt.Sprintf("%d:%s", orderID, event)
}

func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

type cacheEntry struct {
	payload []byte
	expires time.Time
}

// memCache is a TrackingCache with an adjustable clock
type memCache struct {
	mu      sync.Mutex
	now     time.Time
	entries map[string]cacheEntry
	sets    int
}

func newMemCache() *memCache {
	return &memCache{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), entries: map[string]cacheEntry{}}
}

func (c *memCache) Get(_ context.Context, tn string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tn]
	if !ok || !c.now.Before(e.expires) {
		return nil, false, nil
	}
	return e.payload, true, nil
}

func (c *memCache) Set(_ context.Context, tn, _ string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[tn] = cacheEntry{payload: payload, expires: c.now.Add(ttl)}
	return nil
}

func (c *memCache) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	variantMug   int64 = 1
	variantShirt int64 = 2
)

type harness struct {
	store    *memstore.Store
	gateway  *fakeGateway
	notifier *fakeNotifier
	tracker  *carrier.StaticTracker
	cache    *memCache
	tracking *TrackingService
	manager  *OrderLifecycleManager
	tnSeq    int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		store:    memstore.New(),
		gateway:  &fakeGateway{},
		notifier: &fakeNotifier{},
		tracker:  carrier.NewStaticTracker("royal-mail"),
		cache:    newMemCache(),
	}
	h.store.SeedVariant(models.Variant{ID: variantMug, SKU: "MUG-01", Name: "Mug", Price: decimal.RequireFromString("9.99")}, 5)
	h.store.SeedVariant(models.Variant{ID: variantShirt, SKU: "TEE-01", Name: "Shirt", Price: decimal.RequireFromString("15.00")}, 10)

	h.tracking = NewTrackingService(h.tracker, h.cache, h.store, 10*time.Minute)
	base := []Option{
		WithTrackingService(h.tracking),
		WithTrackingNumberGenerator(func() string {
			h.tnSeq++
			return fmt.Sprintf("FE%09dGB", h.tnSeq)
		}),
	}
	h.manager = NewOrderLifecycleManager(h.store, NewInventoryReservation(), h.gateway, h.notifier,
		Config{ChannelID: 1, Currency: "gbp", CarrierName: "royal-mail"},
		append(base, opts...)...)
	return h
}

func validRequest(items ...models.ItemQuantity) CreateOrderRequest {
	return CreateOrderRequest{
		Items: items,
		ShippingAddress: models.Address{
			Name:       "Ada Lovelace",
			Line1:      "1 High Street",
			City:       "London",
			PostalCode: "N1 9GU",
			Country:    "GB",
		},
		PaymentMethod: models.PaymentMethodCard,
		BuyerID:       42,
	}
}

func (h *harness) createOrder(t *testing.T, items ...models.ItemQuantity) *CreateOrderResult {
	t.Helper()
	res, err := h.manager.CreateOrder(context.Background(), validRequest(items...))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return res
}

// advanceTo walks an order along the given statuses
func (h *harness) advanceTo(t *testing.T, orderID int64, path ...models.OrderStatus) {
	t.Helper()
	for _, st := range path {
		if _, err := h.manager.UpdateStatus(context.Background(), orderID, st, "ops", "test"); err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
	}
}
