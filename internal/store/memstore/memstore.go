// Package memstore is an in-memory store.UnitOfWorkFactory.
//
// A unit of work holds the store-wide lock from Begin until Commit or Rollback
// and works on a private copy of the data, so transactions are serialized and
// a rollback leaves no trace.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"
)

type data struct {
	variants  map[int64]models.Variant
	inventory map[int64]models.Inventory
	orders    map[int64]models.Order
	items     map[int64][]models.OrderItem
	payments  map[int64]models.Payment
	history   map[int64][]models.StatusHistoryEntry
	tracking  map[int64][]models.TrackingHistoryEntry
	seq       int64
}

func (d *data) clone() *data {
	c := &data{
		variants:  make(map[int64]models.Variant, len(d.variants)),
		inventory: make(map[int64]models.Inventory, len(d.inventory)),
		orders:    make(map[int64]models.Order, len(d.orders)),
		items:     make(map[int64][]models.OrderItem, len(d.items)),
		payments:  make(map[int64]models.Payment, len(d.payments)),
		history:   make(map[int64][]models.StatusHistoryEntry, len(d.history)),
		tracking:  make(map[int64][]models.TrackingHistoryEntry, len(d.tracking)),
		seq:       d.seq,
	}
	for k, v := range d.variants {
		c.variants[k] = v
	}
	for k, v := range d.inventory {
		c.inventory[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	for k, v := range d.items {
		c.items[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.history {
		c.history[k] = append([]models.StatusHistoryEntry(nil), v...)
	}
	for k, v := range d.tracking {
		c.tracking[k] = append([]models.TrackingHistoryEntry(nil), v...)
	}
	return c
}

func (d *data) nextID() int64 {
	d.seq++
	return d.seq
}

// Store is the in-memory database
type Store struct {
	txMu sync.Mutex // held by the open unit of work
	mu   sync.Mutex // guards committed
	data *data
	now  func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		data: &data{
			variants:  map[int64]models.Variant{},
			inventory: map[int64]models.Inventory{},
			orders:    map[int64]models.Order{},
			items:     map[int64][]models.OrderItem{},
			payments:  map[int64]models.Payment{},
			history:   map[int64][]models.StatusHistoryEntry{},
			tracking:  map[int64][]models.TrackingHistoryEntry{},
		},
		now: time.Now,
	}
}

// SeedVariant adds a variant with its available stock
func (s *Store) SeedVariant(v models.Variant, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	s.data.variants[v.ID] = v
	s.data.inventory[v.ID] = models.Inventory{VariantID: v.ID, Available: available, UpdatedAt: s.now()}
	if v.ID > s.data.seq {
		s.data.seq = v.ID
	}
}

// Inventory returns the committed inventory record of a variant
func (s *Store) Inventory(variantID int64) models.Inventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.inventory[variantID]
}

// OrderCount returns the number of committed orders
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.orders)
}

// Order returns a committed order
func (s *Store) Order(id int64) (models.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.data.orders[id]
	return o, ok
}

// History returns the committed audit trail of an order
func (s *Store) History(orderID int64) []models.StatusHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StatusHistoryEntry(nil), s.data.history[orderID]...)
}

// Payment returns the committed payment of an order
func (s *Store) Payment(orderID int64) (models.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.payments[orderID]
	return p, ok
}

// TrackingEvents returns committed tracking history of an order
func (s *Store) TrackingEvents(orderID int64) []models.TrackingHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TrackingHistoryEntry(nil), s.data.tracking[orderID]...)
}

// Begin implements store.UnitOfWorkFactory
func (s *Store) Begin(ctx context.Context) (store.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	s.mu.Lock()
	work := s.data.clone()
	s.mu.Unlock()
	return &unitOfWork{store: s, data: work}, nil
}

type unitOfWork struct {
	store *Store
	data  *data
	done  bool
}

func (u *unitOfWork) Orders() store.OrderRepository       { return &orderRepo{u} }
func (u *unitOfWork) Inventory() store.InventoryRepository { return &inventoryRepo{u} }
func (u *unitOfWork) Payments() store.PaymentRepository   { return &paymentRepo{u} }
func (u *unitOfWork) History() store.HistoryRepository    { return &historyRepo{u} }
func (u *unitOfWork) Tracking() store.TrackingRepository  { return &trackingRepo{u} }

func (u *unitOfWork) Commit() error {
	if u.done {
		return fmt.Errorf("transaction already finished")
	}
	u.done = true
	u.store.mu.Lock()
	u.store.data = u.data
	u.store.mu.Unlock()
	u.store.txMu.Unlock()
	return nil
}

func (u *unitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	u.store.txMu.Unlock()
	return nil
}

type orderRepo struct{ u *unitOfWork }

func (r *orderRepo) Create(_ context.Context, order *models.Order) error {
	d := r.u.data
	for _, o := range d.orders {
		if o.ChannelID == order.ChannelID && o.ExternalID == order.ExternalID {
			return fmt.Errorf("duplicate external id %q", order.ExternalID)
		}
		if order.IdempotencyKey != nil && o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
			return fmt.Errorf("duplicate idempotency key %q", *order.IdempotencyKey)
		}
	}
	now := r.u.store.now()
	order.ID = d.nextID()
	order.OrderDate = now
	order.UpdatedAt = now
	d.orders[order.ID] = *order
	return nil
}

func (r *orderRepo) GetByID(_ context.Context, id int64) (*models.Order, error) {
	o, ok := r.u.data.orders[id]
	if !ok {
		return nil, errs.NewOrderNotFoundError(id)
	}
	return &o, nil
}

func (r *orderRepo) GetForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return r.GetByID(ctx, id)
}

func (r *orderRepo) GetByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	for _, o := range r.u.data.orders {
		if o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			found := o
			return &found, nil
		}
	}
	return nil, nil
}

func (r *orderRepo) UpdateStatus(_ context.Context, id int64, status models.OrderStatus) error {
	o, ok := r.u.data.orders[id]
	if !ok {
		return errs.NewOrderNotFoundError(id)
	}
	o.Status = status
	o.UpdatedAt = r.u.store.now()
	r.u.data.orders[id] = o
	return nil
}

func (r *orderRepo) AssignTrackingNumber(_ context.Context, id int64, carrier, trackingNumber string, shippedAt time.Time) (bool, error) {
	o, ok := r.u.data.orders[id]
	if !ok || o.TrackingNumber != nil {
		return false, nil
	}
	for _, other := range r.u.data.orders {
		if other.TrackingNumber != nil && *other.TrackingNumber == trackingNumber {
			return false, fmt.Errorf("duplicate tracking number %q", trackingNumber)
		}
	}
	o.TrackingNumber = &trackingNumber
	o.Carrier = &carrier
	o.ShippingDate = &shippedAt
	o.UpdatedAt = r.u.store.now()
	r.u.data.orders[id] = o
	return true, nil
}

func (r *orderRepo) UpdateTracking(_ context.Context, id int64, status models.TrackingStatus, eta *time.Time, at time.Time) error {
	o, ok := r.u.data.orders[id]
	if !ok {
		return errs.NewOrderNotFoundError(id)
	}
	s := string(status)
	o.TrackingStatus = &s
	if eta != nil {
		o.EstimatedDeliveryDate = eta
	}
	o.TrackingUpdatedAt = &at
	r.u.data.orders[id] = o
	return nil
}

func (r *orderRepo) ListByStatus(_ context.Context, status models.OrderStatus, limit int) ([]models.Order, error) {
	var out []models.Order
	for _, o := range r.u.data.orders {
		if o.Status == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *orderRepo) AddItem(_ context.Context, item *models.OrderItem) error {
	if _, ok := r.u.data.orders[item.OrderID]; !ok {
		return errs.NewOrderNotFoundError(item.OrderID)
	}
	item.ID = r.u.data.nextID()
	r.u.data.items[item.OrderID] = append(r.u.data.items[item.OrderID], *item)
	return nil
}

func (r *orderRepo) Items(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	return append([]models.OrderItem(nil), r.u.data.items[orderID]...), nil
}

type inventoryRepo struct{ u *unitOfWork }

func (r *inventoryRepo) GetVariants(_ context.Context, ids []int64) ([]models.Variant, error) {
	var out []models.Variant
	seen := map[int64]bool{}
	for _, id := range ids {
		if v, ok := r.u.data.variants[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *inventoryRepo) Lock(_ context.Context, ids []int64) (map[int64]models.Inventory, error) {
	out := make(map[int64]models.Inventory, len(ids))
	for _, id := range ids {
		if inv, ok := r.u.data.inventory[id]; ok {
			out[id] = inv
		}
	}
	return out, nil
}

func (r *inventoryRepo) Get(_ context.Context, variantID int64) (*models.Inventory, error) {
	inv, ok := r.u.data.inventory[variantID]
	if !ok {
		return nil, fmt.Errorf("inventory not found for variant: %d", variantID)
	}
	return &inv, nil
}

func (r *inventoryRepo) Decrement(_ context.Context, variantID int64, quantity int) (bool, error) {
	inv, ok := r.u.data.inventory[variantID]
	if !ok || inv.Available < quantity {
		return false, nil
	}
	inv.Available -= quantity
	inv.Reserved += quantity
	inv.UpdatedAt = r.u.store.now()
	r.u.data.inventory[variantID] = inv
	return true, nil
}

func (r *inventoryRepo) Increment(_ context.Context, variantID int64, quantity int) (bool, error) {
	inv, ok := r.u.data.inventory[variantID]
	if !ok || inv.Reserved < quantity {
		return false, nil
	}
	inv.Available += quantity
	inv.Reserved -= quantity
	inv.UpdatedAt = r.u.store.now()
	r.u.data.inventory[variantID] = inv
	return true, nil
}

func (r *inventoryRepo) Consume(_ context.Context, variantID int64, quantity int) (bool, error) {
	inv, ok := r.u.data.inventory[variantID]
	if !ok || inv.Reserved < quantity {
		return false, nil
	}
	inv.Reserved -= quantity
	inv.UpdatedAt = r.u.store.now()
	r.u.data.inventory[variantID] = inv
	return true, nil
}

type paymentRepo struct{ u *unitOfWork }

func (r *paymentRepo) Create(_ context.Context, p *models.Payment) error {
	for _, existing := range r.u.data.payments {
		if existing.ExternalRef == p.ExternalRef {
			return fmt.Errorf("duplicate payment ref %q", p.ExternalRef)
		}
	}
	if _, ok := r.u.data.payments[p.OrderID]; ok {
		return fmt.Errorf("order %d already has a payment", p.OrderID)
	}
	now := r.u.store.now()
	p.ID = r.u.data.nextID()
	p.CreatedAt = now
	p.UpdatedAt = now
	r.u.data.payments[p.OrderID] = *p
	return nil
}

func (r *paymentRepo) GetByOrderID(_ context.Context, orderID int64) (*models.Payment, error) {
	p, ok := r.u.data.payments[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", store.ErrPaymentNotFound, orderID)
	}
	return &p, nil
}

func (r *paymentRepo) GetByExternalRef(_ context.Context, ref string) (*models.Payment, error) {
	for _, p := range r.u.data.payments {
		if p.ExternalRef == ref {
			found := p
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: ref %s", store.ErrPaymentNotFound, ref)
}

func (r *paymentRepo) UpdateStatus(_ context.Context, id int64, status models.PaymentStatus) error {
	for orderID, p := range r.u.data.payments {
		if p.ID == id {
			p.Status = status
			p.UpdatedAt = r.u.store.now()
			r.u.data.payments[orderID] = p
			return nil
		}
	}
	return fmt.Errorf("%w: id %d", store.ErrPaymentNotFound, id)
}

type historyRepo struct{ u *unitOfWork }

func (r *historyRepo) Append(_ context.Context, entry *models.StatusHistoryEntry) error {
	entry.ID = r.u.data.nextID()
	entry.CreatedAt = r.u.store.now()
	r.u.data.history[entry.OrderID] = append(r.u.data.history[entry.OrderID], *entry)
	return nil
}

func (r *historyRepo) ListByOrder(_ context.Context, orderID int64) ([]models.StatusHistoryEntry, error) {
	return append([]models.StatusHistoryEntry(nil), r.u.data.history[orderID]...), nil
}

type trackingRepo struct{ u *unitOfWork }

func (r *trackingRepo) AppendEvents(_ context.Context, entries []models.TrackingHistoryEntry) (int, error) {
	inserted := 0
	for _, e := range entries {
		dup := false
		for _, existing := range r.u.data.tracking[e.OrderID] {
			if existing.TrackingNumber == e.TrackingNumber && existing.Status == e.Status &&
				existing.Timestamp.Equal(e.Timestamp) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		e.ID = r.u.data.nextID()
		r.u.data.tracking[e.OrderID] = append(r.u.data.tracking[e.OrderID], e)
		inserted++
	}
	return inserted, nil
}

func (r *trackingRepo) ListByOrder(_ context.Context, orderID int64) ([]models.TrackingHistoryEntry, error) {
	return append([]models.TrackingHistoryEntry(nil), r.u.data.tracking[orderID]...), nil
}
