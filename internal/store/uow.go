package store

import (
	"context"
	"errors"
	"time"

	"fulfillment-engine/internal/models"
)

// ErrPaymentNotFound is returned when no payment matches a lookup
var ErrPaymentNotFound = errors.New("payment not found")

// UnitOfWorkFactory opens one atomic unit of work per operation.
type UnitOfWorkFactory interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// UnitOfWork is a transaction scope. Every repository it hands out writes
// inside the same transaction. Rollback after Commit is a no-op, so callers
// may always defer it.
type UnitOfWork interface {
	Orders() OrderRepository
	Inventory() InventoryRepository
	Payments() PaymentRepository
	History() HistoryRepository
	Tracking() TrackingRepository
	Commit() error
	Rollback() error
}

type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	// GetForUpdate reads the order and locks its row until the unit of work ends.
	GetForUpdate(ctx context.Context, id int64) (*models.Order, error)
	// GetByIdempotencyKey returns nil, nil when no order carries the key.
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	UpdateStatus(ctx context.Context, id int64, status models.OrderStatus) error
	// AssignTrackingNumber sets tracking fields only when no tracking number is
	// present yet and reports whether it did.
	AssignTrackingNumber(ctx context.Context, id int64, carrier, trackingNumber string, shippedAt time.Time) (bool, error)
	UpdateTracking(ctx context.Context, id int64, status models.TrackingStatus, eta *time.Time, at time.Time) error
	ListByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error)
	AddItem(ctx context.Context, item *models.OrderItem) error
	Items(ctx context.Context, orderID int64) ([]models.OrderItem, error)
}

type InventoryRepository interface {
	GetVariants(ctx context.Context, ids []int64) ([]models.Variant, error)
	// Lock reads and row-locks the inventory records of the given variants,
	// in ascending variant order.
	Lock(ctx context.Context, ids []int64) (map[int64]models.Inventory, error)
	Get(ctx context.Context, variantID int64) (*models.Inventory, error)
	// Decrement moves quantity from available to reserved when enough is
	// available; it reports false without changes otherwise.
	Decrement(ctx context.Context, variantID int64, quantity int) (bool, error)
	// Increment moves quantity from reserved back to available when that much
	// is reserved; it reports false without changes otherwise.
	Increment(ctx context.Context, variantID int64, quantity int) (bool, error)
	// Consume drops quantity from reserved once the goods have left the warehouse.
	Consume(ctx context.Context, variantID int64, quantity int) (bool, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
	GetByExternalRef(ctx context.Context, ref string) (*models.Payment, error)
	UpdateStatus(ctx context.Context, id int64, status models.PaymentStatus) error
}

type HistoryRepository interface {
	Append(ctx context.Context, entry *models.StatusHistoryEntry) error
	ListByOrder(ctx context.Context, orderID int64) ([]models.StatusHistoryEntry, error)
}

type TrackingRepository interface {
	// AppendEvents stores events not yet recorded for the order and returns how many were new.
	AppendEvents(ctx context.Context, entries []models.TrackingHistoryEntry) (int, error)
	ListByOrder(ctx context.Context, orderID int64) ([]models.TrackingHistoryEntry, error)
}

// RunInTx runs fn inside a fresh unit of work, committing when fn returns nil
// and rolling back otherwise.
func RunInTx(ctx context.Context, f UnitOfWorkFactory, fn func(uow UnitOfWork) error) error {
	uow, err := f.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := fn(uow); err != nil {
		return err
	}
	return uow.Commit()
}
