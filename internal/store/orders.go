package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, channel_id, external_id, user_id, status, total, currency, shipping_address,
	idempotency_key, tracking_number, carrier, shipping_date, estimated_delivery_date,
	tracking_status, tracking_updated_at, order_date, updated_at`

type orderRepo struct {
	tx *sqlx.Tx
}

// Create inserts a new order
func (r *orderRepo) Create(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (channel_id, external_id, user_id, status, total, currency, shipping_address, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, order_date, updated_at`

	row := r.tx.QueryRowxContext(ctx, query,
		order.ChannelID, order.ExternalID, order.UserID, order.Status,
		order.Total, order.Currency, order.ShippingAddress, order.IdempotencyKey)
	if err := row.Scan(&order.ID, &order.OrderDate, &order.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// GetByID retrieves an order by ID
func (r *orderRepo) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	return r.get(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

// GetForUpdate retrieves an order and locks its row
func (r *orderRepo) GetForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return r.get(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
}

func (r *orderRepo) get(ctx context.Context, query string, id int64) (*models.Order, error) {
	var order models.Order
	err := r.tx.GetContext(ctx, &order, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewOrderNotFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetByIdempotencyKey retrieves an order by idempotency key
func (r *orderRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := r.tx.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateStatus updates order status
func (r *orderRepo) UpdateStatus(ctx context.Context, id int64, status models.OrderStatus) error {
	res, err := r.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NewOrderNotFoundError(id)
	}
	return nil
}

// AssignTrackingNumber sets tracking fields if no tracking number is assigned
func (r *orderRepo) AssignTrackingNumber(ctx context.Context, id int64, carrier, trackingNumber string, shippedAt time.Time) (bool, error) {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE orders
		SET tracking_number = $1, carrier = $2, shipping_date = $3, updated_at = NOW()
		WHERE id = $4 AND tracking_number IS NULL`,
		trackingNumber, carrier, shippedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateTracking records the latest carrier status on the order
func (r *orderRepo) UpdateTracking(ctx context.Context, id int64, status models.TrackingStatus, eta *time.Time, at time.Time) error {
	_, err := r.tx.ExecContext(ctx, `
		UPDATE orders
		SET tracking_status = $1,
		    estimated_delivery_date = COALESCE($2, estimated_delivery_date),
		    tracking_updated_at = $3,
		    updated_at = NOW()
		WHERE id = $4`,
		string(status), eta, at, id)
	return err
}

// ListByStatus retrieves orders in a status, oldest first
func (r *orderRepo) ListByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.tx.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE status = $1 ORDER BY order_date LIMIT $2",
		status, limit)
	return orders, err
}

// AddItem creates a new order item
func (r *orderRepo) AddItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, variant_id, quantity, unit_price, total_price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return r.tx.GetContext(ctx, &item.ID, query,
		item.OrderID, item.VariantID, item.Quantity, item.UnitPrice, item.TotalPrice)
}

// Items retrieves all items for an order
func (r *orderRepo) Items(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := r.tx.SelectContext(ctx, &items,
		"SELECT id, order_id, variant_id, quantity, unit_price, total_price FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID)
	return items, err
}

type paymentRepo struct {
	tx *sqlx.Tx
}

// Create creates a new payment record
func (r *paymentRepo) Create(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, payment_method, external_payment_ref, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	row := r.tx.QueryRowxContext(ctx, query,
		payment.OrderID, payment.Method, payment.ExternalRef, payment.Amount, payment.Status)
	return row.Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt)
}

// GetByOrderID retrieves payment for an order
func (r *paymentRepo) GetByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := r.tx.GetContext(ctx, &payment, "SELECT * FROM payments WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %d", ErrPaymentNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetByExternalRef retrieves payment by processor reference
func (r *paymentRepo) GetByExternalRef(ctx context.Context, ref string) (*models.Payment, error) {
	var payment models.Payment
	err := r.tx.GetContext(ctx, &payment, "SELECT * FROM payments WHERE external_payment_ref = $1", ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ref %s", ErrPaymentNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdateStatus updates payment status
func (r *paymentRepo) UpdateStatus(ctx context.Context, id int64, status models.PaymentStatus) error {
	_, err := r.tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2",
		status, id)
	return err
}

type historyRepo struct {
	tx *sqlx.Tx
}

// Append inserts an audit row. Rows are never updated.
func (r *historyRepo) Append(ctx context.Context, entry *models.StatusHistoryEntry) error {
	query := `
		INSERT INTO order_status_history (order_id, old_status, new_status, changed_by, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	row := r.tx.QueryRowxContext(ctx, query,
		entry.OrderID, entry.OldStatus, entry.NewStatus, entry.ChangedBy, entry.Reason)
	return row.Scan(&entry.ID, &entry.CreatedAt)
}

// ListByOrder returns the audit trail of an order in insertion order
func (r *historyRepo) ListByOrder(ctx context.Context, orderID int64) ([]models.StatusHistoryEntry, error) {
	var entries []models.StatusHistoryEntry
	err := r.tx.SelectContext(ctx, &entries,
		"SELECT * FROM order_status_history WHERE order_id = $1 ORDER BY created_at, id", orderID)
	return entries, err
}
