package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

type inventoryRepo struct {
	tx *sqlx.Tx
}

// GetVariants retrieves variants by IDs
func (r *inventoryRepo) GetVariants(ctx context.Context, ids []int64) ([]models.Variant, error) {
	if len(ids) == 0 {
		return []models.Variant{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM product_variants WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = r.tx.Rebind(query)

	var variants []models.Variant
	err = r.tx.SelectContext(ctx, &variants, query, args...)
	return variants, err
}

// Lock row-locks inventory records (FOR UPDATE) in variant order so that
// concurrent transactions acquire locks in the same sequence.
func (r *inventoryRepo) Lock(ctx context.Context, ids []int64) (map[int64]models.Inventory, error) {
	out := make(map[int64]models.Inventory, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(
		"SELECT * FROM inventory WHERE variant_id IN (?) ORDER BY variant_id FOR UPDATE", ids)
	if err != nil {
		return nil, err
	}
	query = r.tx.Rebind(query)

	var rows []models.Inventory
	if err := r.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to lock inventory: %w", err)
	}
	for _, inv := range rows {
		out[inv.VariantID] = inv
	}
	return out, nil
}

// Get retrieves inventory for a variant
func (r *inventoryRepo) Get(ctx context.Context, variantID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := r.tx.GetContext(ctx, &inv, "SELECT * FROM inventory WHERE variant_id = $1", variantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory not found for variant: %d", variantID)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// Decrement reserves stock with a guarded update
func (r *inventoryRepo) Decrement(ctx context.Context, variantID int64, quantity int) (bool, error) {
	return r.guardedUpdate(ctx,
		"UPDATE inventory SET available = available - $1, reserved = reserved + $1, updated_at = NOW() WHERE variant_id = $2 AND available >= $1",
		quantity, variantID)
}

// Increment releases reserved stock (compensation)
func (r *inventoryRepo) Increment(ctx context.Context, variantID int64, quantity int) (bool, error) {
	return r.guardedUpdate(ctx,
		"UPDATE inventory SET available = available + $1, reserved = reserved - $1, updated_at = NOW() WHERE variant_id = $2 AND reserved >= $1",
		quantity, variantID)
}

// Consume commits reserved stock (final deduction)
func (r *inventoryRepo) Consume(ctx context.Context, variantID int64, quantity int) (bool, error) {
	return r.guardedUpdate(ctx,
		"UPDATE inventory SET reserved = reserved - $1, updated_at = NOW() WHERE variant_id = $2 AND reserved >= $1",
		quantity, variantID)
}

func (r *inventoryRepo) guardedUpdate(ctx context.Context, query string, quantity int, variantID int64) (bool, error) {
	res, err := r.tx.ExecContext(ctx, query, quantity, variantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
