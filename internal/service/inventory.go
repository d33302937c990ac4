package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"

	"go.uber.org/zap"
)

// ErrReservationMismatch means a release or consume asked for more than is reserved,
// typically because the same reservation was released twice.
var ErrReservationMismatch = errors.New("quantity exceeds reserved stock")

// InventoryReservation reserves, releases and consumes stock inside a caller's unit of work.
// Rows are locked in ascending variant order, so concurrent reservations on the
// same variant are serialized and never deadlock each other.
type InventoryReservation struct {
	logger *zap.Logger
}

// NewInventoryReservation creates a new InventoryReservation
func NewInventoryReservation() *InventoryReservation {
	return &InventoryReservation{logger: util.GetLogger()}
}

// Reserve moves the requested quantities from available to reserved.
// Either every item is reserved or none is.
func (r *InventoryReservation) Reserve(ctx context.Context, uow store.UnitOfWork, items []models.ItemQuantity) error {
	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	wanted, err := aggregate(items)
	if err != nil {
		return err
	}

	repo := uow.Inventory()
	locked, err := repo.Lock(ctx, variantIDs(wanted))
	if err != nil {
		return fmt.Errorf("failed to lock inventory: %w", err)
	}

	for _, it := range wanted {
		inv, ok := locked[it.VariantID]
		if !ok || inv.Available < it.Quantity {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return errs.NewInsufficientInventoryError(it.VariantID, it.Quantity, inv.Available)
		}
	}

	reserved := make([]models.ItemQuantity, 0, len(wanted))
	for _, it := range wanted {
		ok, err := repo.Decrement(ctx, it.VariantID, it.Quantity)
		if err == nil && !ok {
			inv := locked[it.VariantID]
			err = errs.NewInsufficientInventoryError(it.VariantID, it.Quantity, inv.Available)
		}
		if err != nil {
			util.InventoryReservationsFailed.WithLabelValues("decrement_failed").Inc()
			r.unwind(ctx, repo, reserved)
			return err
		}
		reserved = append(reserved, it)
	}

	r.logger.Debug("Inventory reserved", zap.Int("variants", len(reserved)))
	return nil
}

// Release returns reserved quantities to available stock. Releasing more than
// is reserved fails instead of letting stock drift.
func (r *InventoryReservation) Release(ctx context.Context, uow store.UnitOfWork, items []models.ItemQuantity) error {
	return r.apply(ctx, uow, items, "release", uow.Inventory().Increment)
}

// Consume drops reserved quantities once the goods have shipped
func (r *InventoryReservation) Consume(ctx context.Context, uow store.UnitOfWork, items []models.ItemQuantity) error {
	return r.apply(ctx, uow, items, "consume", uow.Inventory().Consume)
}

func (r *InventoryReservation) apply(
	ctx context.Context,
	uow store.UnitOfWork,
	items []models.ItemQuantity,
	op string,
	fn func(ctx context.Context, variantID int64, quantity int) (bool, error),
) error {
	wanted, err := aggregate(items)
	if err != nil {
		return err
	}
	if _, err := uow.Inventory().Lock(ctx, variantIDs(wanted)); err != nil {
		return fmt.Errorf("failed to lock inventory: %w", err)
	}

	for _, it := range wanted {
		ok, err := fn(ctx, it.VariantID, it.Quantity)
		if err != nil {
			return fmt.Errorf("failed to %s variant %d: %w", op, it.VariantID, err)
		}
		if !ok {
			return fmt.Errorf("%s variant %d quantity %d: %w", op, it.VariantID, it.Quantity, ErrReservationMismatch)
		}
	}
	return nil
}

// unwind gives back what this call reserved before a later item failed
func (r *InventoryReservation) unwind(ctx context.Context, repo store.InventoryRepository, reserved []models.ItemQuantity) {
	for _, it := range reserved {
		if _, err := repo.Increment(ctx, it.VariantID, it.Quantity); err != nil {
			r.logger.Error("Failed to unwind reservation",
				zap.Int64("variant_id", it.VariantID),
				zap.Int("quantity", it.Quantity),
				zap.Error(err))
		}
	}
}

// aggregate merges duplicate variants and orders them by variant id
func aggregate(items []models.ItemQuantity) ([]models.ItemQuantity, error) {
	if len(items) == 0 {
		return nil, errs.NewValidationError("items", "must not be empty")
	}
	totals := make(map[int64]int, len(items))
	for _, it := range items {
		if it.VariantID <= 0 {
			return nil, errs.NewValidationError("variant_id", "must be positive")
		}
		if it.Quantity < 1 {
			return nil, errs.NewValidationError("quantity", fmt.Sprintf("variant %d: must be at least 1", it.VariantID))
		}
		totals[it.VariantID] += it.Quantity
	}

	out := make([]models.ItemQuantity, 0, len(totals))
	for id, q := range totals {
		out = append(out, models.ItemQuantity{VariantID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out, nil
}

func variantIDs(items []models.ItemQuantity) []int64 {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.VariantID
	}
	return ids
}

func itemQuantities(items []models.OrderItem) []models.ItemQuantity {
	out := make([]models.ItemQuantity, len(items))
	for i, it := range items {
		out[i] = models.ItemQuantity{VariantID: it.VariantID, Quantity: it.Quantity}
	}
	return out
}
