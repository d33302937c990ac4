package service

import (
	"context"
	"errors"
	"testing"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore() *memstore.Store {
	s := memstore.New()
	s.SeedVariant(models.Variant{ID: 1, SKU: "A", Price: decimal.NewFromInt(5)}, 5)
	s.SeedVariant(models.Variant{ID: 2, SKU: "B", Price: decimal.NewFromInt(5)}, 1)
	return s
}

func TestReserveIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := seededStore()
	r := NewInventoryReservation()

	err := store.RunInTx(ctx, s, func(uow store.UnitOfWork) error {
		return r.Reserve(ctx, uow, []models.ItemQuantity{
			{VariantID: 1, Quantity: 2},
			{VariantID: 2, Quantity: 3},
		})
	})

	var insufficient *errs.InsufficientInventoryError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(2), insufficient.VariantID)
	assert.Equal(t, 3, insufficient.Requested)
	assert.Equal(t, 1, insufficient.Available)

	assert.Equal(t, 5, s.Inventory(1).Available)
	assert.Equal(t, 0, s.Inventory(1).Reserved)
	assert.Equal(t, 1, s.Inventory(2).Available)
}

func TestReserveMergesDuplicateVariants(t *testing.T) {
	ctx := context.Background()
	s := seededStore()
	r := NewInventoryReservation()

	err := store.RunInTx(ctx, s, func(uow store.UnitOfWork) error {
		return r.Reserve(ctx, uow, []models.ItemQuantity{
			{VariantID: 1, Quantity: 3},
			{VariantID: 1, Quantity: 3},
		})
	})
	assert.True(t, errors.Is(err, errs.ErrInsufficientInventory))
	assert.Equal(t, 5, s.Inventory(1).Available)
}

func TestReserveValidatesInput(t *testing.T) {
	ctx := context.Background()
	s := seededStore()
	r := NewInventoryReservation()

	cases := map[string][]models.ItemQuantity{
		"empty":         nil,
		"zero quantity": {{VariantID: 1, Quantity: 0}},
		"bad variant":   {{VariantID: 0, Quantity: 1}},
	}
	for name, items := range cases {
		t.Run(name, func(t *testing.T) {
			err := store.RunInTx(ctx, s, func(uow store.UnitOfWork) error {
				return r.Reserve(ctx, uow, items)
			})
			assert.True(t, errors.Is(err, errs.ErrValidation))
		})
	}
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := seededStore()
	r := NewInventoryReservation()
	items := []models.ItemQuantity{{VariantID: 1, Quantity: 2}}

	require.NoError(t, store.RunInTx(ctx, s, func(uow store.UnitOfWork) error {
		return r.Reserve(ctx, uow, items)
	}))
	assert.Equal(t, 3, s.Inventory(1).Available)
	assert.Equal(t, 2, s.Inventory(1).Reserved)

	require.NoError(t, store.RunInTx(ctx, s, func(uow store.UnitOfWork) error {
		return r.Release(ctx, uow, items)
	}))
	assert.Equal(t, 5, s.Inventory(1).Available)
	assert.Equal(t, 0, s.Inventory(1).Reserved)

	err := store.RunInTx(ctx, s, func(uow store.UnitOfWork) error {
		return r.Release(ctx, uow, items)
	})
	assert.True(t, errors.Is(err, ErrReservationMismatch))
	assert.Equal(t, 5, s.Inventory(1).Available)
}

func TestConsumeDropsReservedOnly(t *testing.T) {
	ctx := context.Background()
	s := seededStore()
	r := NewInventoryReservation()
	items := []models.ItemQuantity{{VariantID: 1, Quantity: 2}}

	require.NoError(t, store.RunInTx(ctx, s, func(uow store.UnitOfWork) error {
		if err := r.Reserve(ctx, uow, items); err != nil {
			return err
		}
		return r.Consume(ctx, uow, items)
	}))
	assert.Equal(t, 3, s.Inventory(1).Available)
	assert.Equal(t, 0, s.Inventory(1).Reserved)
}
