package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/pkg/db"
	"github.com/angelmondragon/keymarket-backend/pkg/db/dbtest"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
)

func seedVariant(t *testing.T, client *db.Client, available int) uuid.UUID {
	t.Helper()
	product := &models.Product{Name: "Game", Status: enums.ProductStatusActive}
	if err := client.DB().Create(product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	variant := &models.ProductVariant{
		ProductID:  product.ID,
		Name:       "Standard",
		Price:      decimal.NewFromInt(10),
		ListPrice:  decimal.NewFromInt(12),
		Status:     enums.VariantStatusActive,
		StockCount: available,
	}
	if err := client.DB().Create(variant).Error; err != nil {
		t.Fatalf("seed variant: %v", err)
	}
	if err := client.DB().Create(&models.InventoryItem{VariantID: variant.ID, AvailableQty: available}).Error; err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
	return variant.ID
}

func loadItem(t *testing.T, client *db.Client, variantID uuid.UUID) models.InventoryItem {
	t.Helper()
	var item models.InventoryItem
	if err := client.DB().First(&item, "variant_id = ?", variantID).Error; err != nil {
		t.Fatalf("load inventory: %v", err)
	}
	return item
}

func stockCount(t *testing.T, client *db.Client, variantID uuid.UUID) int {
	t.Helper()
	var variant models.ProductVariant
	if err := client.DB().First(&variant, "id = ?", variantID).Error; err != nil {
		t.Fatalf("load variant: %v", err)
	}
	return variant.StockCount
}

func TestReserveForOrderMergesLinesAndSyncsCounter(t *testing.T) {
	client := dbtest.New(t)
	store := NewStore(client.DB())
	variant := seedVariant(t, client, 5)
	now := time.Now().UTC()

	err := store.ReserveForOrder(context.Background(), uuid.New(), []Line{
		{VariantID: variant, Qty: 1},
		{VariantID: variant, Qty: 2},
	}, now, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	item := loadItem(t, client, variant)
	if item.AvailableQty != 2 || item.ReservedQty != 3 {
		t.Fatalf("unexpected inventory state: %+v", item)
	}
	if got := stockCount(t, client, variant); got != 2 {
		t.Fatalf("expected cached counter 2, got %d", got)
	}
	var holds int64
	client.DB().Model(&models.InventoryReservation{}).Where("variant_id = ?", variant).Count(&holds)
	if holds != 1 {
		t.Fatalf("expected one merged reservation row, got %d", holds)
	}
}

func TestReserveForOrderIsAllOrNothingInsideTransaction(t *testing.T) {
	client := dbtest.New(t)
	store := NewStore(client.DB())
	plenty := seedVariant(t, client, 10)
	scarce := seedVariant(t, client, 1)
	now := time.Now().UTC()
	orderID := uuid.New()

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return store.WithTx(tx).ReserveForOrder(context.Background(), orderID, []Line{
			{VariantID: plenty, Qty: 4},
			{VariantID: scarce, Qty: 2},
		}, now, now.Add(5*time.Minute))
	})
	var shortage *ShortageError
	if !errors.As(err, &shortage) {
		t.Fatalf("expected shortage error, got %v", err)
	}
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock in chain")
	}
	if shortage.VariantID != scarce || shortage.Available != 1 {
		t.Fatalf("unexpected shortage detail: %+v", shortage)
	}

	if item := loadItem(t, client, plenty); item.AvailableQty != 10 || item.ReservedQty != 0 {
		t.Fatalf("expected rollback to restore stock, got %+v", item)
	}
	var holds int64
	client.DB().Model(&models.InventoryReservation{}).Where("order_id = ?", orderID).Count(&holds)
	if holds != 0 {
		t.Fatalf("expected no reservation rows after rollback, got %d", holds)
	}
}

func TestFinalizeAndReleaseAreIdempotent(t *testing.T) {
	client := dbtest.New(t)
	store := NewStore(client.DB())
	variant := seedVariant(t, client, 5)
	now := time.Now().UTC()
	paid := uuid.New()
	cancelled := uuid.New()
	ctx := context.Background()

	for _, id := range []uuid.UUID{paid, cancelled} {
		if err := store.ReserveForOrder(ctx, id, []Line{{VariantID: variant, Qty: 2}}, now, now.Add(time.Minute)); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := store.FinalizeReservation(ctx, paid, now); err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if err := store.ReleaseReservation(ctx, cancelled, now); err != nil {
			t.Fatalf("release: %v", err)
		}
	}

	item := loadItem(t, client, variant)
	if item.AvailableQty != 3 || item.ReservedQty != 0 || item.SoldQty != 2 {
		t.Fatalf("unexpected inventory after settle: %+v", item)
	}
	if got := stockCount(t, client, variant); got != 3 {
		t.Fatalf("expected cached counter 3, got %d", got)
	}
	if err := store.ReleaseReservation(ctx, paid, now); err != nil {
		t.Fatalf("release after finalize: %v", err)
	}
	if item := loadItem(t, client, variant); item.SoldQty != 2 || item.AvailableQty != 3 {
		t.Fatalf("finalized hold must not be released: %+v", item)
	}
}

func TestExtendReservation(t *testing.T) {
	client := dbtest.New(t)
	store := NewStore(client.DB())
	variant := seedVariant(t, client, 5)
	now := time.Now().UTC()
	orderID := uuid.New()
	ctx := context.Background()

	if err := store.ExtendReservation(ctx, orderID, now.Add(time.Hour), now); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected not found for unknown order, got %v", err)
	}
	if err := store.ReserveForOrder(ctx, orderID, []Line{{VariantID: variant, Qty: 1}}, now, now.Add(time.Minute)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	until := now.Add(10 * time.Minute)
	if err := store.ExtendReservation(ctx, orderID, until, now); err != nil {
		t.Fatalf("extend: %v", err)
	}
	var hold models.InventoryReservation
	if err := client.DB().First(&hold, "order_id = ?", orderID).Error; err != nil {
		t.Fatalf("load hold: %v", err)
	}
	if !hold.ExpiresAt.Equal(until) {
		t.Fatalf("expected deadline %v, got %v", until, hold.ExpiresAt)
	}
}

func TestResyncStockReadsAuthoritativeCounter(t *testing.T) {
	client := dbtest.New(t)
	store := NewStore(client.DB())
	variant := seedVariant(t, client, 0)
	if err := client.DB().Model(&models.InventoryItem{}).Where("variant_id = ?", variant).Update("available_qty", 7).Error; err != nil {
		t.Fatalf("bump inventory: %v", err)
	}

	got, err := store.ResyncStock(context.Background(), variant)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if got != 7 || stockCount(t, client, variant) != 7 {
		t.Fatalf("expected counter resynced to 7, got %d", got)
	}
}

func TestReserveForOrderRejectsBadLines(t *testing.T) {
	t.Parallel()

	store := &Store{}
	err := store.ReserveForOrder(context.Background(), uuid.New(), []Line{{VariantID: uuid.New(), Qty: 0}}, time.Now(), time.Now())
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
