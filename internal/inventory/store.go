package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
)

// Store implements Port with conditional updates on inventory_items.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx binds the store to the caller's transaction.
func (s *Store) WithTx(tx *gorm.DB) Port {
	if tx == nil {
		return s
	}
	return &Store{db: tx}
}

// ReserveForOrder moves stock from available to reserved for every line, or
// for none of them when the store runs inside a transaction that rolls back.
func (s *Store) ReserveForOrder(ctx context.Context, orderID uuid.UUID, lines []Line, now, until time.Time) error {
	if orderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	merged, err := mergeLines(lines)
	if err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	for _, line := range merged {
		res := db.Model(&models.InventoryItem{}).
			Where("variant_id = ? AND available_qty >= ?", line.VariantID, line.Qty).
			Updates(map[string]any{
				"available_qty": gorm.Expr("available_qty - ?", line.Qty),
				"reserved_qty":  gorm.Expr("reserved_qty + ?", line.Qty),
				"updated_at":    now,
			})
		if res.Error != nil {
			return fmt.Errorf("reserve %s: %w", line.VariantID, res.Error)
		}
		if res.RowsAffected == 0 {
			available, err := s.available(ctx, line.VariantID)
			if err != nil {
				return err
			}
			return &ShortageError{VariantID: line.VariantID, Requested: line.Qty, Available: available}
		}
		hold := models.InventoryReservation{
			OrderID:   orderID,
			VariantID: line.VariantID,
			Qty:       line.Qty,
			Status:    enums.ReservationStatusActive,
			ExpiresAt: until,
		}
		if err := db.Create(&hold).Error; err != nil {
			return fmt.Errorf("record reservation %s: %w", line.VariantID, err)
		}
		if err := s.syncCounter(ctx, line.VariantID); err != nil {
			return err
		}
	}
	return nil
}

// ExtendReservation moves the deadline of every active hold of the order.
func (s *Store) ExtendReservation(ctx context.Context, orderID uuid.UUID, until, now time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.InventoryReservation{}).
		Where("order_id = ? AND status = ?", orderID, enums.ReservationStatusActive).
		Updates(map[string]any{"expires_at": until, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrReservationNotFound
	}
	return nil
}

// FinalizeReservation turns held stock into sold stock. Settled orders are a no-op.
func (s *Store) FinalizeReservation(ctx context.Context, orderID uuid.UUID, now time.Time) error {
	return s.settle(ctx, orderID, now, enums.ReservationStatusFinalized, func(qty int) map[string]any {
		return map[string]any{
			"reserved_qty": gorm.Expr("reserved_qty - ?", qty),
			"sold_qty":     gorm.Expr("sold_qty + ?", qty),
			"updated_at":   now,
		}
	})
}

// ReleaseReservation returns held stock to available. Settled orders are a no-op.
func (s *Store) ReleaseReservation(ctx context.Context, orderID uuid.UUID, now time.Time) error {
	return s.settle(ctx, orderID, now, enums.ReservationStatusReleased, func(qty int) map[string]any {
		return map[string]any{
			"reserved_qty":  gorm.Expr("reserved_qty - ?", qty),
			"available_qty": gorm.Expr("available_qty + ?", qty),
			"updated_at":    now,
		}
	})
}

// ResyncStock refreshes the cached variant counter from inventory_items.
func (s *Store) ResyncStock(ctx context.Context, variantID uuid.UUID) (int, error) {
	if err := s.syncCounter(ctx, variantID); err != nil {
		return 0, err
	}
	return s.available(ctx, variantID)
}

func (s *Store) settle(ctx context.Context, orderID uuid.UUID, now time.Time, to enums.ReservationStatus, updates func(qty int) map[string]any) error {
	db := s.db.WithContext(ctx)
	var holds []models.InventoryReservation
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ? AND status = ?", orderID, enums.ReservationStatusActive).
		Order("variant_id ASC").
		Find(&holds).Error; err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}
	for _, hold := range holds {
		res := db.Model(&models.InventoryReservation{}).
			Where("id = ? AND status = ?", hold.ID, enums.ReservationStatusActive).
			Updates(map[string]any{"status": to, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		if err := db.Model(&models.InventoryItem{}).
			Where("variant_id = ?", hold.VariantID).
			Updates(updates(hold.Qty)).Error; err != nil {
			return fmt.Errorf("settle %s: %w", hold.VariantID, err)
		}
		if err := s.syncCounter(ctx, hold.VariantID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) available(ctx context.Context, variantID uuid.UUID) (int, error) {
	var item models.InventoryItem
	err := s.db.WithContext(ctx).Where("variant_id = ?", variantID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return item.AvailableQty, nil
}

func (s *Store) syncCounter(ctx context.Context, variantID uuid.UUID) error {
	err := s.db.WithContext(ctx).
		Model(&models.ProductVariant{}).
		Where("id = ?", variantID).
		Update("stock_count", gorm.Expr(
			"COALESCE((SELECT available_qty FROM inventory_items WHERE variant_id = ?), 0)", variantID,
		)).Error
	if err != nil {
		return fmt.Errorf("sync stock counter %s: %w", variantID, err)
	}
	return nil
}

// mergeLines folds duplicate variants and orders them so concurrent
// reservations touch rows in the same sequence.
func mergeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "no lines to reserve")
	}
	totals := make(map[uuid.UUID]int, len(lines))
	for _, line := range lines {
		if line.VariantID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "variant id required")
		}
		if line.Qty <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "reservation quantity must be positive")
		}
		totals[line.VariantID] += line.Qty
	}
	merged := make([]Line, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, Line{VariantID: id, Qty: qty})
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].VariantID.String() < merged[j].VariantID.String()
	})
	return merged, nil
}
