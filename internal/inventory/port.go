// Package inventory is the only writer of stock counters. Callers hold stock
// for an order, stretch the hold, and settle it by finalizing or releasing.
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrReservationNotFound = errors.New("reservation not found")
)

// Line is one variant quantity to hold.
type Line struct {
	VariantID uuid.UUID
	Qty       int
}

// Port is the reservation surface consumed by checkout, payments and overrides.
type Port interface {
	WithTx(tx *gorm.DB) Port
	ReserveForOrder(ctx context.Context, orderID uuid.UUID, lines []Line, now, until time.Time) error
	ExtendReservation(ctx context.Context, orderID uuid.UUID, until, now time.Time) error
	FinalizeReservation(ctx context.Context, orderID uuid.UUID, now time.Time) error
	ReleaseReservation(ctx context.Context, orderID uuid.UUID, now time.Time) error
	ResyncStock(ctx context.Context, variantID uuid.UUID) (int, error)
}

// ShortageError names the variant that could not be held.
type ShortageError struct {
	VariantID uuid.UUID
	Requested int
	Available int
}

func (e *ShortageError) Error() string {
	return ErrInsufficientStock.Error()
}

func (e *ShortageError) Unwrap() error {
	return ErrInsufficientStock
}
