package cart

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
)

// CartRepository defines the persistence surface required by the cart services.
// Transition methods return false when their guard did not match.
type CartRepository interface {
	WithTx(tx *gorm.DB) CartRepository
	FindByID(ctx context.Context, id uuid.UUID) (*models.Cart, error)
	FindCurrent(ctx context.Context, owner Owner) (*models.Cart, error)
	FindOpen(ctx context.Context, owner Owner) (*models.Cart, error)
	Create(ctx context.Context, record *models.Cart) (*models.Cart, error)
	Touch(ctx context.Context, id uuid.UUID, now, expiresAt time.Time) (bool, error)
	ListItems(ctx context.Context, cartID uuid.UUID) ([]models.CartItem, error)
	UpsertItem(ctx context.Context, cartID, variantID uuid.UUID, qty int) error
	DeleteItem(ctx context.Context, cartID, variantID uuid.UUID) error
	ClearItems(ctx context.Context, cartID uuid.UUID) error

	Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	Commit(ctx context.Context, id, orderID uuid.UUID, now time.Time) (bool, error)
	RecoverStale(ctx context.Context, id uuid.UUID, staleBefore, now time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	ListStaleConverting(ctx context.Context, staleBefore time.Time, limit int) ([]models.Cart, error)
	ListExpirable(ctx context.Context, now time.Time, policy Policy, limit int) ([]models.Cart, error)
}
