package cart

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
)

// Repository exposes persistence operations for carts and their items.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a cart repository bound to the provided DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx binds the repository to a transaction.
func (r *Repository) WithTx(tx *gorm.DB) CartRepository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Cart, error) {
	var record models.Cart
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// FindCurrent returns the owner's most recent cart that is open or already
// converted. Expired carts are ignored.
func (r *Repository) FindCurrent(ctx context.Context, owner Owner) (*models.Cart, error) {
	var record models.Cart
	err := owner.scope(r.db.WithContext(ctx)).
		Where("status IN ?", []enums.CartStatus{
			enums.CartStatusActive,
			enums.CartStatusConverting,
			enums.CartStatusConverted,
		}).
		Order("updated_at DESC").
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindOpen returns the owner's active or converting cart.
func (r *Repository) FindOpen(ctx context.Context, owner Owner) (*models.Cart, error) {
	var record models.Cart
	err := owner.scope(r.db.WithContext(ctx)).
		Where("status IN ?", []enums.CartStatus{enums.CartStatusActive, enums.CartStatusConverting}).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *Repository) Create(ctx context.Context, record *models.Cart) (*models.Cart, error) {
	if record.Status == "" {
		record.Status = enums.CartStatusActive
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

// Touch refreshes the idle clock of an active cart. It reports false once the
// cart has been claimed.
func (r *Repository) Touch(ctx context.Context, id uuid.UUID, now, expiresAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Cart{}).
		Where("id = ? AND status = ?", id, enums.CartStatusActive).
		Updates(map[string]any{"updated_at": now, "expires_at": expiresAt})
	return res.RowsAffected == 1, res.Error
}

func (r *Repository) ListItems(ctx context.Context, cartID uuid.UUID) ([]models.CartItem, error) {
	var rows []models.CartItem
	if err := r.db.WithContext(ctx).
		Where("cart_id = ? AND quantity > 0", cartID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpsertItem sets the quantity of a variant line, inserting it when missing.
func (r *Repository) UpsertItem(ctx context.Context, cartID, variantID uuid.UUID, qty int) error {
	item := models.CartItem{CartID: cartID, VariantID: variantID, Quantity: qty}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cart_id"}, {Name: "variant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at"}),
		}).
		Create(&item).Error
}

func (r *Repository) DeleteItem(ctx context.Context, cartID, variantID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("cart_id = ? AND variant_id = ?", cartID, variantID).
		Delete(&models.CartItem{}).Error
}

func (r *Repository) ClearItems(ctx context.Context, cartID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("cart_id = ?", cartID).
		Delete(&models.CartItem{}).Error
}

// Claim moves an active cart to converting.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Cart{}).
		Where("id = ? AND status = ?", id, enums.CartStatusActive).
		Updates(map[string]any{"status": enums.CartStatusConverting, "updated_at": now})
	return res.RowsAffected == 1, res.Error
}

// Commit moves a converting cart to converted and links the order.
func (r *Repository) Commit(ctx context.Context, id, orderID uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Cart{}).
		Where("id = ? AND status = ? AND order_id IS NULL", id, enums.CartStatusConverting).
		Updates(map[string]any{
			"status":     enums.CartStatusConverted,
			"order_id":   orderID,
			"updated_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

// RecoverStale reverts a converting cart that produced no order and has not
// moved since staleBefore.
func (r *Repository) RecoverStale(ctx context.Context, id uuid.UUID, staleBefore, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Cart{}).
		Where("id = ? AND status = ? AND order_id IS NULL AND updated_at < ?", id, enums.CartStatusConverting, staleBefore).
		Updates(map[string]any{"status": enums.CartStatusActive, "updated_at": now})
	return res.RowsAffected == 1, res.Error
}

// ReleaseClaim reverts a converting cart that produced no order, regardless of age.
func (r *Repository) ReleaseClaim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Cart{}).
		Where("id = ? AND status = ? AND order_id IS NULL", id, enums.CartStatusConverting).
		Updates(map[string]any{"status": enums.CartStatusActive, "updated_at": now})
	return res.RowsAffected == 1, res.Error
}

func (r *Repository) MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Cart{}).
		Where("id = ? AND status = ?", id, enums.CartStatusActive).
		Updates(map[string]any{"status": enums.CartStatusExpired, "updated_at": now})
	return res.RowsAffected == 1, res.Error
}

func (r *Repository) ListStaleConverting(ctx context.Context, staleBefore time.Time, limit int) ([]models.Cart, error) {
	var rows []models.Cart
	err := r.db.WithContext(ctx).
		Where("status = ? AND order_id IS NULL AND updated_at < ?", enums.CartStatusConverting, staleBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListExpirable returns active carts idle past both their expiry timestamp and
// the owner-kind TTL.
func (r *Repository) ListExpirable(ctx context.Context, now time.Time, policy Policy, limit int) ([]models.Cart, error) {
	var rows []models.Cart
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", enums.CartStatusActive, now).
		Where(
			r.db.Where("owner_user_id IS NOT NULL AND updated_at < ?", now.Add(-policy.RegisteredTTL)).
				Or("owner_user_id IS NULL AND updated_at < ?", now.Add(-policy.AnonymousTTL)),
		).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
