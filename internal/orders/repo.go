package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/internal/cart"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	"github.com/angelmondragon/keymarket-backend/pkg/pagination"
)

// ListQuery narrows an order listing.
type ListQuery struct {
	Limit  int
	Cursor *pagination.Cursor
	Status *enums.OrderStatus
}

// Repository persists orders and their detail lines.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx binds the repository to a transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// Create inserts the order together with its detail lines.
func (r *Repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Details", func(q *gorm.DB) *gorm.DB { return q.Order("created_at ASC, id ASC") }).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindForOwner loads an order only when it belongs to owner.
func (r *Repository) FindForOwner(ctx context.Context, owner cart.Owner, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := ownerScope(r.db.WithContext(ctx), owner).
		Preload("Details", func(q *gorm.DB) *gorm.DB { return q.Order("created_at ASC, id ASC") }).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListForOwner pages through the owner's orders, newest first.
func (r *Repository) ListForOwner(ctx context.Context, owner cart.Owner, query ListQuery) ([]models.Order, *pagination.Cursor, error) {
	return r.list(ownerScope(r.db.WithContext(ctx), owner), query)
}

// ListAll pages through every order, newest first.
func (r *Repository) ListAll(ctx context.Context, query ListQuery) ([]models.Order, *pagination.Cursor, error) {
	return r.list(r.db.WithContext(ctx), query)
}

func (r *Repository) list(q *gorm.DB, query ListQuery) ([]models.Order, *pagination.Cursor, error) {
	q = q.Model(&models.Order{})
	if query.Status != nil {
		q = q.Where("status = ?", *query.Status)
	}
	var orders []models.Order
	if err := pagination.Scope(q, query.Cursor, query.Limit).Find(&orders).Error; err != nil {
		return nil, nil, err
	}
	rows, next := pagination.Trim(orders, query.Limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	})
	return rows, next, nil
}

// Override moves an order out of needs_manual_action. It reports false when
// the order was no longer awaiting manual action.
func (r *Repository) Override(ctx context.Context, id uuid.UUID, to enums.OrderStatus, note *string, now time.Time) (bool, error) {
	updates := map[string]any{"status": to, "updated_at": now}
	if note != nil {
		updates["admin_note"] = *note
	}
	switch to {
	case enums.OrderStatusPaid:
		updates["paid_at"] = now
	case enums.OrderStatusCancelled:
		updates["cancelled_at"] = now
	}
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, enums.OrderStatusNeedsManualAction).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func ownerScope(q *gorm.DB, owner cart.Owner) *gorm.DB {
	if owner.IsRegistered() {
		return q.Where("owner_user_id = ?", *owner.UserID)
	}
	return q.Where("owner_user_id IS NULL AND session_id = ?", *owner.SessionID)
}
