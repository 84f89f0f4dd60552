package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
)

// Repository persists payment attempts and the order status moves they drive.
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

func (r *Repository) Create(ctx context.Context, attempt *models.Payment) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var attempt models.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

// FindByProviderCode returns nil without error when no attempt carries code.
func (r *Repository) FindByProviderCode(ctx context.Context, code string) (*models.Payment, error) {
	var attempt models.Payment
	err := r.db.WithContext(ctx).Where("provider_order_code = ?", code).First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// ListForOrder returns the order's attempts, newest first.
func (r *Repository) ListForOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	var attempts []models.Payment
	err := r.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", enums.PaymentTargetOrder, orderID).
		Order("created_at DESC").
		Find(&attempts).Error
	return attempts, err
}

// ListForOrders groups attempts by order id.
func (r *Repository) ListForOrders(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID][]models.Payment, error) {
	grouped := make(map[uuid.UUID][]models.Payment, len(orderIDs))
	if len(orderIDs) == 0 {
		return grouped, nil
	}
	var attempts []models.Payment
	err := r.db.WithContext(ctx).
		Where("target_type = ? AND target_id IN ?", enums.PaymentTargetOrder, orderIDs).
		Order("created_at DESC").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	for _, attempt := range attempts {
		grouped[attempt.TargetID] = append(grouped[attempt.TargetID], attempt)
	}
	return grouped, nil
}

// NewestPending returns nil without error when the order has no pending attempt.
func (r *Repository) NewestPending(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var attempt models.Payment
	err := r.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ? AND status = ?", enums.PaymentTargetOrder, orderID, enums.PaymentStatusPending).
		Order("created_at DESC").
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *Repository) SetLink(ctx context.Context, id uuid.UUID, link Link, now time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"provider_order_code": nullable(link.ProviderOrderCode),
			"payment_link_id":     nullable(link.PaymentLinkID),
			"checkout_url":        nullable(link.CheckoutURL),
			"updated_at":          now,
		}).Error
}

// Transition moves one attempt from -> to. It reports false when the attempt
// was no longer in from.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from, to enums.PaymentStatus, note *string, now time.Time) (bool, error) {
	updates := map[string]any{"status": to, "updated_at": now}
	if to.IsTerminal() {
		updates["resolved_at"] = now
	}
	if note != nil {
		updates["note"] = *note
	}
	res := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SettlePending moves every pending attempt of the order except keep to to,
// returning the attempts it moved.
func (r *Repository) SettlePending(ctx context.Context, orderID, keep uuid.UUID, to enums.PaymentStatus, note string, now time.Time) ([]models.Payment, error) {
	var pending []models.Payment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("target_type = ? AND target_id = ? AND status = ? AND id <> ?",
			enums.PaymentTargetOrder, orderID, enums.PaymentStatusPending, keep).
		Find(&pending).Error
	if err != nil {
		return nil, err
	}
	moved := make([]models.Payment, 0, len(pending))
	for _, attempt := range pending {
		ok, err := r.Transition(ctx, attempt.ID, enums.PaymentStatusPending, to, &note, now)
		if err != nil {
			return nil, err
		}
		if ok {
			attempt.Status = to
			moved = append(moved, attempt)
		}
	}
	return moved, nil
}

// HasStatus reports whether any attempt of the order is in one of statuses.
func (r *Repository) HasStatus(ctx context.Context, orderID uuid.UUID, statuses ...enums.PaymentStatus) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("target_type = ? AND target_id = ? AND status IN ?", enums.PaymentTargetOrder, orderID, statuses).
		Count(&count).Error
	return count > 0, err
}

// HasLivePending reports whether another pending attempt is still inside its window.
func (r *Repository) HasLivePending(ctx context.Context, orderID, except uuid.UUID, now time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("target_type = ? AND target_id = ? AND status = ? AND id <> ? AND expires_at > ?",
			enums.PaymentTargetOrder, orderID, enums.PaymentStatusPending, except, now).
		Count(&count).Error
	return count > 0, err
}

// ListExpiredPending returns pending attempts whose window closed before cutoff.
func (r *Repository) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	var attempts []models.Payment
	q := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", enums.PaymentStatusPending, cutoff).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&attempts).Error
	return attempts, err
}

func (r *Repository) FindOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// TransitionOrder moves the order from -> to and stamps the matching
// timestamp. It reports false when the order already left from.
func (r *Repository) TransitionOrder(ctx context.Context, orderID uuid.UUID, from, to enums.OrderStatus, now time.Time) (bool, error) {
	updates := map[string]any{"status": to, "updated_at": now}
	switch to {
	case enums.OrderStatusPaid:
		updates["paid_at"] = now
	case enums.OrderStatusCancelled, enums.OrderStatusCancelledByTimeout:
		updates["cancelled_at"] = now
	}
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
