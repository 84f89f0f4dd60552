package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/pkg/enums"
)

// Payment is one attempt to pay for a target. Attempts are never deleted.
type Payment struct {
	ID                uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Amount            decimal.Decimal         `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency          string                  `gorm:"column:currency;not null;default:'USD'"`
	Status            enums.PaymentStatus     `gorm:"column:status;type:payment_status;not null;default:'pending'"`
	TargetType        enums.PaymentTargetType `gorm:"column:target_type;not null;default:'order'"`
	TargetID          uuid.UUID               `gorm:"column:target_id;type:uuid;not null"`
	ProviderOrderCode *string                 `gorm:"column:provider_order_code"`
	PaymentLinkID     *string                 `gorm:"column:payment_link_id"`
	CheckoutURL       *string                 `gorm:"column:checkout_url"`
	Note              *string                 `gorm:"column:note"`
	ExpiresAt         time.Time               `gorm:"column:expires_at;not null"`
	ResolvedAt        *time.Time              `gorm:"column:resolved_at"`
	CreatedAt         time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Payment) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// WithinWindow reports whether a pending attempt can still be paid at now.
func (p Payment) WithinWindow(now time.Time) bool {
	return p.Status == enums.PaymentStatusPending && now.Before(p.ExpiresAt)
}
