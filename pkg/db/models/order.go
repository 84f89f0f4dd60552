package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/pkg/enums"
)

// Order is created once per successful checkout and never deleted. Status is
// the intrinsic status; the displayed one is derived with the payment attempts.
type Order struct {
	ID             uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerUserID    *uuid.UUID        `gorm:"column:owner_user_id;type:uuid"`
	SessionID      *uuid.UUID        `gorm:"column:session_id;type:uuid"`
	CartID         uuid.UUID         `gorm:"column:cart_id;type:uuid;not null"`
	ContactEmail   string            `gorm:"column:contact_email;not null"`
	ContactName    *string           `gorm:"column:contact_name"`
	ContactPhone   *string           `gorm:"column:contact_phone"`
	TotalAmount    decimal.Decimal   `gorm:"column:total_amount;type:numeric(12,2);not null"`
	DiscountAmount decimal.Decimal   `gorm:"column:discount_amount;type:numeric(12,2);not null"`
	FinalAmount    decimal.Decimal   `gorm:"column:final_amount;type:numeric(12,2);not null"`
	Currency       string            `gorm:"column:currency;not null;default:'USD'"`
	Status         enums.OrderStatus `gorm:"column:status;type:order_status;not null;default:'pending_payment'"`
	AdminNote      *string           `gorm:"column:admin_note"`
	PaidAt         *time.Time        `gorm:"column:paid_at"`
	CancelledAt    *time.Time        `gorm:"column:cancelled_at"`
	Details        []OrderDetail     `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// OrderDetail captures what the buyer was charged per line at checkout time.
type OrderDetail struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID     uuid.UUID       `gorm:"column:order_id;type:uuid;not null"`
	VariantID   uuid.UUID       `gorm:"column:variant_id;type:uuid;not null"`
	ProductName string          `gorm:"column:product_name;not null"`
	VariantName string          `gorm:"column:variant_name;not null"`
	Quantity    int             `gorm:"column:quantity;not null"`
	UnitPrice   decimal.Decimal `gorm:"column:unit_price;type:numeric(12,2);not null"`
	ListPrice   decimal.Decimal `gorm:"column:list_price;type:numeric(12,2);not null"`
	LineTotal   decimal.Decimal `gorm:"column:line_total;type:numeric(12,2);not null"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (d *OrderDetail) BeforeCreate(*gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
