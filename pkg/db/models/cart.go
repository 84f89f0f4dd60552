package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/pkg/enums"
)

// Cart is a shopper's basket. Exactly one of OwnerUserID or SessionID is set.
type Cart struct {
	ID          uuid.UUID        `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerUserID *uuid.UUID       `gorm:"column:owner_user_id;type:uuid"`
	SessionID   *uuid.UUID       `gorm:"column:session_id;type:uuid"`
	Status      enums.CartStatus `gorm:"column:status;type:cart_status;not null;default:'active'"`
	OrderID     *uuid.UUID       `gorm:"column:order_id;type:uuid"`
	ExpiresAt   time.Time        `gorm:"column:expires_at;not null"`
	Items       []CartItem       `gorm:"foreignKey:CartID;constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *Cart) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// IsRegistered reports whether the cart belongs to a signed-in user.
func (c Cart) IsRegistered() bool {
	return c.OwnerUserID != nil
}

// CartItem is one variant line inside a cart.
type CartItem struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CartID    uuid.UUID `gorm:"column:cart_id;type:uuid;not null"`
	VariantID uuid.UUID `gorm:"column:variant_id;type:uuid;not null"`
	Quantity  int       `gorm:"column:quantity;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (i *CartItem) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
