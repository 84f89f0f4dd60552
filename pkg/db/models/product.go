package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/pkg/enums"
)

// Product is a catalog entry (a game, a subscription, an account bundle).
type Product struct {
	ID        uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name      string              `gorm:"column:name;not null"`
	Status    enums.ProductStatus `gorm:"column:status;type:product_status;not null;default:'active'"`
	Variants  []ProductVariant    `gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Product) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// ProductVariant is the sellable unit. StockCount is a cached counter that may
// lag inventory_items.
type ProductVariant struct {
	ID         uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProductID  uuid.UUID           `gorm:"column:product_id;type:uuid;not null"`
	Product    *Product            `gorm:"foreignKey:ProductID"`
	Name       string              `gorm:"column:name;not null"`
	Price      decimal.Decimal     `gorm:"column:price;type:numeric(12,2);not null"`
	ListPrice  decimal.Decimal     `gorm:"column:list_price;type:numeric(12,2);not null"`
	Status     enums.VariantStatus `gorm:"column:status;type:variant_status;not null;default:'active'"`
	StockCount int                 `gorm:"column:stock_count;not null;default:0"`
	CreatedAt  time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (v *ProductVariant) BeforeCreate(*gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}
