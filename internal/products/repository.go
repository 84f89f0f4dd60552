package product

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
)

// Repository reads the catalog rows checkout prices against.
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

// FindVariant loads a variant with its product.
func (r *Repository) FindVariant(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	err := r.db.WithContext(ctx).
		Preload("Product").
		Where("id = ?", id).
		First(&variant).Error
	if err != nil {
		return nil, err
	}
	return &variant, nil
}

// LoadVariants returns the requested variants keyed by id, each with its
// product. Missing ids are absent from the map.
func (r *Repository) LoadVariants(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.ProductVariant, error) {
	out := make(map[uuid.UUID]*models.ProductVariant, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.ProductVariant
	if err := r.db.WithContext(ctx).
		Preload("Product").
		Where("id IN ?", ids).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

// StockCount re-reads the cached counter of one variant.
func (r *Repository) StockCount(ctx context.Context, id uuid.UUID) (int, error) {
	var variant models.ProductVariant
	if err := r.db.WithContext(ctx).Select("stock_count").Where("id = ?", id).First(&variant).Error; err != nil {
		return 0, err
	}
	return variant.StockCount, nil
}
