package checkout

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
)

// Totals are the order-level amounts, each rounded to cents.
type Totals struct {
	Total    decimal.Decimal
	Discount decimal.Decimal
	Final    decimal.Decimal
}

// Reprice turns cart items into order detail lines at current catalog prices.
// Any item that is missing or no longer sellable fails the whole cart.
func Reprice(items []models.CartItem, variants map[uuid.UUID]*models.ProductVariant) ([]models.OrderDetail, Totals, error) {
	details := make([]models.OrderDetail, 0, len(items))
	total := decimal.Zero
	final := decimal.Zero
	for _, item := range items {
		variant := variants[item.VariantID]
		if err := guard(item, variant); err != nil {
			return nil, Totals{}, err
		}
		qty := decimal.NewFromInt(int64(item.Quantity))
		lineList := variant.ListPrice.Mul(qty)
		lineFinal := variant.Price.Mul(qty)
		total = total.Add(lineList)
		final = final.Add(lineFinal)
		details = append(details, models.OrderDetail{
			VariantID:   variant.ID,
			ProductName: productName(variant),
			VariantName: variant.Name,
			Quantity:    item.Quantity,
			UnitPrice:   variant.Price,
			ListPrice:   variant.ListPrice,
			LineTotal:   lineFinal.Round(2),
		})
	}
	total = total.Round(2)
	final = final.Round(2)
	return details, Totals{Total: total, Discount: total.Sub(final), Final: final}, nil
}

func guard(item models.CartItem, variant *models.ProductVariant) error {
	if item.Quantity <= 0 {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "invalid quantity for variant %s", item.VariantID)
	}
	if variant == nil {
		return pkgerrors.Newf(pkgerrors.CodeBusinessRule, "variant %s is no longer available", item.VariantID)
	}
	if variant.Product == nil || variant.Product.Status != enums.ProductStatusActive {
		return pkgerrors.Newf(pkgerrors.CodeBusinessRule, "%s is no longer sold", productName(variant))
	}
	if variant.Status != enums.VariantStatusActive {
		return pkgerrors.Newf(pkgerrors.CodeBusinessRule, "%s (%s) is no longer sold", productName(variant), variant.Name)
	}
	return nil
}

func productName(variant *models.ProductVariant) string {
	if variant.Product != nil && variant.Product.Name != "" {
		return variant.Product.Name
	}
	return fmt.Sprintf("variant %s", variant.ID)
}
