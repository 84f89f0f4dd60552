package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	internalorders "github.com/angelmondragon/keymarket-backend/internal/orders"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
)

type lineResponse struct {
	VariantID   uuid.UUID       `json:"variantId"`
	ProductName string          `json:"productName"`
	VariantName string          `json:"variantName"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	ListPrice   decimal.Decimal `json:"listPrice"`
	LineTotal   decimal.Decimal `json:"lineTotal"`
}

type paymentResponse struct {
	ID         uuid.UUID       `json:"id"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
	Note       *string         `json:"note,omitempty"`
}

type orderResponse struct {
	ID             uuid.UUID        `json:"id"`
	Status         string           `json:"status"`
	StoredStatus   string           `json:"storedStatus"`
	ContactEmail   string           `json:"contactEmail"`
	TotalAmount    decimal.Decimal  `json:"totalAmount"`
	DiscountAmount decimal.Decimal  `json:"discountAmount"`
	FinalAmount    decimal.Decimal  `json:"finalAmount"`
	Currency       string           `json:"currency"`
	AdminNote      *string          `json:"adminNote,omitempty"`
	PaidAt         *time.Time       `json:"paidAt,omitempty"`
	CancelledAt    *time.Time       `json:"cancelledAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	Items          []lineResponse   `json:"items,omitempty"`
	Payment        *paymentResponse `json:"payment,omitempty"`
	CheckoutURL    string           `json:"checkoutUrl,omitempty"`
}

type summaryResponse struct {
	ID            uuid.UUID       `json:"id"`
	Status        string          `json:"status"`
	PaymentStatus *string         `json:"paymentStatus,omitempty"`
	FinalAmount   decimal.Decimal `json:"finalAmount"`
	Currency      string          `json:"currency"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type pageResponse struct {
	Orders     []summaryResponse `json:"orders"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

func newOrderResponse(detail *internalorders.Detail) orderResponse {
	order := detail.Order
	resp := orderResponse{
		ID:             order.ID,
		Status:         string(detail.DisplayStatus),
		StoredStatus:   string(order.Status),
		ContactEmail:   order.ContactEmail,
		TotalAmount:    order.TotalAmount,
		DiscountAmount: order.DiscountAmount,
		FinalAmount:    order.FinalAmount,
		Currency:       order.Currency,
		AdminNote:      order.AdminNote,
		PaidAt:         order.PaidAt,
		CancelledAt:    order.CancelledAt,
		CreatedAt:      order.CreatedAt,
		CheckoutURL:    detail.CheckoutURL,
	}
	for _, line := range order.Details {
		resp.Items = append(resp.Items, lineResponse{
			VariantID:   line.VariantID,
			ProductName: line.ProductName,
			VariantName: line.VariantName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			ListPrice:   line.ListPrice,
			LineTotal:   line.LineTotal,
		})
	}
	if detail.Payment != nil {
		resp.Payment = newPaymentResponse(detail.Payment)
	}
	return resp
}

func newPaymentResponse(p *models.Payment) *paymentResponse {
	return &paymentResponse{
		ID:         p.ID,
		Status:     string(p.Status),
		Amount:     p.Amount,
		ExpiresAt:  p.ExpiresAt,
		ResolvedAt: p.ResolvedAt,
		Note:       p.Note,
	}
}

func newPageResponse(page *internalorders.Page) pageResponse {
	resp := pageResponse{Orders: make([]summaryResponse, 0, len(page.Orders)), NextCursor: page.NextCursor}
	for _, row := range page.Orders {
		summary := summaryResponse{
			ID:          row.Order.ID,
			Status:      string(row.DisplayStatus),
			FinalAmount: row.Order.FinalAmount,
			Currency:    row.Order.Currency,
			CreatedAt:   row.Order.CreatedAt,
		}
		if row.PaymentStatus != nil {
			status := string(*row.PaymentStatus)
			summary.PaymentStatus = &status
		}
		resp.Orders = append(resp.Orders, summary)
	}
	return resp
}
