package cart

import (
	"time"

	"github.com/google/uuid"

	cartsvc "github.com/angelmondragon/keymarket-backend/internal/cart"
)

type setItemRequest struct {
	VariantID uuid.UUID `json:"variantId" validate:"required"`
	Quantity  *int      `json:"quantity" validate:"required,min=0,max=100"`
}

type cartResponse struct {
	ID        *uuid.UUID     `json:"id,omitempty"`
	Status    string         `json:"status,omitempty"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	Items     []itemResponse `json:"items"`
	CartToken string         `json:"cartToken,omitempty"`
}

type itemResponse struct {
	VariantID uuid.UUID `json:"variantId"`
	Quantity  int       `json:"quantity"`
}

type tokenResponse struct {
	CartToken string    `json:"cartToken"`
	SessionID uuid.UUID `json:"sessionId"`
}

func newCartResponse(view *cartsvc.View, token string) cartResponse {
	resp := cartResponse{Items: []itemResponse{}, CartToken: token}
	if view == nil || view.Cart == nil {
		return resp
	}
	id := view.Cart.ID
	expires := view.Cart.ExpiresAt
	resp.ID = &id
	resp.Status = string(view.Cart.Status)
	resp.ExpiresAt = &expires
	for _, item := range view.Items {
		resp.Items = append(resp.Items, itemResponse{VariantID: item.VariantID, Quantity: item.Quantity})
	}
	return resp
}
