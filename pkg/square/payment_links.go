package square

import (
	"context"
	"errors"
	"strings"

	"github.com/square/square-go-sdk/checkout"

	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
)

// PaymentLink is the subset of a Square payment link the gateway adapter needs.
type PaymentLink struct {
	ID      string
	URL     string
	OrderID string
}

// CreatePaymentLink opens a hosted checkout for a fixed amount.
func (c *Client) CreatePaymentLink(ctx context.Context, params PaymentLinkParams) (*PaymentLink, error) {
	if params.AmountMinor <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment link amount must be positive")
	}
	req := params.toSquareRequest(c.locationID, c.ensureIdempotencyKey("link.create", params.IdempotencyKey))
	c.log(ctx, "request", "create_payment_link", map[string]any{
		"location_id":  c.locationID,
		"amount":       params.AmountMinor,
		"currency":     params.Currency,
		"buyer_email":  params.BuyerEmail,
		"reference_id": params.ReferenceID,
	})

	resp, err := c.sdk.Checkout.PaymentLinks.Create(ctx, req)
	if err != nil {
		c.log(ctx, "error", "create_payment_link", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "create payment link")
	}

	link := resp.GetPaymentLink()
	if link == nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("empty payment link"), "square create payment link failed")
	}
	out := &PaymentLink{
		ID:      stringValue(link.GetID()),
		URL:     stringValue(link.GetURL()),
		OrderID: stringValue(link.GetOrderID()),
	}
	c.log(ctx, "response", "create_payment_link", map[string]any{
		"payment_link_id": out.ID,
		"order_id":        out.OrderID,
	})
	return out, nil
}

// DeletePaymentLink removes a hosted checkout so it can no longer be paid.
func (c *Client) DeletePaymentLink(ctx context.Context, linkID string) error {
	linkID = strings.TrimSpace(linkID)
	if linkID == "" {
		return nil
	}
	c.log(ctx, "request", "delete_payment_link", map[string]any{"payment_link_id": linkID})
	if _, err := c.sdk.Checkout.PaymentLinks.Delete(ctx, &checkout.DeletePaymentLinksRequest{ID: linkID}); err != nil {
		mapped := c.mapSquareError(err, "delete payment link")
		if pkgerrors.IsCode(mapped, pkgerrors.CodeNotFound) {
			return nil
		}
		c.log(ctx, "error", "delete_payment_link", map[string]any{"error": err.Error()})
		return mapped
	}
	c.log(ctx, "response", "delete_payment_link", map[string]any{"payment_link_id": linkID})
	return nil
}

// GetPaymentLink fetches a hosted checkout by id.
func (c *Client) GetPaymentLink(ctx context.Context, linkID string) (*PaymentLink, error) {
	linkID = strings.TrimSpace(linkID)
	if linkID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment link id required")
	}
	resp, err := c.sdk.Checkout.PaymentLinks.Get(ctx, &checkout.GetPaymentLinksRequest{ID: linkID})
	if err != nil {
		c.log(ctx, "error", "get_payment_link", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "get payment link")
	}
	link := resp.GetPaymentLink()
	if link == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment link not found")
	}
	return &PaymentLink{
		ID:      stringValue(link.GetID()),
		URL:     stringValue(link.GetURL()),
		OrderID: stringValue(link.GetOrderID()),
	}, nil
}
