// Package payments owns payment attempts: opening them against the hosted
// gateway, swapping stale ones and settling them from gateway signals.
package payments

import (
	"context"
	"errors"

	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
)

// ErrLinkUnavailable means the gateway no longer serves the link.
var ErrLinkUnavailable = errors.New("payment link unavailable")

// Buyer is the contact handed to the gateway.
type Buyer struct {
	Email string
	Name  string
	Phone string
}

// URLs are where the hosted page sends the buyer afterwards.
type URLs struct {
	Return string
	Cancel string
}

// Link identifies a hosted payment page.
type Link struct {
	CheckoutURL       string
	ProviderOrderCode string
	PaymentLinkID     string
}

// Gateway is the hosted-payment provider.
type Gateway interface {
	CreateOrRefreshLink(ctx context.Context, attempt *models.Payment, buyer Buyer, returnURL, cancelURL string) (*Link, error)
	CancelLink(ctx context.Context, linkID, reason string) error
	GetCheckoutURL(ctx context.Context, linkID string) (string, error)
}
