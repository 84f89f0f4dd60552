package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/keymarket-backend/internal/payments"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/square"
)

type squareLinks interface {
	CreatePaymentLink(ctx context.Context, params square.PaymentLinkParams) (*square.PaymentLink, error)
	DeletePaymentLink(ctx context.Context, linkID string) error
	GetPaymentLink(ctx context.Context, linkID string) (*square.PaymentLink, error)
}

type sealer interface {
	Seal(orderID uuid.UUID) (string, error)
}

// Square opens Square payment links. The provider order code is the Square
// order backing the link; the sealed order reference rides in the payment note.
type Square struct {
	client squareLinks
	refs   sealer
}

func NewSquare(client squareLinks, refs sealer) (*Square, error) {
	if client == nil {
		return nil, fmt.Errorf("square client required")
	}
	if refs == nil {
		return nil, fmt.Errorf("order reference codec required")
	}
	return &Square{client: client, refs: refs}, nil
}

func (s *Square) CreateOrRefreshLink(ctx context.Context, attempt *models.Payment, buyer payments.Buyer, returnURL, _ string) (*payments.Link, error) {
	if attempt == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment attempt required")
	}
	ref, err := s.refs.Seal(attempt.TargetID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "seal order reference")
	}
	link, err := s.client.CreatePaymentLink(ctx, square.PaymentLinkParams{
		Name:           "Order " + shortID(attempt.TargetID.String()),
		AmountMinor:    attempt.Amount.Shift(2).Round(0).IntPart(),
		Currency:       attempt.Currency,
		ReferenceID:    ref,
		RedirectURL:    returnURL,
		BuyerEmail:     buyer.Email,
		IdempotencyKey: attempt.ID.String(),
	})
	if err != nil {
		return nil, err
	}
	return &payments.Link{
		CheckoutURL:       link.URL,
		ProviderOrderCode: link.OrderID,
		PaymentLinkID:     link.ID,
	}, nil
}

func (s *Square) CancelLink(ctx context.Context, linkID, _ string) error {
	return s.client.DeletePaymentLink(ctx, linkID)
}

func (s *Square) GetCheckoutURL(ctx context.Context, linkID string) (string, error) {
	link, err := s.client.GetPaymentLink(ctx, linkID)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return "", payments.ErrLinkUnavailable
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(link.URL) == "" {
		return "", payments.ErrLinkUnavailable
	}
	return link.URL, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return strings.ToUpper(id[:8])
	}
	return strings.ToUpper(id)
}
