package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/angelmondragon/keymarket-backend/internal/payments"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
)

// Sandbox is an in-process provider for local runs and tests. Links live in
// memory until cancelled.
type Sandbox struct {
	baseURL string
	refs    sealer

	mu    sync.Mutex
	links map[string]sandboxLink
}

type sandboxLink struct {
	url       string
	orderCode string
}

func NewSandbox(baseURL string, refs sealer) (*Sandbox, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("sandbox base url required")
	}
	if refs == nil {
		return nil, fmt.Errorf("order reference codec required")
	}
	return &Sandbox{
		baseURL: strings.TrimRight(baseURL, "/"),
		refs:    refs,
		links:   map[string]sandboxLink{},
	}, nil
}

func (s *Sandbox) CreateOrRefreshLink(_ context.Context, attempt *models.Payment, buyer payments.Buyer, returnURL, cancelURL string) (*payments.Link, error) {
	if attempt == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment attempt required")
	}
	ref, err := s.refs.Seal(attempt.TargetID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "seal order reference")
	}
	linkID := "plink_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	orderCode := "sbx_" + attempt.ID.String()

	q := url.Values{}
	q.Set("amount", attempt.Amount.StringFixed(2))
	q.Set("currency", attempt.Currency)
	q.Set("orderCode", orderCode)
	q.Set("reference", ref)
	if buyer.Email != "" {
		q.Set("email", buyer.Email)
	}
	if returnURL != "" {
		q.Set("returnUrl", returnURL)
	}
	if cancelURL != "" {
		q.Set("cancelUrl", cancelURL)
	}
	checkoutURL := s.baseURL + "/" + linkID + "?" + q.Encode()

	s.mu.Lock()
	s.links[linkID] = sandboxLink{url: checkoutURL, orderCode: orderCode}
	s.mu.Unlock()

	return &payments.Link{CheckoutURL: checkoutURL, ProviderOrderCode: orderCode, PaymentLinkID: linkID}, nil
}

func (s *Sandbox) CancelLink(_ context.Context, linkID, _ string) error {
	s.mu.Lock()
	delete(s.links, linkID)
	s.mu.Unlock()
	return nil
}

func (s *Sandbox) GetCheckoutURL(_ context.Context, linkID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkID]
	if !ok {
		return "", payments.ErrLinkUnavailable
	}
	return link.url, nil
}
