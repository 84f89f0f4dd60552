package gateway

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/keymarket-backend/internal/payments"
	"github.com/angelmondragon/keymarket-backend/pkg/config"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/orderref"
	"github.com/angelmondragon/keymarket-backend/pkg/square"
)

func testCodec(t *testing.T) *orderref.Codec {
	t.Helper()
	codec, err := orderref.NewCodec("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return codec
}

func testAttempt() *models.Payment {
	return &models.Payment{
		ID:       uuid.New(),
		TargetID: uuid.New(),
		Amount:   decimal.RequireFromString("210.50"),
		Currency: "USD",
	}
}

type stubSquare struct {
	params  square.PaymentLinkParams
	deleted []string
	getErr  error
}

func (s *stubSquare) CreatePaymentLink(_ context.Context, params square.PaymentLinkParams) (*square.PaymentLink, error) {
	s.params = params
	return &square.PaymentLink{ID: "LINK1", URL: "https://square.link/u/abc", OrderID: "SQORDER1"}, nil
}

func (s *stubSquare) DeletePaymentLink(_ context.Context, linkID string) error {
	s.deleted = append(s.deleted, linkID)
	return nil
}

func (s *stubSquare) GetPaymentLink(_ context.Context, linkID string) (*square.PaymentLink, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return &square.PaymentLink{ID: linkID, URL: "https://square.link/u/abc"}, nil
}

func TestSquareCreateLinkSealsReferenceAndConvertsAmount(t *testing.T) {
	t.Parallel()

	codec := testCodec(t)
	client := &stubSquare{}
	gw, err := NewSquare(client, codec)
	if err != nil {
		t.Fatalf("new square: %v", err)
	}
	attempt := testAttempt()

	link, err := gw.CreateOrRefreshLink(context.Background(), attempt, payments.Buyer{Email: "b@example.com"}, "https://shop.test/ok", "")
	if err != nil {
		t.Fatalf("create link: %v", err)
	}
	if link.ProviderOrderCode != "SQORDER1" || link.PaymentLinkID != "LINK1" {
		t.Fatalf("unexpected link: %+v", link)
	}
	if client.params.AmountMinor != 21050 {
		t.Fatalf("expected 21050 minor units, got %d", client.params.AmountMinor)
	}
	if client.params.IdempotencyKey != attempt.ID.String() {
		t.Fatalf("expected attempt id as idempotency key, got %q", client.params.IdempotencyKey)
	}
	orderID, err := codec.Open(client.params.ReferenceID)
	if err != nil || orderID != attempt.TargetID {
		t.Fatalf("reference should open to the order id, got %v (%v)", orderID, err)
	}
}

func TestSquareMissingLinkIsUnavailable(t *testing.T) {
	t.Parallel()

	gw, _ := NewSquare(&stubSquare{getErr: pkgerrors.New(pkgerrors.CodeNotFound, "gone")}, testCodec(t))
	if _, err := gw.GetCheckoutURL(context.Background(), "LINK1"); !errors.Is(err, payments.ErrLinkUnavailable) {
		t.Fatalf("expected ErrLinkUnavailable, got %v", err)
	}
}

func TestSandboxLinkLifecycle(t *testing.T) {
	t.Parallel()

	codec := testCodec(t)
	sb, err := NewSandbox("http://localhost:8080/sandbox/pay/", codec)
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	attempt := testAttempt()
	link, err := sb.CreateOrRefreshLink(context.Background(), attempt, payments.Buyer{}, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(link.CheckoutURL, "http://localhost:8080/sandbox/pay/"+link.PaymentLinkID+"?") {
		t.Fatalf("unexpected url %q", link.CheckoutURL)
	}
	parsed, err := url.Parse(link.CheckoutURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if got, _ := codec.Open(parsed.Query().Get("reference")); got != attempt.TargetID {
		t.Fatalf("reference does not open to the order id")
	}

	got, err := sb.GetCheckoutURL(context.Background(), link.PaymentLinkID)
	if err != nil || got != link.CheckoutURL {
		t.Fatalf("expected live url, got %q (%v)", got, err)
	}
	if err := sb.CancelLink(context.Background(), link.PaymentLinkID, "test"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := sb.GetCheckoutURL(context.Background(), link.PaymentLinkID); !errors.Is(err, payments.ErrLinkUnavailable) {
		t.Fatalf("expected unavailable after cancel, got %v", err)
	}
}

type failingGateway struct {
	calls int
	err   error
	delay time.Duration
}

func (f *failingGateway) CreateOrRefreshLink(ctx context.Context, _ *models.Payment, _ payments.Buyer, _, _ string) (*payments.Link, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, f.err
}

func (f *failingGateway) CancelLink(context.Context, string, string) error {
	f.calls++
	return f.err
}

func (f *failingGateway) GetCheckoutURL(context.Context, string) (string, error) {
	f.calls++
	return "", f.err
}

func TestGuardedOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	inner := &failingGateway{err: errors.New("connection refused")}
	g := NewGuarded(inner, config.GatewayConfig{BreakerFailures: 2, BreakerOpenFor: time.Minute, CallTimeout: time.Second}, logger.Nop())

	for i := 0; i < 2; i++ {
		if _, err := g.CreateOrRefreshLink(context.Background(), testAttempt(), payments.Buyer{}, "", ""); err == nil {
			t.Fatalf("expected failure")
		}
	}
	_, err := g.CreateOrRefreshLink(context.Background(), testAttempt(), payments.Buyer{}, "", "")
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error from open breaker, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("open breaker must not reach the provider, calls=%d", inner.calls)
	}
}

func TestGuardedIgnoresUnavailableLinks(t *testing.T) {
	t.Parallel()

	inner := &failingGateway{err: payments.ErrLinkUnavailable}
	g := NewGuarded(inner, config.GatewayConfig{BreakerFailures: 1, BreakerOpenFor: time.Minute}, logger.Nop())
	for i := 0; i < 3; i++ {
		if _, err := g.GetCheckoutURL(context.Background(), "x"); !errors.Is(err, payments.ErrLinkUnavailable) {
			t.Fatalf("expected ErrLinkUnavailable, got %v", err)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("expected every call to reach the provider, calls=%d", inner.calls)
	}
}

func TestGuardedBoundsCallTime(t *testing.T) {
	t.Parallel()

	inner := &failingGateway{delay: time.Second}
	g := NewGuarded(inner, config.GatewayConfig{BreakerFailures: 5, CallTimeout: 20 * time.Millisecond}, logger.Nop())
	start := time.Now()
	_, err := g.CreateOrRefreshLink(context.Background(), testAttempt(), payments.Buyer{}, "", "")
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error on timeout, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("call was not bounded")
	}
}
