package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/internal/cart"
	"github.com/angelmondragon/keymarket-backend/internal/inventory"
	"github.com/angelmondragon/keymarket-backend/internal/payments"
	"github.com/angelmondragon/keymarket-backend/pkg/config"
	"github.com/angelmondragon/keymarket-backend/pkg/db"
	"github.com/angelmondragon/keymarket-backend/pkg/db/dbtest"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/orderref"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox"
)

type stubGateway struct {
	mu        sync.Mutex
	getErr    error
	createErr error
	cancelled []string
}

func (g *stubGateway) CreateOrRefreshLink(_ context.Context, attempt *models.Payment, _ payments.Buyer, _, _ string) (*payments.Link, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	id := "link-" + attempt.ID.String()
	return &payments.Link{CheckoutURL: "https://pay.test/" + id, ProviderOrderCode: "code-" + attempt.ID.String(), PaymentLinkID: id}, nil
}

func (g *stubGateway) CancelLink(_ context.Context, linkID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, linkID)
	return nil
}

func (g *stubGateway) GetCheckoutURL(_ context.Context, linkID string) (string, error) {
	if g.getErr != nil {
		return "", g.getErr
	}
	return "https://pay.test/" + linkID, nil
}

type fixture struct {
	client  *db.Client
	svc     Service
	pay     *payments.Service
	gateway *stubGateway
	stock   *inventory.Store
	variant uuid.UUID
	owner   cart.Owner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.New(t)
	codec, err := orderref.NewCodec("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	gateway := &stubGateway{}
	stock := inventory.NewStore(client.DB())
	emitter := outbox.NewService(outbox.NewRepository(client.DB()), logger.Nop())
	pay, err := payments.NewService(payments.ServiceParams{
		Repo:      payments.NewRepository(client.DB()),
		DB:        client,
		Gateway:   gateway,
		Inventory: stock,
		Refs:      codec,
		Outbox:    emitter,
		Logger:    logger.Nop(),
		Config:    config.CheckoutConfig{PaymentTimeout: 5 * time.Minute, Currency: "USD"},
	})
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{
		Repo:      NewRepository(client.DB()),
		DB:        client,
		Payments:  pay,
		Inventory: stock,
		Outbox:    emitter,
		Logger:    logger.Nop(),
	})
	require.NoError(t, err)

	product := &models.Product{Name: "Game", Status: enums.ProductStatusActive}
	require.NoError(t, client.DB().Create(product).Error)
	variant := &models.ProductVariant{ProductID: product.ID, Name: "Key", Price: decimal.NewFromInt(50), ListPrice: decimal.NewFromInt(60), Status: enums.VariantStatusActive}
	require.NoError(t, client.DB().Create(variant).Error)
	require.NoError(t, client.DB().Create(&models.InventoryItem{VariantID: variant.ID, AvailableQty: 10}).Error)

	return &fixture{
		client:  client,
		svc:     svc,
		pay:     pay,
		gateway: gateway,
		stock:   stock,
		variant: variant.ID,
		owner:   cart.UserOwner(uuid.New()),
	}
}

// placeOrder stores an order holding two units with one open attempt.
func (f *fixture) placeOrder(t *testing.T, createdAt time.Time) (*models.Order, *payments.Checkout) {
	t.Helper()
	order := &models.Order{
		OwnerUserID:    f.owner.UserID,
		CartID:         uuid.New(),
		ContactEmail:   "buyer@example.com",
		TotalAmount:    decimal.NewFromInt(120),
		DiscountAmount: decimal.NewFromInt(20),
		FinalAmount:    decimal.NewFromInt(100),
		Currency:       "USD",
		Status:         enums.OrderStatusPendingPayment,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	var opened *payments.Checkout
	err := f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		if err := NewRepository(tx).Create(context.Background(), order); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := f.stock.WithTx(tx).ReserveForOrder(context.Background(), order.ID,
			[]inventory.Line{{VariantID: f.variant, Qty: 2}}, now, now.Add(5*time.Minute)); err != nil {
			return err
		}
		var err error
		opened, err = f.pay.Open(context.Background(), tx, order, payments.Buyer{Email: order.ContactEmail}, payments.URLs{})
		return err
	})
	require.NoError(t, err)
	return order, opened
}

func (f *fixture) setOrderStatus(t *testing.T, id uuid.UUID, status enums.OrderStatus) {
	t.Helper()
	require.NoError(t, f.client.DB().Model(&models.Order{}).Where("id = ?", id).Update("status", status).Error)
}

func (f *fixture) setPaymentStatus(t *testing.T, id uuid.UUID, status enums.PaymentStatus) {
	t.Helper()
	require.NoError(t, f.client.DB().Model(&models.Payment{}).Where("id = ?", id).Update("status", status).Error)
}

func (f *fixture) inventoryItem(t *testing.T) models.InventoryItem {
	t.Helper()
	var item models.InventoryItem
	require.NoError(t, f.client.DB().First(&item, "variant_id = ?", f.variant).Error)
	return item
}

var admin = Actor{UserID: uuid.New(), Role: enums.RoleAdmin}

func TestGetRefreshesCheckoutForPendingOrder(t *testing.T) {
	f := newFixture(t)
	order, opened := f.placeOrder(t, time.Now().UTC())

	detail, err := f.svc.Get(context.Background(), f.owner, order.ID, payments.URLs{})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusPendingPayment, detail.DisplayStatus)
	require.Equal(t, "https://pay.test/"+*opened.Payment.PaymentLinkID, detail.CheckoutURL)
	require.Equal(t, opened.Payment.ID, detail.Payment.ID)
}

func TestGetIsOwnerScoped(t *testing.T) {
	f := newFixture(t)
	order, _ := f.placeOrder(t, time.Now().UTC())

	_, err := f.svc.Get(context.Background(), cart.UserOwner(uuid.New()), order.ID, payments.URLs{})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)
}

func TestGetDegradesWhenGatewayFails(t *testing.T) {
	f := newFixture(t)
	order, opened := f.placeOrder(t, time.Now().UTC())
	require.NoError(t, f.client.DB().Model(&models.Payment{}).Where("id = ?", opened.Payment.ID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)
	f.gateway.createErr = errors.New("gateway down")

	detail, err := f.svc.Get(context.Background(), f.owner, order.ID, payments.URLs{})
	require.NoError(t, err)
	require.Empty(t, detail.CheckoutURL)
	require.Equal(t, enums.OrderStatusPendingPayment, detail.DisplayStatus)
}

func TestGetShowsReviewAsManualAction(t *testing.T) {
	f := newFixture(t)
	order, opened := f.placeOrder(t, time.Now().UTC())
	f.setPaymentStatus(t, opened.Payment.ID, enums.PaymentStatusNeedReview)

	detail, err := f.svc.Get(context.Background(), f.owner, order.ID, payments.URLs{})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusNeedsManualAction, detail.DisplayStatus)
	require.Empty(t, detail.CheckoutURL)
}

func TestListPagesWithDisplayStatus(t *testing.T) {
	f := newFixture(t)
	base := time.Now().UTC().Add(-time.Hour)
	first, _ := f.placeOrder(t, base)
	second, secondAttempt := f.placeOrder(t, base.Add(time.Minute))
	third, _ := f.placeOrder(t, base.Add(2*time.Minute))
	f.setPaymentStatus(t, secondAttempt.Payment.ID, enums.PaymentStatusTimeout)

	page, err := f.svc.List(context.Background(), f.owner, ListParams{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Orders, 2)
	require.Equal(t, third.ID, page.Orders[0].Order.ID)
	require.Equal(t, second.ID, page.Orders[1].Order.ID)
	require.Equal(t, enums.OrderStatusCancelledByTimeout, page.Orders[1].DisplayStatus)
	require.NotEmpty(t, page.NextCursor)

	page, err = f.svc.List(context.Background(), f.owner, ListParams{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Orders, 1)
	require.Equal(t, first.ID, page.Orders[0].Order.ID)
	require.Empty(t, page.NextCursor)

	_, err = f.svc.List(context.Background(), f.owner, ListParams{Cursor: "%%%"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestOverrideStatusPreconditions(t *testing.T) {
	f := newFixture(t)
	order, opened := f.placeOrder(t, time.Now().UTC())

	_, err := f.svc.OverrideStatus(context.Background(), admin, order.ID, enums.OrderStatusCancelled, "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "pending order must be rejected, got %v", err)

	f.setOrderStatus(t, order.ID, enums.OrderStatusNeedsManualAction)
	_, err = f.svc.OverrideStatus(context.Background(), admin, order.ID, enums.OrderStatusRefunded, "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)

	_, err = f.svc.OverrideStatus(context.Background(), Actor{UserID: uuid.New(), Role: enums.RoleCustomer}, order.ID, enums.OrderStatusPaid, "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden), "got %v", err)

	f.setPaymentStatus(t, opened.Payment.ID, enums.PaymentStatusNeedReview)
	_, err = f.svc.OverrideStatus(context.Background(), admin, order.ID, enums.OrderStatusPaid, "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)

	_, err = f.svc.OverrideStatus(context.Background(), admin, uuid.New(), enums.OrderStatusPaid, "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)
}

func TestOverrideToCancelledReleasesStockAndCancelsAttempts(t *testing.T) {
	f := newFixture(t)
	order, opened := f.placeOrder(t, time.Now().UTC())
	f.setOrderStatus(t, order.ID, enums.OrderStatusNeedsManualAction)

	res, err := f.svc.OverrideStatus(context.Background(), admin, order.ID, enums.OrderStatusCancelled, "buyer asked to cancel")
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusCancelled, res.Status)

	var stored models.Order
	require.NoError(t, f.client.DB().First(&stored, "id = ?", order.ID).Error)
	require.Equal(t, enums.OrderStatusCancelled, stored.Status)
	require.Equal(t, "buyer asked to cancel", *stored.AdminNote)
	require.NotNil(t, stored.CancelledAt)

	item := f.inventoryItem(t)
	require.Equal(t, 10, item.AvailableQty)
	require.Equal(t, 0, item.ReservedQty)

	var attempt models.Payment
	require.NoError(t, f.client.DB().First(&attempt, "id = ?", opened.Payment.ID).Error)
	require.Equal(t, enums.PaymentStatusCancelled, attempt.Status)
	require.Contains(t, f.gateway.cancelled, *opened.Payment.PaymentLinkID)

	var events int64
	f.client.DB().Model(&models.OutboxEvent{}).
		Where("event_type = ? AND aggregate_id = ?", enums.EventOrderStatusOverridden, order.ID).
		Count(&events)
	require.EqualValues(t, 1, events)
}

func TestOverrideToPaidFinalizesStock(t *testing.T) {
	f := newFixture(t)
	order, opened := f.placeOrder(t, time.Now().UTC())
	f.setOrderStatus(t, order.ID, enums.OrderStatusNeedsManualAction)

	_, err := f.svc.OverrideStatus(context.Background(), admin, order.ID, enums.OrderStatusPaid, "")
	require.NoError(t, err)

	item := f.inventoryItem(t)
	require.Equal(t, 2, item.SoldQty)
	require.Equal(t, 0, item.ReservedQty)
	var attempt models.Payment
	require.NoError(t, f.client.DB().First(&attempt, "id = ?", opened.Payment.ID).Error)
	require.Equal(t, enums.PaymentStatusDupCancelled, attempt.Status)

	detail, err := f.svc.AdminGet(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusPaid, detail.DisplayStatus)
}
