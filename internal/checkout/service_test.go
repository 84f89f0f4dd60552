package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/keymarket-backend/internal/cart"
	"github.com/angelmondragon/keymarket-backend/internal/inventory"
	"github.com/angelmondragon/keymarket-backend/internal/orders"
	"github.com/angelmondragon/keymarket-backend/internal/payments"
	product "github.com/angelmondragon/keymarket-backend/internal/products"
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
	createErr error
	created   int
}

func (g *stubGateway) CreateOrRefreshLink(_ context.Context, attempt *models.Payment, _ payments.Buyer, _, _ string) (*payments.Link, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created++
	id := "link-" + attempt.ID.String()
	return &payments.Link{CheckoutURL: "https://pay.test/" + id, ProviderOrderCode: "code-" + attempt.ID.String(), PaymentLinkID: id}, nil
}

func (g *stubGateway) CancelLink(context.Context, string, string) error {
	return nil
}

func (g *stubGateway) GetCheckoutURL(_ context.Context, linkID string) (string, error) {
	return "https://pay.test/" + linkID, nil
}

var testConfig = config.CheckoutConfig{
	PaymentTimeout:    5 * time.Minute,
	CartLockTimeout:   5 * time.Minute,
	RegisteredCartTTL: 30 * 24 * time.Hour,
	AnonymousCartTTL:  7 * 24 * time.Hour,
	Currency:          "USD",
	DefaultReturnURL:  "https://shop.test/return",
	DefaultCancelURL:  "https://shop.test/cancel",
}

type fixture struct {
	client  *db.Client
	svc     *service
	gateway *stubGateway
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
		Config:    testConfig,
	})
	require.NoError(t, err)

	carts := cart.NewRepository(client.DB())
	machine, err := cart.NewStateMachine(cart.MachineParams{
		Repo:   carts,
		DB:     client,
		Outbox: emitter,
		Logger: logger.Nop(),
		Policy: cart.PolicyFromConfig(testConfig),
	})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		DB:        client,
		Carts:     carts,
		Machine:   machine,
		Catalog:   product.NewRepository(client.DB()),
		Orders:    orders.NewRepository(client.DB()),
		Inventory: stock,
		Payments:  pay,
		Outbox:    emitter,
		Logger:    logger.Nop(),
		Config:    testConfig,
	})
	require.NoError(t, err)
	return &fixture{client: client, svc: svc.(*service), gateway: gateway}
}

// seedVariant stores a sellable variant. counter is the cached stock_count,
// available the authoritative inventory.
func (f *fixture) seedVariant(t *testing.T, name, price, list string, counter, available int) *models.ProductVariant {
	t.Helper()
	p := &models.Product{Name: name, Status: enums.ProductStatusActive}
	require.NoError(t, f.client.DB().Create(p).Error)
	v := &models.ProductVariant{
		ProductID:  p.ID,
		Name:       "Standard",
		Price:      decimal.RequireFromString(price),
		ListPrice:  decimal.RequireFromString(list),
		Status:     enums.VariantStatusActive,
		StockCount: counter,
	}
	require.NoError(t, f.client.DB().Create(v).Error)
	require.NoError(t, f.client.DB().Create(&models.InventoryItem{VariantID: v.ID, AvailableQty: available}).Error)
	return v
}

func (f *fixture) seedCart(t *testing.T, owner cart.Owner, updatedAt time.Time, lines map[uuid.UUID]int) *models.Cart {
	t.Helper()
	record := &models.Cart{
		OwnerUserID: owner.UserID,
		SessionID:   owner.SessionID,
		Status:      enums.CartStatusActive,
		ExpiresAt:   updatedAt.Add(time.Hour),
		CreatedAt:   updatedAt,
		UpdatedAt:   updatedAt,
	}
	require.NoError(t, f.client.DB().Create(record).Error)
	for variantID, qty := range lines {
		require.NoError(t, f.client.DB().Create(&models.CartItem{CartID: record.ID, VariantID: variantID, Quantity: qty}).Error)
	}
	return record
}

func (f *fixture) reloadCart(t *testing.T, id uuid.UUID) models.Cart {
	t.Helper()
	var record models.Cart
	require.NoError(t, f.client.DB().First(&record, "id = ?", id).Error)
	return record
}

func (f *fixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.client.DB().Model(model).Count(&n).Error)
	return n
}

func (f *fixture) available(t *testing.T, variantID uuid.UUID) int {
	t.Helper()
	var item models.InventoryItem
	require.NoError(t, f.client.DB().First(&item, "variant_id = ?", variantID).Error)
	return item.AvailableQty
}

var buyer = Input{Email: "buyer@example.com", Name: "Ada"}

func TestCheckoutCreatesOrderReservesAndOpensAttempt(t *testing.T) {
	f := newFixture(t)
	a := f.seedVariant(t, "Starfield", "80", "120", 10, 10)
	b := f.seedVariant(t, "Hades", "50", "50", 10, 10)
	owner := cart.UserOwner(uuid.New())
	record := f.seedCart(t, owner, time.Now().UTC(), map[uuid.UUID]int{a.ID: 2, b.ID: 1})

	res, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.NotEmpty(t, res.CheckoutURL)
	require.NotEmpty(t, res.PaymentLinkID)
	require.WithinDuration(t, time.Now().UTC().Add(5*time.Minute), res.ExpiresAt, 5*time.Second)

	var order models.Order
	require.NoError(t, f.client.DB().Preload("Details").First(&order, "id = ?", res.OrderID).Error)
	require.Equal(t, enums.OrderStatusPendingPayment, order.Status)
	require.Equal(t, "290.00", order.TotalAmount.StringFixed(2))
	require.Equal(t, "80.00", order.DiscountAmount.StringFixed(2))
	require.Equal(t, "210.00", order.FinalAmount.StringFixed(2))
	require.Equal(t, "buyer@example.com", order.ContactEmail)
	require.Len(t, order.Details, 2)

	converted := f.reloadCart(t, record.ID)
	require.Equal(t, enums.CartStatusConverted, converted.Status)
	require.NotNil(t, converted.OrderID)
	require.Equal(t, res.OrderID, *converted.OrderID)

	require.Equal(t, 8, f.available(t, a.ID))
	require.Equal(t, 9, f.available(t, b.ID))
	var holds []models.InventoryReservation
	require.NoError(t, f.client.DB().Find(&holds, "order_id = ?", res.OrderID).Error)
	require.Len(t, holds, 2)
	for _, hold := range holds {
		require.Equal(t, enums.ReservationStatusActive, hold.Status)
		require.WithinDuration(t, time.Now().UTC().Add(5*time.Minute), hold.ExpiresAt, 5*time.Second)
	}

	var attempt models.Payment
	require.NoError(t, f.client.DB().First(&attempt, "id = ?", res.PaymentID).Error)
	require.Equal(t, enums.PaymentStatusPending, attempt.Status)
	require.True(t, attempt.Amount.Equal(order.FinalAmount))

	var events int64
	require.NoError(t, f.client.DB().Model(&models.OutboxEvent{}).
		Where("event_type = ? AND aggregate_id = ?", enums.EventOrderCreated, res.OrderID).
		Count(&events).Error)
	require.EqualValues(t, 1, events)
}

func TestCheckoutReplayReturnsSameOrder(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, "Hades", "25", "30", 5, 5)
	owner := cart.SessionOwner(uuid.New())
	f.seedCart(t, owner, time.Now().UTC(), map[uuid.UUID]int{v.ID: 1})

	first, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.NoError(t, err)
	second, err := f.svc.Checkout(context.Background(), owner, Input{})
	require.NoError(t, err)

	require.True(t, second.Replayed)
	require.Equal(t, first.OrderID, second.OrderID)
	require.Equal(t, first.PaymentID, second.PaymentID)
	require.NotEmpty(t, second.CheckoutURL)
	require.EqualValues(t, 1, f.count(t, &models.Order{}))
	require.Equal(t, 4, f.available(t, v.ID))
}

func TestCheckoutReplayDegradesToEmptyURL(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, "Hades", "25", "30", 5, 5)
	owner := cart.UserOwner(uuid.New())
	f.seedCart(t, owner, time.Now().UTC(), map[uuid.UUID]int{v.ID: 1})

	first, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.NoError(t, err)

	// The live attempt lapses and the gateway refuses a new link.
	require.NoError(t, f.client.DB().Model(&models.Payment{}).
		Where("id = ?", first.PaymentID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)
	f.gateway.createErr = errors.New("gateway down")

	second, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.OrderID, second.OrderID)
	require.Empty(t, second.CheckoutURL)
}

func TestCheckoutConcurrentCallsConvertOnce(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, "Hades", "25", "30", 50, 50)
	owner := cart.UserOwner(uuid.New())
	f.seedCart(t, owner, time.Now().UTC(), map[uuid.UUID]int{v.ID: 2})

	const callers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		orderID = map[uuid.UUID]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Checkout(context.Background(), owner, buyer)
			if err != nil {
				if !pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			orderID[res.OrderID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, orderID, 1)
	require.EqualValues(t, 1, f.count(t, &models.Order{}))
	require.Equal(t, 48, f.available(t, v.ID))
	require.Equal(t, 1, f.gateway.created)
}

func TestCheckoutInsufficientStockRollsBack(t *testing.T) {
	f := newFixture(t)
	plenty := f.seedVariant(t, "Hades", "25", "30", 10, 10)
	// The cached counter claims 5 but only 1 unit is really left.
	scarce := f.seedVariant(t, "Starfield", "60", "70", 5, 1)
	owner := cart.UserOwner(uuid.New())
	record := f.seedCart(t, owner, time.Now().UTC(), map[uuid.UUID]int{plenty.ID: 1, scarce.ID: 2})

	_, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeBusinessRule), "got %v", err)
	require.Contains(t, err.Error(), "insufficient stock for Starfield: only 1 available")

	require.EqualValues(t, 0, f.count(t, &models.Order{}))
	require.EqualValues(t, 0, f.count(t, &models.InventoryReservation{}))
	require.EqualValues(t, 0, f.count(t, &models.Payment{}))
	require.Equal(t, 10, f.available(t, plenty.ID))
	require.Equal(t, enums.CartStatusActive, f.reloadCart(t, record.ID).Status)
}

func TestCheckoutResyncsLaggingCounter(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, "Hades", "25", "30", 0, 3)
	owner := cart.UserOwner(uuid.New())
	f.seedCart(t, owner, time.Now().UTC(), map[uuid.UUID]int{v.ID: 3})

	res, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, res.OrderID)
	require.Equal(t, 0, f.available(t, v.ID))
}

func TestCheckoutUnsellableItemAbortsWholeCart(t *testing.T) {
	f := newFixture(t)
	ok := f.seedVariant(t, "Hades", "25", "30", 10, 10)
	gone := f.seedVariant(t, "Cyberpunk", "40", "40", 10, 10)
	require.NoError(t, f.client.DB().Model(&models.Product{}).
		Where("id = ?", gone.ProductID).
		Update("status", enums.ProductStatusArchived).Error)
	owner := cart.UserOwner(uuid.New())
	record := f.seedCart(t, owner, time.Now().UTC(), map[uuid.UUID]int{ok.ID: 1, gone.ID: 1})

	_, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeBusinessRule), "got %v", err)
	require.Contains(t, err.Error(), "Cyberpunk")
	require.EqualValues(t, 0, f.count(t, &models.Order{}))
	require.Equal(t, enums.CartStatusActive, f.reloadCart(t, record.ID).Status)
}

func TestCheckoutGatewayFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, "Hades", "25", "30", 10, 10)
	owner := cart.UserOwner(uuid.New())
	record := f.seedCart(t, owner, time.Now().UTC(), map[uuid.UUID]int{v.ID: 2})
	f.gateway.createErr = errors.New("gateway down")

	_, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency), "got %v", err)
	require.EqualValues(t, 0, f.count(t, &models.Order{}))
	require.EqualValues(t, 0, f.count(t, &models.InventoryReservation{}))
	require.Equal(t, 10, f.available(t, v.ID))
	require.Equal(t, enums.CartStatusActive, f.reloadCart(t, record.ID).Status)

	f.gateway.createErr = nil
	res, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.NoError(t, err)
	require.NotEmpty(t, res.CheckoutURL)
}

func TestCheckoutRejectsEmptyOrMissingCart(t *testing.T) {
	f := newFixture(t)
	owner := cart.UserOwner(uuid.New())

	_, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)

	record := f.seedCart(t, owner, time.Now().UTC(), nil)
	_, err = f.svc.Checkout(context.Background(), owner, buyer)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
	require.Equal(t, enums.CartStatusActive, f.reloadCart(t, record.ID).Status)
}

func TestCheckoutExpiredCart(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, "Hades", "25", "30", 10, 10)
	owner := cart.SessionOwner(uuid.New())
	record := f.seedCart(t, owner, time.Now().UTC().Add(-8*24*time.Hour), map[uuid.UUID]int{v.ID: 1})

	_, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
	require.Contains(t, err.Error(), "cart expired")
	require.Equal(t, enums.CartStatusExpired, f.reloadCart(t, record.ID).Status)
}

func TestCheckoutRequiresBuyerEmail(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, "Hades", "25", "30", 10, 10)
	owner := cart.UserOwner(uuid.New())
	record := f.seedCart(t, owner, time.Now().UTC(), map[uuid.UUID]int{v.ID: 1})

	_, err := f.svc.Checkout(context.Background(), owner, Input{})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
	require.Equal(t, enums.CartStatusActive, f.reloadCart(t, record.ID).Status)

	res, err := f.svc.Checkout(context.Background(), owner, Input{AccountEmail: "account@example.com"})
	require.NoError(t, err)
	var order models.Order
	require.NoError(t, f.client.DB().First(&order, "id = ?", res.OrderID).Error)
	require.Equal(t, "account@example.com", order.ContactEmail)
}

func TestCheckoutConvertingCart(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, "Hades", "25", "30", 10, 10)
	owner := cart.UserOwner(uuid.New())
	record := f.seedCart(t, owner, time.Now().UTC(), map[uuid.UUID]int{v.ID: 1})

	require.NoError(t, f.client.DB().Model(&models.Cart{}).Where("id = ?", record.ID).
		Updates(map[string]any{"status": enums.CartStatusConverting, "updated_at": time.Now().UTC()}).Error)
	_, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)

	// An abandoned claim is recovered and the checkout goes through.
	require.NoError(t, f.client.DB().Model(&models.Cart{}).Where("id = ?", record.ID).
		Update("updated_at", time.Now().UTC().Add(-10*time.Minute)).Error)
	res, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, enums.CartStatusConverted, f.reloadCart(t, record.ID).Status)
}

func TestCheckoutWaitHonorsContext(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, "Celeste", "20", "20", 5, 5)
	owner := cart.UserOwner(uuid.New())
	record := f.seedCart(t, owner, time.Now().UTC(), map[uuid.UUID]int{v.ID: 1})
	require.NoError(t, f.svc.sem.Acquire(context.Background(), 1))
	defer f.svc.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.svc.Checkout(ctx, owner, buyer)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)
	require.Equal(t, enums.CartStatusActive, f.reloadCart(t, record.ID).Status)
}

func TestCheckoutReplayDoesNotWaitForWriters(t *testing.T) {
	f := newFixture(t)
	v := f.seedVariant(t, "Celeste", "20", "20", 5, 5)
	owner := cart.UserOwner(uuid.New())
	f.seedCart(t, owner, time.Now().UTC(), map[uuid.UUID]int{v.ID: 1})
	first, err := f.svc.Checkout(context.Background(), owner, buyer)
	require.NoError(t, err)

	require.NoError(t, f.svc.sem.Acquire(context.Background(), 1))
	defer f.svc.sem.Release(1)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	again, err := f.svc.Checkout(ctx, owner, buyer)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.OrderID, again.OrderID)

	_, err = f.svc.Checkout(ctx, cart.UserOwner(uuid.New()), buyer)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "empty carts are rejected before the write phase, got %v", err)
}
