package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/internal/cart"
	"github.com/angelmondragon/keymarket-backend/internal/inventory"
	"github.com/angelmondragon/keymarket-backend/internal/orders"
	"github.com/angelmondragon/keymarket-backend/internal/payments"
	product "github.com/angelmondragon/keymarket-backend/internal/products"
	"github.com/angelmondragon/keymarket-backend/pkg/config"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/metrics"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type claimMachine interface {
	Claim(ctx context.Context, cartID uuid.UUID) (bool, error)
	Commit(ctx context.Context, tx *gorm.DB, cartID, orderID uuid.UUID) error
	ReleaseClaim(ctx context.Context, cartID uuid.UUID) error
	RecoverStale(ctx context.Context, c *models.Cart, recoveredBy string) (bool, error)
	ExpireIfIdle(ctx context.Context, c *models.Cart) (bool, error)
}

type attemptOpener interface {
	Open(ctx context.Context, tx *gorm.DB, order *models.Order, buyer payments.Buyer, urls payments.URLs) (*payments.Checkout, error)
	Replace(ctx context.Context, order *models.Order, buyer payments.Buyer, urls payments.URLs) (*payments.Checkout, error)
}

// Service converts a shopper's cart into an order with an open payment attempt.
type Service interface {
	Checkout(ctx context.Context, owner cart.Owner, input Input) (*Result, error)
}

// Input carries the buyer contact and redirect targets. AccountEmail is the
// signed-in identity's address, used when Email is blank.
type Input struct {
	Email        string
	AccountEmail string
	Name         string
	Phone        string
	ReturnURL    string
	CancelURL    string
}

// Result is what the caller needs to send the buyer to the hosted payment page.
// CheckoutURL is empty when a replayed order has no usable link.
type Result struct {
	OrderID       uuid.UUID
	PaymentID     uuid.UUID
	CheckoutURL   string
	PaymentLinkID string
	ExpiresAt     time.Time
	Status        enums.OrderStatus
	Replayed      bool
}

// ServiceParams wires the orchestrator.
type ServiceParams struct {
	DB        txRunner
	Carts     cart.CartRepository
	Machine   claimMachine
	Catalog   *product.Repository
	Orders    *orders.Repository
	Inventory inventory.Port
	Payments  attemptOpener
	Outbox    outbox.Emitter
	Logger    *logger.Logger
	Metrics   *metrics.CheckoutMetrics
	Config    config.CheckoutConfig
}

type service struct {
	db        txRunner
	carts     cart.CartRepository
	machine   claimMachine
	catalog   *product.Repository
	orders    *orders.Repository
	inventory inventory.Port
	payments  attemptOpener
	outbox    outbox.Emitter
	logg      *logger.Logger
	metrics   *metrics.CheckoutMetrics
	cfg       config.CheckoutConfig
	sem       *semaphore.Weighted
	now       func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("transaction runner required")
	case params.Carts == nil:
		return nil, fmt.Errorf("cart repository required")
	case params.Machine == nil:
		return nil, fmt.Errorf("cart state machine required")
	case params.Catalog == nil:
		return nil, fmt.Errorf("catalog repository required")
	case params.Orders == nil:
		return nil, fmt.Errorf("orders repository required")
	case params.Inventory == nil:
		return nil, fmt.Errorf("inventory port required")
	case params.Payments == nil:
		return nil, fmt.Errorf("payment service required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.Config.PaymentTimeout <= 0:
		return nil, fmt.Errorf("payment timeout must be positive")
	}
	return &service{
		db:        params.DB,
		carts:     params.Carts,
		machine:   params.Machine,
		catalog:   params.Catalog,
		orders:    params.Orders,
		inventory: params.Inventory,
		payments:  params.Payments,
		outbox:    params.Outbox,
		logg:      params.Logger,
		metrics:   params.Metrics,
		cfg:       params.Config,
		sem:       semaphore.NewWeighted(1),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Checkout(ctx context.Context, owner cart.Owner, input Input) (res *Result, err error) {
	started := time.Now()
	defer func() {
		s.metrics.ObserveCheckout(outcome(res, err), time.Since(started))
	}()

	if err := owner.Validate(); err != nil {
		return nil, err
	}
	// A lost claim is re-read once: the winner has either converted the cart
	// (replay) or still holds it (conflict).
	for round := 0; round < 2; round++ {
		record, err := s.carts.FindCurrent(ctx, owner)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
		}
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load cart")
		}
		ctx = s.logg.WithCartID(ctx, record.ID.String())

		switch record.Status {
		case enums.CartStatusConverted:
			if record.OrderID == nil {
				return nil, pkgerrors.New(pkgerrors.CodeInternal, "converted cart has no order")
			}
			return s.replay(ctx, *record.OrderID, input), nil
		case enums.CartStatusConverting:
			recovered, err := s.machine.RecoverStale(ctx, record, "checkout")
			if err != nil {
				return nil, err
			}
			if !recovered {
				return nil, pkgerrors.New(pkgerrors.CodeConflict, "cart is already being checked out")
			}
		}

		expired, err := s.machine.ExpireIfIdle(ctx, record)
		if err != nil {
			return nil, err
		}
		if expired {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart expired")
		}

		won, err := s.machine.Claim(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		if won {
			return s.convert(ctx, owner, record, input)
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeConflict, "cart is already being checked out")
}

// replay answers a repeated checkout for an already converted cart. Every
// failure here degrades to an empty checkout URL.
func (s *service) replay(ctx context.Context, orderID uuid.UUID, input Input) *Result {
	res := &Result{OrderID: orderID, Replayed: true}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "checkout replay could not load order")
		return res
	}
	res.Status = order.Status
	opened, err := s.payments.Replace(ctx, order, buyerFor(order), urlsFor(input))
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "checkout replay could not refresh payment")
		return res
	}
	if opened != nil {
		fill(res, opened)
	}
	return res
}

// convert runs on a claimed cart. The claim is handed back unless the order
// commits.
func (s *service) convert(ctx context.Context, owner cart.Owner, record *models.Cart, input Input) (*Result, error) {
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := s.machine.ReleaseClaim(context.WithoutCancel(ctx), record.ID); err != nil {
			s.logg.Error(ctx, "release cart claim", err)
		}
	}()

	items, err := s.carts.ListItems(ctx, record.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list cart items")
	}
	if len(items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
	}
	email := input.Email
	if email == "" {
		email = input.AccountEmail
	}
	if email == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer email is required")
	}

	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.VariantID)
	}

	// Only the write phase is serialized; the claim already guarantees a
	// single converter per cart.
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "checkout is busy, retry")
	}
	defer s.sem.Release(1)

	var (
		order  *models.Order
		opened *payments.Checkout
	)
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		variants, err := s.catalog.WithTx(tx).LoadVariants(ctx, ids)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load variants")
		}
		details, totals, err := Reprice(items, variants)
		if err != nil {
			return err
		}
		stock := s.inventory.WithTx(tx)
		if err := checkStock(ctx, stock, items, variants); err != nil {
			return err
		}

		order = &models.Order{
			OwnerUserID:    owner.UserID,
			SessionID:      owner.SessionID,
			CartID:         record.ID,
			ContactEmail:   email,
			ContactName:    optional(input.Name),
			ContactPhone:   optional(input.Phone),
			TotalAmount:    totals.Total,
			DiscountAmount: totals.Discount,
			FinalAmount:    totals.Final,
			Currency:       s.cfg.Currency,
			Status:         enums.OrderStatusPendingPayment,
			Details:        details,
		}
		if owner.IsRegistered() {
			order.SessionID = nil
		}
		if err := s.orders.WithTx(tx).Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create order")
		}

		now := s.now()
		lines := make([]inventory.Line, 0, len(items))
		for _, item := range items {
			lines = append(lines, inventory.Line{VariantID: item.VariantID, Qty: item.Quantity})
		}
		if err := stock.ReserveForOrder(ctx, order.ID, lines, now, now.Add(s.cfg.PaymentTimeout)); err != nil {
			return shortage(err, variants)
		}
		if err := s.machine.Commit(ctx, tx, record.ID, order.ID); err != nil {
			return err
		}
		opened, err = s.payments.Open(ctx, tx, order, buyerOf(email, input), urlsFor(input))
		if err != nil {
			return err
		}
		return outbox.EmitIfSet(ctx, s.outbox, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{UserID: owner.UserID, SessionID: owner.SessionID, Role: actorRole(owner)},
			Data: payloads.OrderCreatedEvent{
				OrderID:     order.ID,
				CartID:      record.ID,
				OwnerUserID: order.OwnerUserID,
				PaymentID:   opened.Payment.ID,
				Total:       totals.Total.StringFixed(2),
				Discount:    totals.Discount.StringFixed(2),
				FinalAmount: totals.Final.StringFixed(2),
				Currency:    order.Currency,
				ItemCount:   len(details),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	committed = true

	res := &Result{OrderID: order.ID, Status: order.Status}
	fill(res, opened)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"order_id":     order.ID.String(),
		"payment_id":   res.PaymentID.String(),
		"final_amount": order.FinalAmount.StringFixed(2),
	}), "checkout created order")
	return res, nil
}

// checkStock compares each line against the cached counter, resyncing a short
// variant once before giving up.
func checkStock(ctx context.Context, stock inventory.Port, items []models.CartItem, variants map[uuid.UUID]*models.ProductVariant) error {
	for _, item := range items {
		variant := variants[item.VariantID]
		if variant.StockCount >= item.Quantity {
			continue
		}
		available, err := stock.ResyncStock(ctx, variant.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resync stock")
		}
		variant.StockCount = available
		if available < item.Quantity {
			return insufficient(variant, available)
		}
	}
	return nil
}

func shortage(err error, variants map[uuid.UUID]*models.ProductVariant) error {
	var short *inventory.ShortageError
	if errors.As(err, &short) {
		if variant, ok := variants[short.VariantID]; ok {
			return insufficient(variant, short.Available)
		}
		return pkgerrors.Newf(pkgerrors.CodeBusinessRule, "insufficient stock: only %d available", short.Available)
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reserve inventory")
}

func insufficient(variant *models.ProductVariant, available int) error {
	if available < 0 {
		available = 0
	}
	return pkgerrors.Newf(pkgerrors.CodeBusinessRule, "insufficient stock for %s: only %d available", productName(variant), available)
}

func fill(res *Result, opened *payments.Checkout) {
	res.CheckoutURL = opened.CheckoutURL
	if opened.Payment == nil {
		return
	}
	res.PaymentID = opened.Payment.ID
	res.ExpiresAt = opened.Payment.ExpiresAt
	if opened.Payment.PaymentLinkID != nil {
		res.PaymentLinkID = *opened.Payment.PaymentLinkID
	}
}

func buyerOf(email string, input Input) payments.Buyer {
	return payments.Buyer{Email: email, Name: input.Name, Phone: input.Phone}
}

func buyerFor(order *models.Order) payments.Buyer {
	buyer := payments.Buyer{Email: order.ContactEmail}
	if order.ContactName != nil {
		buyer.Name = *order.ContactName
	}
	if order.ContactPhone != nil {
		buyer.Phone = *order.ContactPhone
	}
	return buyer
}

func urlsFor(input Input) payments.URLs {
	return payments.URLs{Return: input.ReturnURL, Cancel: input.CancelURL}
}

func actorRole(owner cart.Owner) string {
	if owner.IsRegistered() {
		return "buyer"
	}
	return "anonymous"
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func outcome(res *Result, err error) string {
	switch {
	case err == nil && res != nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "created"
	case pkgerrors.IsCode(err, pkgerrors.CodeConflict):
		return "conflict"
	case pkgerrors.IsCode(err, pkgerrors.CodeValidation):
		return "validation"
	case pkgerrors.IsCode(err, pkgerrors.CodeBusinessRule):
		return "business_rule"
	case pkgerrors.IsCode(err, pkgerrors.CodeDependency):
		return "dependency"
	default:
		return "error"
	}
}
