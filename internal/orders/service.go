package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/internal/cart"
	"github.com/angelmondragon/keymarket-backend/internal/inventory"
	"github.com/angelmondragon/keymarket-backend/internal/payments"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/keymarket-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// PaymentAttempts is the slice of the payment lifecycle order reads and
// overrides rely on.
type PaymentAttempts interface {
	Replace(ctx context.Context, order *models.Order, buyer payments.Buyer, urls payments.URLs) (*payments.Checkout, error)
	Attempts(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error)
	AttemptsFor(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID][]models.Payment, error)
	HasReviewTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (bool, error)
	SettlePendingTx(ctx context.Context, tx *gorm.DB, orderID, keep uuid.UUID, to enums.PaymentStatus, note string) ([]string, error)
	CancelLinks(ctx context.Context, linkIDs []string, reason string)
}

// Actor is the administrator performing an override.
type Actor struct {
	UserID uuid.UUID
	Role   enums.Role
}

// Detail is an order as shown to its owner or an administrator.
type Detail struct {
	Order         *models.Order
	DisplayStatus enums.OrderStatus
	Payment       *models.Payment
	CheckoutURL   string
}

// Summary is one row of an order listing.
type Summary struct {
	Order         models.Order
	DisplayStatus enums.OrderStatus
	PaymentStatus *enums.PaymentStatus
}

// Page is a page of summaries plus the cursor of the next one.
type Page struct {
	Orders     []Summary
	NextCursor string
}

// ListParams are the raw listing inputs from a controller.
type ListParams struct {
	Limit  int
	Cursor string
	Status string
}

// OverrideResult is returned after a successful override.
type OverrideResult struct {
	OrderID uuid.UUID
	Status  enums.OrderStatus
}

type Service interface {
	Get(ctx context.Context, owner cart.Owner, orderID uuid.UUID, urls payments.URLs) (*Detail, error)
	List(ctx context.Context, owner cart.Owner, params ListParams) (*Page, error)
	AdminGet(ctx context.Context, orderID uuid.UUID) (*Detail, error)
	AdminList(ctx context.Context, params ListParams) (*Page, error)
	OverrideStatus(ctx context.Context, actor Actor, orderID uuid.UUID, target enums.OrderStatus, note string) (*OverrideResult, error)
}

type ServiceParams struct {
	Repo      *Repository
	DB        txRunner
	Payments  PaymentAttempts
	Inventory inventory.Port
	Outbox    outbox.Emitter
	Logger    *logger.Logger
}

type service struct {
	repo      *Repository
	db        txRunner
	payments  PaymentAttempts
	inventory inventory.Port
	outbox    outbox.Emitter
	logg      *logger.Logger
	now       func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payment attempts required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("inventory port required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:      params.Repo,
		db:        params.DB,
		payments:  params.Payments,
		inventory: params.Inventory,
		outbox:    params.Outbox,
		logg:      params.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Get returns the owner's order. A pending_payment order gets a fresh
// checkout URL; failing to obtain one leaves the URL empty.
func (s *service) Get(ctx context.Context, owner cart.Owner, orderID uuid.UUID, urls payments.URLs) (*Detail, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	order, err := s.repo.FindForOwner(ctx, owner, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	checkoutURL := ""
	if order.Status == enums.OrderStatusPendingPayment {
		checkoutURL = s.refreshCheckout(ctx, order, urls)
	}
	return s.detail(ctx, order, checkoutURL)
}

func (s *service) AdminGet(ctx context.Context, orderID uuid.UUID) (*Detail, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	return s.detail(ctx, order, "")
}

func (s *service) refreshCheckout(ctx context.Context, order *models.Order, urls payments.URLs) string {
	buyer := payments.Buyer{Email: order.ContactEmail}
	if order.ContactName != nil {
		buyer.Name = *order.ContactName
	}
	if order.ContactPhone != nil {
		buyer.Phone = *order.ContactPhone
	}
	checkout, err := s.payments.Replace(ctx, order, buyer, urls)
	if err != nil {
		s.logg.Warn(s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
			"error": err.Error(),
		}), "checkout url unavailable")
		return ""
	}
	if checkout == nil {
		return ""
	}
	return checkout.CheckoutURL
}

func (s *service) detail(ctx context.Context, order *models.Order, checkoutURL string) (*Detail, error) {
	attempts, err := s.payments.Attempts(ctx, order.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment attempts")
	}
	rep := payments.Representative(attempts)
	var attemptStatus *enums.PaymentStatus
	if rep != nil {
		attemptStatus = &rep.Status
	}
	return &Detail{
		Order:         order,
		DisplayStatus: DisplayStatus(order.Status, attemptStatus),
		Payment:       rep,
		CheckoutURL:   checkoutURL,
	}, nil
}

func (s *service) List(ctx context.Context, owner cart.Owner, params ListParams) (*Page, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	query, err := buildQuery(params)
	if err != nil {
		return nil, err
	}
	rows, next, err := s.repo.ListForOwner(ctx, owner, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list orders")
	}
	return s.page(ctx, rows, next)
}

func (s *service) AdminList(ctx context.Context, params ListParams) (*Page, error) {
	query, err := buildQuery(params)
	if err != nil {
		return nil, err
	}
	rows, next, err := s.repo.ListAll(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list orders")
	}
	return s.page(ctx, rows, next)
}

func buildQuery(params ListParams) (ListQuery, error) {
	query := ListQuery{Limit: params.Limit}
	if params.Cursor != "" {
		cursor, err := pagination.Decode(params.Cursor)
		if err != nil {
			return ListQuery{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.Cursor = cursor
	}
	if params.Status != "" {
		status, err := enums.ParseOrderStatus(params.Status)
		if err != nil {
			return ListQuery{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter")
		}
		query.Status = &status
	}
	return query, nil
}

func (s *service) page(ctx context.Context, rows []models.Order, next *pagination.Cursor) (*Page, error) {
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	grouped, err := s.payments.AttemptsFor(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment attempts")
	}
	out := &Page{Orders: make([]Summary, 0, len(rows))}
	for _, row := range rows {
		summary := Summary{Order: row}
		if rep := payments.Representative(grouped[row.ID]); rep != nil {
			status := rep.Status
			summary.PaymentStatus = &status
		}
		summary.DisplayStatus = DisplayStatus(row.Status, summary.PaymentStatus)
		out.Orders = append(out.Orders, summary)
	}
	if next != nil {
		out.NextCursor = next.Encode()
	}
	return out, nil
}

// OverrideStatus settles an order awaiting manual action as paid or
// cancelled. Attempts still in review must be resolved first.
func (s *service) OverrideStatus(ctx context.Context, actor Actor, orderID uuid.UUID, target enums.OrderStatus, note string) (*OverrideResult, error) {
	if actor.Role != enums.RoleAdmin {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	if target != enums.OrderStatusPaid && target != enums.OrderStatusCancelled {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "target status must be paid or cancelled")
	}

	var retire []string
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, orderID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		if err != nil {
			return err
		}
		if order.Status != enums.OrderStatusNeedsManualAction {
			return pkgerrors.New(pkgerrors.CodeValidation, "order is not awaiting manual action")
		}
		inReview, err := s.payments.HasReviewTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if inReview {
			return pkgerrors.New(pkgerrors.CodeConflict, "order has a payment awaiting review")
		}

		now := s.now()
		var adminNote *string
		if note != "" {
			adminNote = &note
		}
		ok, err := repo.Override(ctx, orderID, target, adminNote, now)
		if err != nil {
			return err
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "order changed while overriding")
		}

		stock := s.inventory.WithTx(tx)
		attemptStatus := enums.PaymentStatusCancelled
		if target == enums.OrderStatusPaid {
			attemptStatus = enums.PaymentStatusDupCancelled
			err = stock.FinalizeReservation(ctx, orderID, now)
		} else {
			err = stock.ReleaseReservation(ctx, orderID, now)
		}
		if err != nil {
			return fmt.Errorf("settle reservation: %w", err)
		}
		retire, err = s.payments.SettlePendingTx(ctx, tx, orderID, uuid.Nil, attemptStatus, "order overridden to "+string(target))
		if err != nil {
			return err
		}

		actorID := actor.UserID
		return outbox.EmitIfSet(ctx, s.outbox, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderStatusOverridden,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Actor:         &outbox.ActorRef{UserID: &actorID, Role: string(actor.Role)},
			Data: payloads.OrderStatusOverriddenEvent{
				OrderID:    orderID,
				From:       enums.OrderStatusNeedsManualAction,
				To:         target,
				AdminNote:  note,
				OverrideBy: &actorID,
			},
		})
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "override order status")
	}

	s.payments.CancelLinks(ctx, retire, "order overridden")
	s.logg.Info(s.logg.WithFields(s.logg.WithOrderID(ctx, orderID.String()), map[string]any{
		"actor_id": actor.UserID.String(),
		"to":       target,
	}), "order status overridden")
	return &OverrideResult{OrderID: orderID, Status: target}, nil
}
