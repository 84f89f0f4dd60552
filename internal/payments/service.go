package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/internal/inventory"
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

// RefDecoder opens the order reference echoed back by the gateway.
type RefDecoder interface {
	Open(ref string) (uuid.UUID, error)
}

type ServiceParams struct {
	Repo      *Repository
	DB        txRunner
	Gateway   Gateway
	Inventory inventory.Port
	Refs      RefDecoder
	Outbox    outbox.Emitter
	Logger    *logger.Logger
	Metrics   *metrics.CheckoutMetrics
	Config    config.CheckoutConfig
}

type Service struct {
	repo      *Repository
	db        txRunner
	gateway   Gateway
	inventory inventory.Port
	refs      RefDecoder
	outbox    outbox.Emitter
	logg      *logger.Logger
	metrics   *metrics.CheckoutMetrics
	cfg       config.CheckoutConfig
	now       func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("payment repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("inventory port required")
	}
	if params.Refs == nil {
		return nil, fmt.Errorf("order reference decoder required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Config.PaymentTimeout <= 0 {
		return nil, fmt.Errorf("payment timeout must be positive")
	}
	return &Service{
		repo:      params.Repo,
		db:        params.DB,
		gateway:   params.Gateway,
		inventory: params.Inventory,
		refs:      params.Refs,
		outbox:    params.Outbox,
		logg:      params.Logger,
		metrics:   params.Metrics,
		cfg:       params.Config,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Checkout is an attempt plus the URL the buyer should be sent to. An empty
// URL means the gateway could not provide one right now.
type Checkout struct {
	Payment     *models.Payment
	CheckoutURL string
}

// Open creates a pending attempt for order inside tx and asks the gateway for
// its hosted page. A gateway failure aborts tx.
func (s *Service) Open(ctx context.Context, tx *gorm.DB, order *models.Order, buyer Buyer, urls URLs) (*Checkout, error) {
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}
	now := s.now()
	urls = s.withDefaults(urls)
	attempt := &models.Payment{
		Amount:     order.FinalAmount,
		Currency:   order.Currency,
		Status:     enums.PaymentStatusPending,
		TargetType: enums.PaymentTargetOrder,
		TargetID:   order.ID,
		ExpiresAt:  now.Add(s.cfg.PaymentTimeout),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if attempt.Currency == "" {
		attempt.Currency = s.cfg.Currency
	}
	repo := s.repo.WithTx(tx)
	if err := repo.Create(ctx, attempt); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create payment attempt")
	}
	link, err := s.gateway.CreateOrRefreshLink(ctx, attempt, buyer, urls.Return, urls.Cancel)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment link")
	}
	if err := repo.SetLink(ctx, attempt.ID, *link, now); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store payment link")
	}
	attempt.ProviderOrderCode = optional(link.ProviderOrderCode)
	attempt.PaymentLinkID = optional(link.PaymentLinkID)
	attempt.CheckoutURL = optional(link.CheckoutURL)
	return &Checkout{Payment: attempt, CheckoutURL: link.CheckoutURL}, nil
}

// Replace hands back a usable checkout for a pending_payment order. A pending
// attempt inside its window is reused; otherwise it is marked replaced and a
// new one opened, stretching the reservation to the new window. Orders that
// left pending_payment, or that have an attempt in review, get no checkout.
func (s *Service) Replace(ctx context.Context, order *models.Order, buyer Buyer, urls URLs) (*Checkout, error) {
	if order == nil || order.Status != enums.OrderStatusPendingPayment {
		return nil, nil
	}
	attempts, err := s.repo.ListForOrder(ctx, order.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment attempts")
	}
	var current *models.Payment
	for i := range attempts {
		switch {
		case attempts[i].Status.IsPaidLike(), attempts[i].Status == enums.PaymentStatusNeedReview:
			return nil, nil
		case attempts[i].Status == enums.PaymentStatusPending && current == nil:
			current = &attempts[i]
		}
	}

	now := s.now()
	if current != nil && current.WithinWindow(now) {
		if reused, ok := s.reuse(ctx, current); ok {
			return reused, nil
		}
	}

	var (
		opened  *Checkout
		oldLink string
	)
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if current != nil {
			note := "replaced by a fresh payment link"
			ok, err := repo.Transition(ctx, current.ID, enums.PaymentStatusPending, enums.PaymentStatusReplaced, &note, now)
			if err != nil {
				return err
			}
			if !ok {
				return pkgerrors.New(pkgerrors.CodeConflict, "payment attempt changed concurrently")
			}
			oldLink = deref(current.PaymentLinkID)
		}
		next, err := s.Open(ctx, tx, order, buyer, urls)
		if err != nil {
			return err
		}
		if err := s.inventory.WithTx(tx).ExtendReservation(ctx, order.ID, next.Payment.ExpiresAt, now); err != nil {
			return fmt.Errorf("extend reservation: %w", err)
		}
		if current != nil {
			if err := outbox.EmitIfSet(ctx, s.outbox, tx, outbox.DomainEvent{
				EventType:     enums.EventPaymentReplaced,
				AggregateType: enums.AggregatePayment,
				AggregateID:   next.Payment.ID,
				Actor:         outbox.SystemActor,
				Data: payloads.PaymentReplacedEvent{
					OrderID:       order.ID,
					PreviousID:    current.ID,
					ReplacementID: next.Payment.ID,
				},
			}); err != nil {
				return err
			}
		}
		opened = next
		return nil
	})
	if err != nil {
		if errors.Is(err, inventory.ErrReservationNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "order no longer holds stock")
		}
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "replace payment attempt")
	}
	if oldLink != "" {
		s.CancelLinks(ctx, []string{oldLink}, "replaced")
	}
	return opened, nil
}

// reuse re-fetches the live URL of a pending attempt. It reports false when the
// link is gone and the attempt must be replaced.
func (s *Service) reuse(ctx context.Context, attempt *models.Payment) (*Checkout, bool) {
	stored := deref(attempt.CheckoutURL)
	linkID := deref(attempt.PaymentLinkID)
	if linkID == "" {
		return &Checkout{Payment: attempt, CheckoutURL: stored}, stored != ""
	}
	url, err := s.gateway.GetCheckoutURL(ctx, linkID)
	switch {
	case err == nil && url != "":
		return &Checkout{Payment: attempt, CheckoutURL: url}, true
	case errors.Is(err, ErrLinkUnavailable):
		return nil, false
	case err != nil:
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"payment_id": attempt.ID.String(),
			"error":      err.Error(),
		}), "checkout url refresh failed, using stored url")
	}
	return &Checkout{Payment: attempt, CheckoutURL: stored}, true
}

// CancelLinks asks the gateway to retire links. Failures are logged only.
func (s *Service) CancelLinks(ctx context.Context, linkIDs []string, reason string) {
	for _, id := range linkIDs {
		if id == "" {
			continue
		}
		if err := s.gateway.CancelLink(ctx, id, reason); err != nil {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"payment_link_id": id,
				"reason":          reason,
				"error":           err.Error(),
			}), "payment link cancel failed")
		}
	}
}

// SettlePendingTx moves every pending attempt of the order to to inside tx and
// returns the gateway links that should be retired after commit.
func (s *Service) SettlePendingTx(ctx context.Context, tx *gorm.DB, orderID, keep uuid.UUID, to enums.PaymentStatus, note string) ([]string, error) {
	moved, err := s.repo.WithTx(tx).SettlePending(ctx, orderID, keep, to, note, s.now())
	if err != nil {
		return nil, err
	}
	links := make([]string, 0, len(moved))
	for _, attempt := range moved {
		if id := deref(attempt.PaymentLinkID); id != "" {
			links = append(links, id)
		}
	}
	return links, nil
}

// Attempts returns an order's attempts, newest first.
func (s *Service) Attempts(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	return s.repo.ListForOrder(ctx, orderID)
}

// AttemptsFor groups attempts by order id.
func (s *Service) AttemptsFor(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID][]models.Payment, error) {
	return s.repo.ListForOrders(ctx, orderIDs)
}

// HasReviewTx reports whether the order has an attempt awaiting review.
func (s *Service) HasReviewTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (bool, error) {
	return s.repo.WithTx(tx).HasStatus(ctx, orderID, enums.PaymentStatusNeedReview)
}

func (s *Service) withDefaults(urls URLs) URLs {
	if urls.Return == "" {
		urls.Return = s.cfg.DefaultReturnURL
	}
	if urls.Cancel == "" {
		urls.Cancel = s.cfg.DefaultCancelURL
	}
	return urls
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
