package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox/payloads"
)

// Signal is a gateway notification about one payment.
type Signal struct {
	ProviderOrderCode string
	PaymentLinkID     string
	OrderRef          string
	Success           bool
	Amount            *decimal.Decimal
}

// Resolution tells the caller what a signal did.
type Resolution string

const (
	ResolutionPaid       Resolution = "paid"
	ResolutionCancelled  Resolution = "cancelled"
	ResolutionNeedReview Resolution = "need_review"
	ResolutionIgnored    Resolution = "ignored"
	ResolutionUnusable   Resolution = "unusable"
)

// Outcome is the result of settling an attempt.
type Outcome struct {
	Resolution Resolution
	PaymentID  uuid.UUID
	OrderID    uuid.UUID
	// OrderMoved is set when the order itself left pending_payment.
	OrderMoved bool
}

// ResolveSignal applies a gateway signal. The attempt is matched by provider
// order code; the decoded order reference wins when the two disagree, in which
// case the code-matched attempt is parked for review and nothing else moves.
func (s *Service) ResolveSignal(ctx context.Context, signal Signal) (Outcome, error) {
	var byCode *models.Payment
	if signal.ProviderOrderCode != "" {
		found, err := s.repo.FindByProviderCode(ctx, signal.ProviderOrderCode)
		if err != nil {
			return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup payment by provider code")
		}
		byCode = found
	}
	refOrder := uuid.Nil
	if signal.OrderRef != "" {
		id, err := s.refs.Open(signal.OrderRef)
		if err != nil {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"provider_order_code": signal.ProviderOrderCode,
				"error":               err.Error(),
			}), "payment signal carries an unreadable order reference")
		} else {
			refOrder = id
		}
	}

	mismatch := byCode != nil && refOrder != uuid.Nil && byCode.TargetID != refOrder
	if mismatch && (signal.Success || byCode.Status == enums.PaymentStatusPending) {
		note := fmt.Sprintf("gateway reference names order %s but provider code %s belongs to order %s",
			refOrder, signal.ProviderOrderCode, byCode.TargetID)
		return s.park(ctx, byCode, note)
	}

	attempt := byCode
	if attempt == nil && refOrder != uuid.Nil {
		found, err := s.repo.NewestPending(ctx, refOrder)
		if err != nil {
			return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup pending payment")
		}
		attempt = found
	}
	if attempt == nil {
		s.metrics.IncSignal(string(ResolutionUnusable))
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"provider_order_code": signal.ProviderOrderCode,
			"payment_link_id":     signal.PaymentLinkID,
		}), "payment signal matches no attempt")
		return Outcome{Resolution: ResolutionUnusable}, nil
	}

	if signal.Success && signal.Amount != nil && !signal.Amount.Equal(attempt.Amount) {
		note := fmt.Sprintf("gateway reported %s but attempt expects %s",
			signal.Amount.StringFixed(2), attempt.Amount.StringFixed(2))
		return s.park(ctx, attempt, note)
	}

	if !signal.Success {
		return s.settle(ctx, attempt, enums.PaymentStatusPending, enums.PaymentStatusCancelled, "gateway reported failure")
	}
	if attempt.Status.IsClosedUnpaid() {
		return s.reopen(ctx, attempt)
	}
	return s.settle(ctx, attempt, enums.PaymentStatusPending, enums.PaymentStatusPaid, "gateway confirmed payment")
}

// reopen handles money captured on an attempt that was already closed, e.g. a
// replaced link the buyer still had open. The attempt pays the order while it
// is pending_payment; otherwise it goes to review.
func (s *Service) reopen(ctx context.Context, attempt *models.Payment) (Outcome, error) {
	order, err := s.repo.FindOrder(ctx, attempt.TargetID)
	if err != nil {
		return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	if order.Status != enums.OrderStatusPendingPayment {
		note := fmt.Sprintf("gateway confirmed payment on %s attempt after order became %s", attempt.Status, order.Status)
		return s.park(ctx, attempt, note)
	}
	note := fmt.Sprintf("gateway confirmed payment on %s attempt", attempt.Status)
	return s.settle(ctx, attempt, attempt.Status, enums.PaymentStatusPaid, note)
}

// ResolveReview settles an attempt parked for review as paid or cancelled and
// applies the same order moves a gateway signal would.
func (s *Service) ResolveReview(ctx context.Context, paymentID uuid.UUID, to enums.PaymentStatus, note string) (Outcome, error) {
	if to != enums.PaymentStatusPaid && to != enums.PaymentStatusCancelled {
		return Outcome{}, pkgerrors.New(pkgerrors.CodeValidation, "review outcome must be paid or cancelled")
	}
	attempt, err := s.repo.FindByID(ctx, paymentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Outcome{}, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	if err != nil {
		return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment")
	}
	if attempt.Status != enums.PaymentStatusNeedReview {
		return Outcome{}, pkgerrors.New(pkgerrors.CodeValidation, "payment is not awaiting review")
	}
	if note == "" {
		note = "resolved by review"
	}
	out, err := s.settle(ctx, attempt, enums.PaymentStatusNeedReview, to, note)
	if err != nil {
		return Outcome{}, err
	}
	if out.Resolution == ResolutionIgnored {
		return Outcome{}, pkgerrors.New(pkgerrors.CodeConflict, "payment review was resolved concurrently")
	}
	return out, nil
}

// park moves a pending or closed-unpaid attempt to need_review. Paid and
// already parked attempts are left alone.
func (s *Service) park(ctx context.Context, attempt *models.Payment, note string) (Outcome, error) {
	out := Outcome{Resolution: ResolutionIgnored, PaymentID: attempt.ID, OrderID: attempt.TargetID}
	from := attempt.Status
	if from != enums.PaymentStatusPending && !from.IsClosedUnpaid() {
		return out, nil
	}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := s.repo.WithTx(tx).Transition(ctx, attempt.ID, from, enums.PaymentStatusNeedReview, &note, s.now())
		if err != nil || !ok {
			return err
		}
		out.Resolution = ResolutionNeedReview
		return outbox.EmitIfSet(ctx, s.outbox, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentNeedsReview,
			AggregateType: enums.AggregatePayment,
			AggregateID:   attempt.ID,
			Actor:         outbox.SystemActor,
			Data: payloads.PaymentNeedsReviewEvent{
				PaymentID:         attempt.ID,
				OrderID:           attempt.TargetID,
				ProviderOrderCode: deref(attempt.ProviderOrderCode),
				Note:              note,
			},
		})
	})
	if err != nil {
		return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "park payment for review")
	}
	s.metrics.IncSignal(string(out.Resolution))
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"payment_id": attempt.ID.String(),
		"order_id":   attempt.TargetID.String(),
		"resolution": out.Resolution,
		"note":       note,
	}), "payment attempt needs review")
	return out, nil
}

// settle moves attempt from -> to and, while its order is still
// pending_payment, moves the order with it. A late signal only touches the
// attempt.
func (s *Service) settle(ctx context.Context, attempt *models.Payment, from, to enums.PaymentStatus, note string) (Outcome, error) {
	out := Outcome{Resolution: ResolutionIgnored, PaymentID: attempt.ID, OrderID: attempt.TargetID}
	var retire []string
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		now := s.now()
		ok, err := repo.Transition(ctx, attempt.ID, from, to, &note, now)
		if err != nil || !ok {
			return err
		}
		if to == enums.PaymentStatusPaid {
			out.Resolution = ResolutionPaid
		} else {
			out.Resolution = ResolutionCancelled
		}

		order, err := repo.FindOrder(ctx, attempt.TargetID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if order.Status != enums.OrderStatusPendingPayment {
			return nil
		}
		orderTo := enums.OrderStatusCancelled
		if to == enums.PaymentStatusPaid {
			orderTo = enums.OrderStatusPaid
		}
		moved, err := repo.TransitionOrder(ctx, order.ID, enums.OrderStatusPendingPayment, orderTo, now)
		if err != nil || !moved {
			return err
		}
		out.OrderMoved = true

		stock := s.inventory.WithTx(tx)
		var event outbox.DomainEvent
		if orderTo == enums.OrderStatusPaid {
			if err := stock.FinalizeReservation(ctx, order.ID, now); err != nil {
				return fmt.Errorf("finalize reservation: %w", err)
			}
			retire, err = s.SettlePendingTx(ctx, tx, order.ID, attempt.ID, enums.PaymentStatusDupCancelled, "superseded by payment "+attempt.ID.String())
			if err != nil {
				return err
			}
			event = outbox.DomainEvent{
				EventType:     enums.EventOrderPaid,
				AggregateType: enums.AggregateOrder,
				AggregateID:   order.ID,
				Actor:         outbox.SystemActor,
				Data: payloads.OrderPaidEvent{
					OrderID:     order.ID,
					PaymentID:   attempt.ID,
					FinalAmount: order.FinalAmount.StringFixed(2),
					Currency:    order.Currency,
					PaidAt:      now,
				},
			}
		} else {
			if err := stock.ReleaseReservation(ctx, order.ID, now); err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
			retire, err = s.SettlePendingTx(ctx, tx, order.ID, attempt.ID, enums.PaymentStatusCancelled, "order cancelled")
			if err != nil {
				return err
			}
			paymentID := attempt.ID
			event = outbox.DomainEvent{
				EventType:     enums.EventOrderCancelled,
				AggregateType: enums.AggregateOrder,
				AggregateID:   order.ID,
				Actor:         outbox.SystemActor,
				Data: payloads.OrderCancelledEvent{
					OrderID:     order.ID,
					PaymentID:   &paymentID,
					Status:      enums.OrderStatusCancelled,
					Reason:      note,
					CancelledAt: now,
				},
			}
		}
		return outbox.EmitIfSet(ctx, s.outbox, tx, event)
	})
	if err != nil {
		return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "settle payment attempt")
	}
	s.CancelLinks(ctx, retire, "superseded")
	s.metrics.IncSignal(string(out.Resolution))
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"payment_id":  attempt.ID.String(),
		"order_id":    attempt.TargetID.String(),
		"resolution":  out.Resolution,
		"order_moved": out.OrderMoved,
	}), "payment attempt settled")
	return out, nil
}
