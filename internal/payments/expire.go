package payments

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox/payloads"
)

// ExpireResult counts what one sweep changed.
type ExpireResult struct {
	TimedOut  int
	Cancelled int
	Escalated int
}

// ExpireStale times out pending attempts whose window closed more than grace
// ago. An order left with no live attempt is cancelled by timeout and its
// stock released, unless an attempt awaits review, in which case the order is
// escalated to needs_manual_action. Each attempt settles in its own
// transaction; failures are collected and the sweep carries on.
func (s *Service) ExpireStale(ctx context.Context, grace time.Duration, limit int) (ExpireResult, error) {
	var result ExpireResult
	now := s.now()
	stale, err := s.repo.ListExpiredPending(ctx, now.Add(-grace), limit)
	if err != nil {
		return result, fmt.Errorf("list expired payments: %w", err)
	}
	var errs error
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return result, multierr.Append(errs, err)
		}
		attempt := &stale[i]
		changed, err := s.expireOne(ctx, attempt)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("payment %s: %w", attempt.ID, err))
			continue
		}
		result.TimedOut += changed.TimedOut
		result.Cancelled += changed.Cancelled
		result.Escalated += changed.Escalated
	}
	s.metrics.AddRecovered("payment", result.TimedOut)
	return result, errs
}

func (s *Service) expireOne(ctx context.Context, attempt *models.Payment) (ExpireResult, error) {
	var changed ExpireResult
	var retire []string
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		now := s.now()
		note := "payment window elapsed"
		ok, err := repo.Transition(ctx, attempt.ID, enums.PaymentStatusPending, enums.PaymentStatusTimeout, &note, now)
		if err != nil || !ok {
			return err
		}
		changed.TimedOut = 1
		if id := deref(attempt.PaymentLinkID); id != "" {
			retire = append(retire, id)
		}

		order, err := repo.FindOrder(ctx, attempt.TargetID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if order.Status != enums.OrderStatusPendingPayment {
			return nil
		}
		live, err := repo.HasLivePending(ctx, order.ID, attempt.ID, now)
		if err != nil || live {
			return err
		}
		inReview, err := repo.HasStatus(ctx, order.ID, enums.PaymentStatusNeedReview)
		if err != nil {
			return err
		}
		if inReview {
			moved, err := repo.TransitionOrder(ctx, order.ID, enums.OrderStatusPendingPayment, enums.OrderStatusNeedsManualAction, now)
			if moved {
				changed.Escalated = 1
			}
			return err
		}
		moved, err := repo.TransitionOrder(ctx, order.ID, enums.OrderStatusPendingPayment, enums.OrderStatusCancelledByTimeout, now)
		if err != nil || !moved {
			return err
		}
		changed.Cancelled = 1
		if err := s.inventory.WithTx(tx).ReleaseReservation(ctx, order.ID, now); err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
		others, err := s.SettlePendingTx(ctx, tx, order.ID, attempt.ID, enums.PaymentStatusTimeout, note)
		if err != nil {
			return err
		}
		retire = append(retire, others...)
		paymentID := attempt.ID
		return outbox.EmitIfSet(ctx, s.outbox, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderTimedOut,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         outbox.SystemActor,
			Data: payloads.OrderCancelledEvent{
				OrderID:     order.ID,
				PaymentID:   &paymentID,
				Status:      enums.OrderStatusCancelledByTimeout,
				Reason:      note,
				CancelledAt: now,
			},
		})
	})
	if err != nil {
		return ExpireResult{}, err
	}
	s.CancelLinks(ctx, retire, "timeout")
	if changed.Cancelled > 0 || changed.Escalated > 0 {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"payment_id": attempt.ID.String(),
			"order_id":   attempt.TargetID.String(),
			"cancelled":  changed.Cancelled > 0,
			"escalated":  changed.Escalated > 0,
		}), "payment window closed")
	}
	return changed, nil
}
