// Package paymentwebhook turns signed gateway notifications into payment
// resolutions. Every notification that was applied, or that can never be
// applied, is acknowledged so the gateway stops retrying.
package paymentwebhook

import (
	"context"
	"fmt"

	"github.com/angelmondragon/keymarket-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/metrics"
)

const consumer = "payment-webhook"

type resolver interface {
	ResolveSignal(ctx context.Context, signal payments.Signal) (payments.Outcome, error)
}

type deliveryGuard interface {
	CheckAndMark(ctx context.Context, consumer, deliveryID string) (bool, error)
	Release(ctx context.Context, consumer, deliveryID string) error
}

// Ack is returned to the gateway.
type Ack struct {
	Accepted   bool   `json:"accepted"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type ServiceParams struct {
	Payments resolver
	Guard    deliveryGuard
	Secret   string
	Logger   *logger.Logger
	Metrics  *metrics.CheckoutMetrics
}

type Service struct {
	payments resolver
	guard    deliveryGuard
	secret   string
	logg     *logger.Logger
	metrics  *metrics.CheckoutMetrics
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Payments == nil {
		return nil, fmt.Errorf("payment resolver required")
	}
	if params.Secret == "" {
		return nil, fmt.Errorf("webhook secret required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Service{
		payments: params.Payments,
		guard:    params.Guard,
		secret:   params.Secret,
		logg:     params.Logger,
		metrics:  params.Metrics,
	}, nil
}

// Handle verifies and applies one notification. A returned error means the
// signal was not recorded and the gateway should retry.
func (s *Service) Handle(ctx context.Context, body []byte, signature string) (Ack, error) {
	if !Verify(body, s.secret, signature) {
		return s.reject(ctx, "invalid signature", nil), nil
	}
	payload, err := decode(body)
	if err != nil {
		return s.reject(ctx, "undecodable payload", err), nil
	}
	delivery := payload.deliveryID()
	if delivery == "" {
		return s.reject(ctx, "payload names no payment", nil), nil
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"provider_order_code": payload.Data.OrderCode,
		"payment_link_id":     payload.Data.PaymentLinkID,
		"gateway_code":        payload.Code,
		"gateway_data_code":   payload.Data.Code,
	})

	if s.guard != nil {
		seen, err := s.guard.CheckAndMark(ctx, consumer, delivery)
		if err != nil {
			// Redis is only a shortcut; resolution itself is idempotent.
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "webhook idempotency check failed")
		} else if seen {
			s.metrics.IncSignal("duplicate")
			return Ack{Accepted: true, Duplicate: true}, nil
		}
	}

	outcome, err := s.payments.ResolveSignal(ctx, payload.signal())
	if err != nil {
		if s.guard != nil {
			if relErr := s.guard.Release(context.WithoutCancel(ctx), consumer, delivery); relErr != nil {
				s.logg.Warn(s.logg.WithField(ctx, "error", relErr.Error()), "release webhook delivery")
			}
		}
		return Ack{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply payment signal")
	}

	if outcome.Resolution == payments.ResolutionUnusable {
		return Ack{Accepted: false, Resolution: string(outcome.Resolution), Reason: "no matching payment"}, nil
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"resolution": string(outcome.Resolution),
		"payment_id": outcome.PaymentID.String(),
		"order_id":   outcome.OrderID.String(),
	}), "payment webhook applied")
	return Ack{Accepted: true, Resolution: string(outcome.Resolution)}, nil
}

func (s *Service) reject(ctx context.Context, reason string, err error) Ack {
	s.metrics.IncSignal("rejected")
	entry := s.logg.WithField(ctx, "reason", reason)
	if err != nil {
		entry = s.logg.WithField(entry, "error", err.Error())
	}
	s.logg.Warn(entry, "payment webhook rejected")
	return Ack{Accepted: false, Reason: reason}
}
