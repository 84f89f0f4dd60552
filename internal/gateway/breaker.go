// Package gateway holds the hosted-payment providers behind payments.Gateway.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/angelmondragon/keymarket-backend/internal/payments"
	"github.com/angelmondragon/keymarket-backend/pkg/config"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
)

// Guarded bounds every provider call with a timeout and a circuit breaker.
type Guarded struct {
	next    payments.Gateway
	timeout time.Duration
	links   *gobreaker.CircuitBreaker[*payments.Link]
	urls    *gobreaker.CircuitBreaker[string]
	cancels *gobreaker.CircuitBreaker[struct{}]
}

func NewGuarded(next payments.Gateway, cfg config.GatewayConfig, logg *logger.Logger) *Guarded {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.BreakerOpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: countsAsHealthy,
			OnStateChange: func(name string, from, to gobreaker.State) {
				if logg == nil {
					return
				}
				logg.Warn(logg.WithFields(context.Background(), map[string]any{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}), "payment gateway breaker changed state")
			},
		}
	}
	return &Guarded{
		next:    next,
		timeout: cfg.CallTimeout,
		links:   gobreaker.NewCircuitBreaker[*payments.Link](settings("gateway.links")),
		urls:    gobreaker.NewCircuitBreaker[string](settings("gateway.urls")),
		cancels: gobreaker.NewCircuitBreaker[struct{}](settings("gateway.cancel")),
	}
}

func (g *Guarded) CreateOrRefreshLink(ctx context.Context, attempt *models.Payment, buyer payments.Buyer, returnURL, cancelURL string) (*payments.Link, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	link, err := g.links.Execute(func() (*payments.Link, error) {
		return g.next.CreateOrRefreshLink(ctx, attempt, buyer, returnURL, cancelURL)
	})
	return link, mapBreakerError(err)
}

func (g *Guarded) CancelLink(ctx context.Context, linkID, reason string) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	_, err := g.cancels.Execute(func() (struct{}, error) {
		return struct{}{}, g.next.CancelLink(ctx, linkID, reason)
	})
	return mapBreakerError(err)
}

func (g *Guarded) GetCheckoutURL(ctx context.Context, linkID string) (string, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	url, err := g.urls.Execute(func() (string, error) {
		return g.next.GetCheckoutURL(ctx, linkID)
	})
	return url, mapBreakerError(err)
}

func (g *Guarded) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// countsAsHealthy treats deliberate provider answers as successes.
func countsAsHealthy(err error) bool {
	if err == nil || errors.Is(err, payments.ErrLinkUnavailable) {
		return true
	}
	return pkgerrors.IsCode(err, pkgerrors.CodeValidation) || pkgerrors.IsCode(err, pkgerrors.CodeNotFound)
}

func mapBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment gateway unavailable")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment gateway timed out")
	}
	return err
}
