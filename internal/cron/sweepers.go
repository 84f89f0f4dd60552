package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/keymarket-backend/internal/cart"
	"github.com/angelmondragon/keymarket-backend/internal/payments"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/metrics"
)

const defaultBatchSize = 200

type cartSweepRepo interface {
	ListStaleConverting(ctx context.Context, staleBefore time.Time, limit int) ([]models.Cart, error)
	ListExpirable(ctx context.Context, now time.Time, policy cart.Policy, limit int) ([]models.Cart, error)
}

type cartMachine interface {
	Policy() cart.Policy
	RecoverStale(ctx context.Context, c *models.Cart, recoveredBy string) (bool, error)
	ExpireIfIdle(ctx context.Context, c *models.Cart) (bool, error)
}

type paymentExpirer interface {
	ExpireStale(ctx context.Context, grace time.Duration, limit int) (payments.ExpireResult, error)
}

// CartJobParams configure the cart sweepers.
type CartJobParams struct {
	Logger    *logger.Logger
	Repo      cartSweepRepo
	Machine   cartMachine
	Metrics   *metrics.CheckoutMetrics
	BatchSize int
}

func (p CartJobParams) validate() error {
	if p.Logger == nil {
		return fmt.Errorf("logger required")
	}
	if p.Repo == nil {
		return fmt.Errorf("cart repository required")
	}
	if p.Machine == nil {
		return fmt.Errorf("cart state machine required")
	}
	return nil
}

// NewStuckCartRecoveryJob hands abandoned checkout claims back to their owners.
func NewStuckCartRecoveryJob(params CartJobParams) (Job, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &stuckCartRecoveryJob{
		logg:    params.Logger,
		repo:    params.Repo,
		machine: params.Machine,
		batch:   batchOrDefault(params.BatchSize),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

type stuckCartRecoveryJob struct {
	logg    *logger.Logger
	repo    cartSweepRepo
	machine cartMachine
	batch   int
	now     func() time.Time
}

func (j *stuckCartRecoveryJob) Name() string { return "stuck_cart_recovery" }

func (j *stuckCartRecoveryJob) Run(ctx context.Context) error {
	staleBefore := j.now().Add(-j.machine.Policy().LockTimeout)
	stuck, err := j.repo.ListStaleConverting(ctx, staleBefore, j.batch)
	if err != nil {
		return fmt.Errorf("list stale carts: %w", err)
	}
	var (
		errs      error
		recovered int
	)
	for i := range stuck {
		ok, err := j.machine.RecoverStale(ctx, &stuck[i], j.Name())
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cart %s: %w", stuck[i].ID, err))
			continue
		}
		if ok {
			recovered++
		}
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"candidates": len(stuck),
		"recovered":  recovered,
	}), "stuck cart sweep complete")
	return errs
}

// NewCartExpiryJob expires active carts idle past their TTL.
func NewCartExpiryJob(params CartJobParams) (Job, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &cartExpiryJob{
		logg:    params.Logger,
		repo:    params.Repo,
		machine: params.Machine,
		metrics: params.Metrics,
		batch:   batchOrDefault(params.BatchSize),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

type cartExpiryJob struct {
	logg    *logger.Logger
	repo    cartSweepRepo
	machine cartMachine
	metrics *metrics.CheckoutMetrics
	batch   int
	now     func() time.Time
}

func (j *cartExpiryJob) Name() string { return "cart_expiry" }

func (j *cartExpiryJob) Run(ctx context.Context) error {
	idle, err := j.repo.ListExpirable(ctx, j.now(), j.machine.Policy(), j.batch)
	if err != nil {
		return fmt.Errorf("list idle carts: %w", err)
	}
	var (
		errs    error
		expired int
	)
	for i := range idle {
		ok, err := j.machine.ExpireIfIdle(ctx, &idle[i])
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cart %s: %w", idle[i].ID, err))
			continue
		}
		if ok {
			expired++
		}
	}
	j.metrics.AddRecovered("cart_expired", expired)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"candidates": len(idle),
		"expired":    expired,
	}), "cart expiry sweep complete")
	return errs
}

// PaymentTimeoutJobParams configure the payment timeout sweeper.
type PaymentTimeoutJobParams struct {
	Logger    *logger.Logger
	Payments  paymentExpirer
	Grace     time.Duration
	BatchSize int
}

// NewPaymentTimeoutJob times out payment attempts whose window closed.
func NewPaymentTimeoutJob(params PaymentTimeoutJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payment service required")
	}
	if params.Grace < 0 {
		return nil, fmt.Errorf("grace must be non-negative")
	}
	return &paymentTimeoutJob{
		logg:     params.Logger,
		payments: params.Payments,
		grace:    params.Grace,
		batch:    batchOrDefault(params.BatchSize),
	}, nil
}

type paymentTimeoutJob struct {
	logg     *logger.Logger
	payments paymentExpirer
	grace    time.Duration
	batch    int
}

func (j *paymentTimeoutJob) Name() string { return "payment_timeout" }

func (j *paymentTimeoutJob) Run(ctx context.Context) error {
	result, err := j.payments.ExpireStale(ctx, j.grace, j.batch)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"timed_out": result.TimedOut,
		"cancelled": result.Cancelled,
		"escalated": result.Escalated,
	}), "payment timeout sweep complete")
	if err != nil {
		return fmt.Errorf("payment timeout: %w", err)
	}
	return nil
}

func batchOrDefault(n int) int {
	if n <= 0 {
		return defaultBatchSize
	}
	return n
}
