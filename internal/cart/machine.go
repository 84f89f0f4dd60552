package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

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

// Policy holds the windows that drive claim recovery and idle expiry.
type Policy struct {
	LockTimeout   time.Duration
	RegisteredTTL time.Duration
	AnonymousTTL  time.Duration
}

func PolicyFromConfig(cfg config.CheckoutConfig) Policy {
	return Policy{
		LockTimeout:   cfg.CartLockTimeout,
		RegisteredTTL: cfg.RegisteredCartTTL,
		AnonymousTTL:  cfg.AnonymousCartTTL,
	}
}

// TTL is the idle lifetime of c.
func (p Policy) TTL(c models.Cart) time.Duration {
	if c.IsRegistered() {
		return p.RegisteredTTL
	}
	return p.AnonymousTTL
}

// IsExpired reports whether an active cart has been idle past
// max(expires_at, updated_at + TTL).
func (p Policy) IsExpired(c models.Cart, now time.Time) bool {
	if c.Status != enums.CartStatusActive {
		return false
	}
	deadline := c.UpdatedAt.Add(p.TTL(c))
	if c.ExpiresAt.After(deadline) {
		deadline = c.ExpiresAt
	}
	return now.After(deadline)
}

// IsStale reports whether a converting cart was abandoned by its claimer.
func (p Policy) IsStale(c models.Cart, now time.Time) bool {
	return c.Status == enums.CartStatusConverting &&
		c.OrderID == nil &&
		c.UpdatedAt.Before(now.Add(-p.LockTimeout))
}

// MachineParams configure the claim state machine.
type MachineParams struct {
	Repo    CartRepository
	DB      txRunner
	Outbox  outbox.Emitter
	Logger  *logger.Logger
	Metrics *metrics.CheckoutMetrics
	Policy  Policy
}

// StateMachine owns the active -> converting -> converted/active lifecycle.
type StateMachine struct {
	repo    CartRepository
	db      txRunner
	outbox  outbox.Emitter
	logg    *logger.Logger
	metrics *metrics.CheckoutMetrics
	policy  Policy
	now     func() time.Time
}

func NewStateMachine(params MachineParams) (*StateMachine, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Policy.LockTimeout <= 0 {
		return nil, fmt.Errorf("cart lock timeout must be positive")
	}
	return &StateMachine{
		repo:    params.Repo,
		db:      params.DB,
		outbox:  params.Outbox,
		logg:    params.Logger,
		metrics: params.Metrics,
		policy:  params.Policy,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (m *StateMachine) Policy() Policy {
	return m.policy
}

// Claim reports whether this caller won the cart. Losing is not an error.
func (m *StateMachine) Claim(ctx context.Context, cartID uuid.UUID) (bool, error) {
	ok, err := m.repo.Claim(ctx, cartID, m.now())
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim cart")
	}
	return ok, nil
}

// Commit links orderID inside tx. A cart that is no longer converting was
// handled by someone else and yields a conflict.
func (m *StateMachine) Commit(ctx context.Context, tx *gorm.DB, cartID, orderID uuid.UUID) error {
	ok, err := m.repo.WithTx(tx).Commit(ctx, cartID, orderID, m.now())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "commit cart")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeConflict, "cart was already handled by another checkout")
	}
	return nil
}

// ReleaseClaim hands an uncommitted cart back to its owner.
func (m *StateMachine) ReleaseClaim(ctx context.Context, cartID uuid.UUID) error {
	if _, err := m.repo.ReleaseClaim(ctx, cartID, m.now()); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "release cart claim")
	}
	return nil
}

// RecoverStale reverts c to active when its claim outlived the lock timeout.
// recoveredBy names the caller for the emitted event.
func (m *StateMachine) RecoverStale(ctx context.Context, c *models.Cart, recoveredBy string) (bool, error) {
	now := m.now()
	if c == nil || !m.policy.IsStale(*c, now) {
		return false, nil
	}
	stuckSince := c.UpdatedAt
	var recovered bool
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := m.repo.WithTx(tx).RecoverStale(ctx, c.ID, now.Add(-m.policy.LockTimeout), now)
		if err != nil || !ok {
			return err
		}
		recovered = true
		return outbox.EmitIfSet(ctx, m.outbox, tx, outbox.DomainEvent{
			EventType:     enums.EventCartRecovered,
			AggregateType: enums.AggregateCart,
			AggregateID:   c.ID,
			Actor:         outbox.SystemActor,
			Data: payloads.CartRecoveredEvent{
				CartID:      c.ID,
				StuckSince:  stuckSince,
				RecoveredBy: recoveredBy,
			},
		})
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "recover stale cart")
	}
	if recovered {
		c.Status = enums.CartStatusActive
		c.UpdatedAt = now
		m.metrics.AddRecovered("cart", 1)
		m.logg.Info(m.logg.WithFields(ctx, map[string]any{
			"cart_id":      c.ID.String(),
			"stuck_since":  stuckSince,
			"recovered_by": recoveredBy,
		}), "stale cart claim recovered")
	}
	return recovered, nil
}

// ExpireIfIdle marks c expired when it sat idle past its TTL.
func (m *StateMachine) ExpireIfIdle(ctx context.Context, c *models.Cart) (bool, error) {
	now := m.now()
	if c == nil || !m.policy.IsExpired(*c, now) {
		return false, nil
	}
	ok, err := m.repo.MarkExpired(ctx, c.ID, now)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "expire cart")
	}
	if ok {
		c.Status = enums.CartStatusExpired
	}
	return ok, nil
}
