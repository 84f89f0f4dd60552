package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/keymarket-backend/internal/cart"
	"github.com/angelmondragon/keymarket-backend/internal/payments"
	"github.com/angelmondragon/keymarket-backend/pkg/db"
	"github.com/angelmondragon/keymarket-backend/pkg/db/dbtest"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox"
)

var sweepPolicy = cart.Policy{
	LockTimeout:   5 * time.Minute,
	RegisteredTTL: 30 * 24 * time.Hour,
	AnonymousTTL:  7 * 24 * time.Hour,
}

func cartJobParams(t *testing.T, client *db.Client) CartJobParams {
	t.Helper()
	repo := cart.NewRepository(client.DB())
	machine, err := cart.NewStateMachine(cart.MachineParams{
		Repo:   repo,
		DB:     client,
		Outbox: outbox.NewService(outbox.NewRepository(client.DB()), logger.Nop()),
		Logger: logger.Nop(),
		Policy: sweepPolicy,
	})
	require.NoError(t, err)
	return CartJobParams{Logger: logger.Nop(), Repo: repo, Machine: machine}
}

func insertCart(t *testing.T, client *db.Client, registered bool, status enums.CartStatus, updatedAt time.Time) *models.Cart {
	t.Helper()
	id := uuid.New()
	record := &models.Cart{Status: status, ExpiresAt: updatedAt.Add(time.Hour), CreatedAt: updatedAt, UpdatedAt: updatedAt}
	if registered {
		record.OwnerUserID = &id
	} else {
		record.SessionID = &id
	}
	require.NoError(t, client.DB().Create(record).Error)
	return record
}

func cartStatus(t *testing.T, client *db.Client, id uuid.UUID) enums.CartStatus {
	t.Helper()
	var record models.Cart
	require.NoError(t, client.DB().First(&record, "id = ?", id).Error)
	return record.Status
}

func TestStuckCartRecoveryRevertsOnlyStaleClaims(t *testing.T) {
	client := dbtest.New(t)
	now := time.Now().UTC()
	stale := insertCart(t, client, true, enums.CartStatusConverting, now.Add(-10*time.Minute))
	fresh := insertCart(t, client, true, enums.CartStatusConverting, now.Add(-time.Minute))

	job, err := NewStuckCartRecoveryJob(cartJobParams(t, client))
	require.NoError(t, err)
	require.Equal(t, "stuck_cart_recovery", job.Name())
	require.NoError(t, job.Run(context.Background()))

	require.Equal(t, enums.CartStatusActive, cartStatus(t, client, stale.ID))
	require.Equal(t, enums.CartStatusConverting, cartStatus(t, client, fresh.ID))

	var events int64
	require.NoError(t, client.DB().Model(&models.OutboxEvent{}).
		Where("event_type = ? AND aggregate_id = ?", enums.EventCartRecovered, stale.ID).
		Count(&events).Error)
	require.EqualValues(t, 1, events)
}

func TestCartExpiryUsesOwnerKindTTL(t *testing.T) {
	client := dbtest.New(t)
	now := time.Now().UTC()
	anonymousIdle := insertCart(t, client, false, enums.CartStatusActive, now.Add(-8*24*time.Hour))
	registeredIdle := insertCart(t, client, true, enums.CartStatusActive, now.Add(-8*24*time.Hour))
	registeredStale := insertCart(t, client, true, enums.CartStatusActive, now.Add(-31*24*time.Hour))

	job, err := NewCartExpiryJob(cartJobParams(t, client))
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))

	require.Equal(t, enums.CartStatusExpired, cartStatus(t, client, anonymousIdle.ID))
	require.Equal(t, enums.CartStatusActive, cartStatus(t, client, registeredIdle.ID))
	require.Equal(t, enums.CartStatusExpired, cartStatus(t, client, registeredStale.ID))
}

type fakeExpirer struct {
	grace time.Duration
	limit int
	err   error
}

func (f *fakeExpirer) ExpireStale(_ context.Context, grace time.Duration, limit int) (payments.ExpireResult, error) {
	f.grace = grace
	f.limit = limit
	return payments.ExpireResult{TimedOut: 2, Cancelled: 1}, f.err
}

func TestPaymentTimeoutJobPassesWindowAndSurfacesErrors(t *testing.T) {
	expirer := &fakeExpirer{}
	job, err := NewPaymentTimeoutJob(PaymentTimeoutJobParams{Logger: logger.Nop(), Payments: expirer, Grace: 10 * time.Minute})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, 10*time.Minute, expirer.grace)
	require.Equal(t, defaultBatchSize, expirer.limit)

	expirer.err = errors.New("payment 1: boom")
	require.Error(t, job.Run(context.Background()))
}

func TestSweeperConstructorsValidate(t *testing.T) {
	_, err := NewStuckCartRecoveryJob(CartJobParams{})
	require.Error(t, err)
	_, err = NewCartExpiryJob(CartJobParams{Logger: logger.Nop()})
	require.Error(t, err)
	_, err = NewPaymentTimeoutJob(PaymentTimeoutJobParams{Logger: logger.Nop()})
	require.Error(t, err)
}
