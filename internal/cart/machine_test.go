package cart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/keymarket-backend/pkg/db"
	"github.com/angelmondragon/keymarket-backend/pkg/db/dbtest"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox"
)

var testPolicy = Policy{
	LockTimeout:   5 * time.Minute,
	RegisteredTTL: 30 * 24 * time.Hour,
	AnonymousTTL:  7 * 24 * time.Hour,
}

func newTestMachine(t *testing.T, client *db.Client) *StateMachine {
	t.Helper()
	machine, err := NewStateMachine(MachineParams{
		Repo:   NewRepository(client.DB()),
		DB:     client,
		Outbox: outbox.NewService(outbox.NewRepository(client.DB()), logger.Nop()),
		Logger: logger.Nop(),
		Policy: testPolicy,
	})
	require.NoError(t, err)
	return machine
}

func seedCart(t *testing.T, client *db.Client, status enums.CartStatus, updatedAt time.Time) *models.Cart {
	t.Helper()
	userID := uuid.New()
	record := &models.Cart{
		OwnerUserID: &userID,
		Status:      status,
		ExpiresAt:   updatedAt.Add(testPolicy.RegisteredTTL),
		CreatedAt:   updatedAt,
		UpdatedAt:   updatedAt,
	}
	require.NoError(t, client.DB().Create(record).Error)
	return record
}

func reloadCart(t *testing.T, client *db.Client, id uuid.UUID) models.Cart {
	t.Helper()
	var record models.Cart
	require.NoError(t, client.DB().First(&record, "id = ?", id).Error)
	return record
}

func TestClaimSucceedsForExactlyOneCaller(t *testing.T) {
	client := dbtest.New(t)
	machine := newTestMachine(t, client)
	record := seedCart(t, client, enums.CartStatusActive, time.Now().UTC())

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := machine.Claim(context.Background(), record.ID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, enums.CartStatusConverting, reloadCart(t, client, record.ID).Status)
}

func TestCommitLinksOrderOnce(t *testing.T) {
	client := dbtest.New(t)
	machine := newTestMachine(t, client)
	record := seedCart(t, client, enums.CartStatusConverting, time.Now().UTC())
	orderID := uuid.New()

	require.NoError(t, machine.Commit(context.Background(), client.DB(), record.ID, orderID))

	got := reloadCart(t, client, record.ID)
	require.Equal(t, enums.CartStatusConverted, got.Status)
	require.NotNil(t, got.OrderID)
	require.Equal(t, orderID, *got.OrderID)

	err := machine.Commit(context.Background(), client.DB(), record.ID, uuid.New())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "second commit should conflict, got %v", err)
}

func TestRecoverStale(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name      string
		status    enums.CartStatus
		updatedAt time.Time
		withOrder bool
		recovered bool
	}{
		{name: "stale claim", status: enums.CartStatusConverting, updatedAt: now.Add(-6 * time.Minute), recovered: true},
		{name: "fresh claim", status: enums.CartStatusConverting, updatedAt: now.Add(-4 * time.Minute)},
		{name: "claim with order", status: enums.CartStatusConverting, updatedAt: now.Add(-time.Hour), withOrder: true},
		{name: "active cart", status: enums.CartStatusActive, updatedAt: now.Add(-time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := dbtest.New(t)
			machine := newTestMachine(t, client)
			record := seedCart(t, client, tc.status, tc.updatedAt)
			if tc.withOrder {
				orderID := uuid.New()
				require.NoError(t, client.DB().Model(&models.Cart{}).Where("id = ?", record.ID).Update("order_id", orderID).Error)
				record.OrderID = &orderID
			}

			ok, err := machine.RecoverStale(context.Background(), record, "test")
			require.NoError(t, err)
			require.Equal(t, tc.recovered, ok)

			got := reloadCart(t, client, record.ID)
			if tc.recovered {
				require.Equal(t, enums.CartStatusActive, got.Status)
				var events int64
				require.NoError(t, client.DB().Model(&models.OutboxEvent{}).
					Where("event_type = ? AND aggregate_id = ?", enums.EventCartRecovered, record.ID).
					Count(&events).Error)
				require.EqualValues(t, 1, events)
				return
			}
			require.Equal(t, tc.status, got.Status)
		})
	}
}

func TestSlowClaimerCannotCommitAfterRecovery(t *testing.T) {
	client := dbtest.New(t)
	machine := newTestMachine(t, client)
	record := seedCart(t, client, enums.CartStatusConverting, time.Now().UTC().Add(-10*time.Minute))

	ok, err := machine.RecoverStale(context.Background(), record, "test")
	require.NoError(t, err)
	require.True(t, ok)

	err = machine.Commit(context.Background(), client.DB(), record.ID, uuid.New())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
	require.Nil(t, reloadCart(t, client, record.ID).OrderID)
}

func TestPolicyIsExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	userID := uuid.New()
	sessionID := uuid.New()
	cases := []struct {
		name    string
		cart    models.Cart
		expired bool
	}{
		{
			name:    "registered within ttl",
			cart:    models.Cart{OwnerUserID: &userID, Status: enums.CartStatusActive, UpdatedAt: now.Add(-29 * 24 * time.Hour)},
			expired: false,
		},
		{
			name:    "registered past ttl",
			cart:    models.Cart{OwnerUserID: &userID, Status: enums.CartStatusActive, UpdatedAt: now.Add(-31 * 24 * time.Hour)},
			expired: true,
		},
		{
			name:    "anonymous past ttl",
			cart:    models.Cart{SessionID: &sessionID, Status: enums.CartStatusActive, UpdatedAt: now.Add(-8 * 24 * time.Hour)},
			expired: true,
		},
		{
			name: "explicit expiry extends lifetime",
			cart: models.Cart{
				SessionID: &sessionID,
				Status:    enums.CartStatusActive,
				UpdatedAt: now.Add(-8 * 24 * time.Hour),
				ExpiresAt: now.Add(time.Hour),
			},
			expired: false,
		},
		{
			name:    "converting carts never expire",
			cart:    models.Cart{SessionID: &sessionID, Status: enums.CartStatusConverting, UpdatedAt: now.Add(-90 * 24 * time.Hour)},
			expired: false,
		},
	}
	for _, tc := range cases {
		if got := testPolicy.IsExpired(tc.cart, now); got != tc.expired {
			t.Fatalf("%s: expected expired=%v, got %v", tc.name, tc.expired, got)
		}
	}
}

func TestReleaseClaimKeepsCommittedCart(t *testing.T) {
	client := dbtest.New(t)
	machine := newTestMachine(t, client)
	record := seedCart(t, client, enums.CartStatusConverting, time.Now().UTC())
	require.NoError(t, machine.Commit(context.Background(), client.DB(), record.ID, uuid.New()))

	require.NoError(t, machine.ReleaseClaim(context.Background(), record.ID))
	require.Equal(t, enums.CartStatusConverted, reloadCart(t, client, record.ID).Status)
}
