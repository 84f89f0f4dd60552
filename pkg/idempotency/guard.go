// Package idempotency marks externally delivered events as processed so that
// redelivered webhooks are acknowledged without being applied twice.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Store is the redis subset the guard needs.
type Store interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	IdempotencyKey(scope, id string) string
	Del(ctx context.Context, keys ...string) error
}

// Guard tracks processed delivery ids per consumer using SETNX with a TTL.
// Keys look like `km:idempotency:delivery:<consumer>:<id>`.
type Guard struct {
	store Store
	ttl   time.Duration
}

func NewGuard(store Store, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Guard{store: store, ttl: ttl}, nil
}

// CheckAndMark returns true when deliveryID was already seen; otherwise it
// records it and returns false.
func (g *Guard) CheckAndMark(ctx context.Context, consumer, deliveryID string) (bool, error) {
	key, err := g.key(consumer, deliveryID)
	if err != nil {
		return false, err
	}
	set, err := g.store.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), g.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Release forgets deliveryID so a failed delivery can be retried by the sender.
func (g *Guard) Release(ctx context.Context, consumer, deliveryID string) error {
	key, err := g.key(consumer, deliveryID)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func (g *Guard) key(consumer, deliveryID string) (string, error) {
	consumer = strings.TrimSpace(consumer)
	deliveryID = strings.TrimSpace(deliveryID)
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if deliveryID == "" {
		return "", errors.New("delivery id is required")
	}
	return g.store.IdempotencyKey("delivery:"+consumer, deliveryID), nil
}
