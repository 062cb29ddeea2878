package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis records transaction ownership with SETNX so a transaction can complete only one order.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis returns a guard whose claims expire after ttl. Zero keeps them forever.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func redisKey(transactionID string) string {
	return fmt.Sprintf("iap:tx-owner:%s", transactionID)
}

func (r *Redis) Claim(ctx context.Context, transactionID string, orderID uuid.UUID) (uuid.UUID, error) {
	key := redisKey(transactionID)

	ok, err := r.rdb.SetNX(ctx, key, orderID.String(), r.ttl).Result()
	if err != nil {
		return uuid.Nil, fmt.Errorf("claiming transaction: %w", err)
	}

	if ok {
		return orderID, nil
	}

	owner, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		return uuid.Nil, fmt.Errorf("reading transaction owner: %w", err)
	}

	id, err := uuid.Parse(owner)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing transaction owner %q: %w", owner, err)
	}

	return id, nil
}

// Memory is an in-process guard for single-node back ends and tests.
type Memory struct {
	mu     sync.Mutex
	owners map[string]uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{owners: make(map[string]uuid.UUID)}
}

func (m *Memory) Claim(_ context.Context, transactionID string, orderID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.owners[transactionID]; ok {
		return owner, nil
	}

	m.owners[transactionID] = orderID

	return orderID, nil
}
