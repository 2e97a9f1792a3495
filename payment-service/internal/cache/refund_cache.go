// Package cache remembers refund outcomes by idempotency key so a replayed
// refund request is answered without touching the gateway or the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
	"github.com/redis/go-redis/v9"
)

type RefundRecord struct {
	PaymentID string              `json:"payment_id"`
	OrderID   string              `json:"order_id"`
	RefundID  string              `json:"refund_id"`
	Amount    float64             `json:"amount"`
	Status    types.PaymentStatus `json:"status"`
}

type RefundCache interface {
	Get(ctx context.Context, key string) (*RefundRecord, error)
	Put(ctx context.Context, key string, rec RefundRecord) error
}

// ErrMiss is returned by Get when the key is unknown.
var ErrMiss = errors.New("refund cache miss")

type RedisRefundCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRefundCache(ctx context.Context, addr string, ttl time.Duration) (*RedisRefundCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisRefundCache{rdb: rdb, prefix: "refund:", ttl: ttl}, nil
}

func (c *RedisRefundCache) Get(ctx context.Context, key string) (*RefundRecord, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var rec RefundRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode refund record %s: %w", key, err)
	}
	return &rec, nil
}

func (c *RedisRefundCache) Put(ctx context.Context, key string, rec RefundRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+key, raw, c.ttl).Err()
}

func (c *RedisRefundCache) Close() error {
	return c.rdb.Close()
}

// MemoryRefundCache is used when no Redis address is configured. Entries
// live for the life of the process.
type MemoryRefundCache struct {
	mu      sync.RWMutex
	records map[string]RefundRecord
}

func NewMemoryRefundCache() *MemoryRefundCache {
	return &MemoryRefundCache{records: map[string]RefundRecord{}}
}

func (c *MemoryRefundCache) Get(ctx context.Context, key string) (*RefundRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[key]
	if !ok {
		return nil, ErrMiss
	}
	return &rec, nil
}

func (c *MemoryRefundCache) Put(ctx context.Context, key string, rec RefundRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[key] = rec
	return nil
}
