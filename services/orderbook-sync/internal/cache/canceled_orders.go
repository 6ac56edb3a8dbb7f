package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
	"github.com/redis/go-redis/v9"
)

// Moves the uuid into one marker set, out of the other.
var addCanceledScript = redis.NewScript(`
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`)

// CanceledOrdersCache stores the canceled-order marker of recently removed
// orders. Markers older than the TTL read as NOT_CANCELED and are pruned.
type CanceledOrdersCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

func NewCanceledOrdersCache(client redis.UniversalClient, ttl time.Duration) *CanceledOrdersCache {
	return &CanceledOrdersCache{client: client, ttl: ttl, now: time.Now}
}

func (c *CanceledOrdersCache) AddCanceledOrder(ctx context.Context, orderUUID string) error {
	return c.add(ctx, canceledOrdersKey, bestEffortCanceledKey, orderUUID)
}

func (c *CanceledOrdersCache) AddBestEffortCanceledOrder(ctx context.Context, orderUUID string) error {
	return c.add(ctx, bestEffortCanceledKey, canceledOrdersKey, orderUUID)
}

func (c *CanceledOrdersCache) add(ctx context.Context, target, other, orderUUID string) error {
	score := strconv.FormatInt(c.now().UnixMilli(), 10)
	if err := addCanceledScript.Run(ctx, c.client, []string{target, other}, orderUUID, score).Err(); err != nil {
		return fmt.Errorf("add canceled order %s: %w", orderUUID, err)
	}
	return nil
}

// RemoveOrderFromCaches clears any marker for the uuid.
func (c *CanceledOrdersCache) RemoveOrderFromCaches(ctx context.Context, orderUUID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, canceledOrdersKey, orderUUID)
		pipe.ZRem(ctx, bestEffortCanceledKey, orderUUID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove canceled order %s: %w", orderUUID, err)
	}
	return nil
}

func (c *CanceledOrdersCache) GetOrderCanceledStatus(ctx context.Context, orderUUID string) (protocol.CanceledStatus, error) {
	pipe := c.client.Pipeline()
	canceled := pipe.ZScore(ctx, canceledOrdersKey, orderUUID)
	bestEffort := pipe.ZScore(ctx, bestEffortCanceledKey, orderUUID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("get canceled status %s: %w", orderUUID, err)
	}

	cutoff := float64(c.now().Add(-c.ttl).UnixMilli())
	if score, err := canceled.Result(); err == nil && (c.ttl <= 0 || score >= cutoff) {
		return protocol.CanceledStatusCanceled, nil
	}
	if score, err := bestEffort.Result(); err == nil && (c.ttl <= 0 || score >= cutoff) {
		return protocol.CanceledStatusBestEffortCanceled, nil
	}
	return protocol.CanceledStatusNotCanceled, nil
}

// PruneExpired drops markers older than the TTL.
func (c *CanceledOrdersCache) PruneExpired(ctx context.Context) (int64, error) {
	if c.ttl <= 0 {
		return 0, nil
	}
	upper := "(" + strconv.FormatInt(c.now().Add(-c.ttl).UnixMilli(), 10)
	var removed int64
	for _, key := range []string{canceledOrdersKey, bestEffortCanceledKey} {
		n, err := c.client.ZRemRangeByScore(ctx, key, "-inf", upper).Result()
		if err != nil {
			return removed, fmt.Errorf("prune canceled orders: %w", err)
		}
		removed += n
	}
	return removed, nil
}
