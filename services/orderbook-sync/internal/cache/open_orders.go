package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OpenOrdersCache indexes orders known to be resting, per clob pair.
type OpenOrdersCache struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewOpenOrdersCache(client redis.UniversalClient) *OpenOrdersCache {
	return &OpenOrdersCache{client: client, now: time.Now}
}

func (c *OpenOrdersCache) AddOpenOrder(ctx context.Context, orderUUID, clobPairID string) error {
	member := redis.Z{Score: float64(c.now().UnixMilli()), Member: orderUUID}
	if err := c.client.ZAdd(ctx, openOrdersKey(clobPairID), member).Err(); err != nil {
		return fmt.Errorf("add open order %s: %w", orderUUID, err)
	}
	return nil
}

func (c *OpenOrdersCache) RemoveOpenOrder(ctx context.Context, orderUUID, clobPairID string) error {
	if err := c.client.ZRem(ctx, openOrdersKey(clobPairID), orderUUID).Err(); err != nil {
		return fmt.Errorf("remove open order %s: %w", orderUUID, err)
	}
	return nil
}

func (c *OpenOrdersCache) GetOpenOrderIDs(ctx context.Context, clobPairID string) ([]string, error) {
	ids, err := c.client.ZRange(ctx, openOrdersKey(clobPairID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get open orders %s: %w", clobPairID, err)
	}
	return ids, nil
}
