package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/events"
	"github.com/redis/go-redis/v9"
)

var removeStatefulUpdateScript = redis.NewScript(`
local payload = redis.call("HGET", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
if not payload then
  return false
end
return payload
`)

// StatefulOrderUpdatesCache parks fill updates for stateful orders whose
// placement has not been processed yet.
type StatefulOrderUpdatesCache struct {
	client redis.UniversalClient
}

func NewStatefulOrderUpdatesCache(client redis.UniversalClient) *StatefulOrderUpdatesCache {
	return &StatefulOrderUpdatesCache{client: client}
}

// AddStatefulOrderUpdate stores update under orderUUID, overwriting any
// earlier parked update for the same order.
func (c *StatefulOrderUpdatesCache) AddStatefulOrderUpdate(ctx context.Context, orderUUID string, update *events.OrderUpdate, at time.Time) error {
	raw, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode stateful order update %s: %w", orderUUID, err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, statefulUpdatesKey, orderUUID, string(raw))
		pipe.ZAdd(ctx, statefulUpdatesIDsKey, redis.Z{Score: float64(at.UnixMilli()), Member: orderUUID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("add stateful order update %s: %w", orderUUID, err)
	}
	return nil
}

// RemoveStatefulOrderUpdate reads and deletes the parked update, returning nil
// when there was none.
func (c *StatefulOrderUpdatesCache) RemoveStatefulOrderUpdate(ctx context.Context, orderUUID string) (*events.OrderUpdate, error) {
	raw, err := removeStatefulUpdateScript.Run(ctx, c.client, []string{statefulUpdatesKey, statefulUpdatesIDsKey}, orderUUID).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remove stateful order update %s: %w", orderUUID, err)
	}
	var update events.OrderUpdate
	if err := json.Unmarshal([]byte(raw), &update); err != nil {
		return nil, fmt.Errorf("decode stateful order update %s: %w", orderUUID, err)
	}
	return &update, nil
}

// GetOldOrderUpdateIDs lists uuids parked before the cutoff.
func (c *StatefulOrderUpdatesCache) GetOldOrderUpdateIDs(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := c.client.ZRangeByScore(ctx, statefulUpdatesIDsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("get old stateful order updates: %w", err)
	}
	return ids, nil
}

// PruneOldOrderUpdates deletes updates parked before the cutoff and returns
// the uuids that were dropped.
func (c *StatefulOrderUpdatesCache) PruneOldOrderUpdates(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := c.GetOldOrderUpdateIDs(ctx, before)
	if err != nil {
		return nil, err
	}
	pruned := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := c.RemoveStatefulOrderUpdate(ctx, id); err != nil {
			return pruned, err
		}
		pruned = append(pruned, id)
	}
	return pruned, nil
}
