package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StateFilledQuantumsCache reads the filled amount committed on-chain, as
// written by the block processing path.
type StateFilledQuantumsCache struct {
	client redis.UniversalClient
}

func NewStateFilledQuantumsCache(client redis.UniversalClient) *StateFilledQuantumsCache {
	return &StateFilledQuantumsCache{client: client}
}

// GetStateFilledQuantums reports found=false when nothing was recorded.
func (c *StateFilledQuantumsCache) GetStateFilledQuantums(ctx context.Context, orderUUID string) (uint64, bool, error) {
	v, err := c.client.Get(ctx, stateFilledKey(orderUUID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get state filled quantums %s: %w", orderUUID, err)
	}
	return v, true, nil
}
