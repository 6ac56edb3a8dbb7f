package refresher

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/storage"
)

type BlockStore interface {
	LatestBlock(ctx context.Context) (storage.Block, error)
}

// BlockHeightCache keeps the latest processed block height in memory. The
// height only moves forward.
type BlockHeightCache struct {
	store  BlockStore
	height atomic.Int64
}

func NewBlockHeightCache(store BlockStore) *BlockHeightCache {
	return &BlockHeightCache{store: store}
}

func (c *BlockHeightCache) Load(ctx context.Context) error {
	block, err := c.store.LatestBlock(ctx)
	if err != nil {
		return err
	}
	c.observe(block.Height)
	return nil
}

func (c *BlockHeightCache) refresh(ctx context.Context) error {
	return c.Load(ctx)
}

func (c *BlockHeightCache) observe(height int64) {
	for {
		current := c.height.Load()
		if height <= current || c.height.CompareAndSwap(current, height) {
			return
		}
	}
}

// LatestHeight returns the cached height, empty before the first load.
func (c *BlockHeightCache) LatestHeight() string {
	height := c.height.Load()
	if height == 0 {
		return ""
	}
	return strconv.FormatInt(height, 10)
}

// LatestBlock reads the newest block row directly, bypassing the cache.
func (c *BlockHeightCache) LatestBlock(ctx context.Context) (storage.Block, error) {
	block, err := c.store.LatestBlock(ctx)
	if err != nil {
		return storage.Block{}, err
	}
	c.observe(block.Height)
	return block, nil
}

func (c *BlockHeightCache) Size() int {
	if c.height.Load() == 0 {
		return 0
	}
	return 1
}

func (c *BlockHeightCache) StartAutoRefresh(ctx context.Context, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	startAutoRefresh(ctx, "block_height", c, interval, metrics, logger)
}
