package refresher

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
)

var ErrUnknownMarket = errors.New("unknown perpetual market")

type MarketStore interface {
	ListPerpetualMarkets(ctx context.Context) ([]protocol.PerpetualMarket, error)
}

// MarketCache serves perpetual market metadata by clob pair id and by ticker.
type MarketCache struct {
	store MarketStore

	mu          sync.RWMutex
	byClobPair  map[string]protocol.PerpetualMarket
	byTicker    map[string]protocol.PerpetualMarket
	lastRefresh time.Time
}

func NewMarketCache(store MarketStore) *MarketCache {
	return &MarketCache{
		store:      store,
		byClobPair: make(map[string]protocol.PerpetualMarket),
		byTicker:   make(map[string]protocol.PerpetualMarket),
	}
}

func (c *MarketCache) Load(ctx context.Context) error {
	markets, err := c.store.ListPerpetualMarkets(ctx)
	if err != nil {
		return err
	}

	byClobPair := make(map[string]protocol.PerpetualMarket, len(markets))
	byTicker := make(map[string]protocol.PerpetualMarket, len(markets))
	for _, market := range markets {
		ticker := strings.TrimSpace(market.Ticker)
		if ticker == "" {
			continue
		}
		market.Ticker = ticker
		byClobPair[market.ClobPairID] = market
		byTicker[ticker] = market
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byClobPair = byClobPair
	c.byTicker = byTicker
	c.lastRefresh = time.Now().UTC()
	return nil
}

func (c *MarketCache) refresh(ctx context.Context) error {
	return c.Load(ctx)
}

func (c *MarketCache) ByClobPairID(clobPairID string) (protocol.PerpetualMarket, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	market, ok := c.byClobPair[clobPairID]
	return market, ok
}

func (c *MarketCache) ByTicker(ticker string) (protocol.PerpetualMarket, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	market, ok := c.byTicker[ticker]
	return market, ok
}

// Tickers lists every known ticker.
func (c *MarketCache) Tickers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byTicker))
	for ticker := range c.byTicker {
		out = append(out, ticker)
	}
	return out
}

func (c *MarketCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byClobPair)
}

func (c *MarketCache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

func (c *MarketCache) StartAutoRefresh(ctx context.Context, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	startAutoRefresh(ctx, "perpetual_markets", c, interval, metrics, logger)
}
