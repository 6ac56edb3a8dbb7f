package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPriceLevelUpdate = errors.New("invalid price level update")
	ErrInvalidOptions          = errors.New("invalid orderbook levels options")
)

const (
	SideBids = "bids"
	SideAsks = "asks"
)

// The increment is reverted inside the script when it would leave the level
// negative, so a bad delta never becomes visible to readers.
var updatePriceLevelScript = redis.NewScript(`
local levelKey = KEYS[1]
local lastUpdatedKey = KEYS[2]
local price = ARGV[1]

local updated = redis.call("HINCRBY", levelKey, price, ARGV[2])
if updated < 0 then
  redis.call("HINCRBY", levelKey, price, ARGV[3])
  return {0, updated}
end
redis.call("HSET", lastUpdatedKey, price, ARGV[4])
return {1, updated}
`)

var deleteZeroPriceLevelScript = redis.NewScript(`
local levelKey = KEYS[1]
local lastUpdatedKey = KEYS[2]
local price = ARGV[1]

local size = redis.call("HGET", levelKey, price)
if size and tonumber(size) == 0 then
  redis.call("HDEL", levelKey, price)
  redis.call("HDEL", lastUpdatedKey, price)
  return 1
end
return 0
`)

type PriceLevel struct {
	Price       string
	Quantums    int64
	LastUpdated int64
}

type OrderbookLevels struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

type LevelsOptions struct {
	// KeepZeros returns levels whose aggregate size is zero.
	KeepZeros bool
	// SortSides orders bids descending and asks ascending by price.
	SortSides bool
	// UncrossBook drops crossing levels; requires SortSides.
	UncrossBook bool
	// LimitPerSide caps each side after sorting; requires SortSides.
	LimitPerSide int
}

type OrderbookLevelsCache struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewOrderbookLevelsCache(client redis.UniversalClient) *OrderbookLevelsCache {
	return &OrderbookLevelsCache{client: client, now: time.Now}
}

// UpdatePriceLevel atomically applies delta to the aggregate size at price and
// returns the new size. A delta that would make the size negative is rejected
// with ErrInvalidPriceLevelUpdate and leaves the level unchanged.
func (c *OrderbookLevelsCache) UpdatePriceLevel(ctx context.Context, ticker, side, price string, delta int64) (int64, error) {
	keys := []string{levelsKey(ticker, side), levelsLastUpdatedKey(ticker, side)}
	res, err := updatePriceLevelScript.Run(ctx, c.client, keys,
		price,
		strconv.FormatInt(delta, 10),
		strconv.FormatInt(-delta, 10),
		strconv.FormatInt(c.now().Unix(), 10),
	).Slice()
	if err != nil {
		return 0, fmt.Errorf("update price level %s %s %s: %w", ticker, side, price, err)
	}
	if len(res) != 2 {
		return 0, ErrUnexpectedReply
	}
	updated := asInt64(res[1])
	if asInt64(res[0]) != 1 {
		return 0, fmt.Errorf("%w: %s %s %s delta %d would result in %d quantums", ErrInvalidPriceLevelUpdate, ticker, side, price, delta, updated)
	}
	return updated, nil
}

// DeleteZeroPriceLevel removes the level only if its size is zero.
func (c *OrderbookLevelsCache) DeleteZeroPriceLevel(ctx context.Context, ticker, side, price string) (bool, error) {
	keys := []string{levelsKey(ticker, side), levelsLastUpdatedKey(ticker, side)}
	deleted, err := deleteZeroPriceLevelScript.Run(ctx, c.client, keys, price).Int64()
	if err != nil {
		return false, fmt.Errorf("delete zero price level %s %s %s: %w", ticker, side, price, err)
	}
	return deleted == 1, nil
}

// PruneZeroLevels deletes every zero-sized level of ticker and returns how
// many were removed.
func (c *OrderbookLevelsCache) PruneZeroLevels(ctx context.Context, ticker string) (int, error) {
	pruned := 0
	for _, side := range []string{SideBids, SideAsks} {
		levels, err := c.getSide(ctx, ticker, side)
		if err != nil {
			return pruned, err
		}
		for _, level := range levels {
			if level.Quantums != 0 {
				continue
			}
			deleted, err := c.DeleteZeroPriceLevel(ctx, ticker, side, level.Price)
			if err != nil {
				return pruned, err
			}
			if deleted {
				pruned++
			}
		}
	}
	return pruned, nil
}

// GetLevel returns the aggregate size at one price, zero when absent.
func (c *OrderbookLevelsCache) GetLevel(ctx context.Context, ticker, side, price string) (int64, error) {
	v, err := c.client.HGet(ctx, levelsKey(ticker, side), price).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get price level %s %s %s: %w", ticker, side, price, err)
	}
	return v, nil
}

func (c *OrderbookLevelsCache) GetOrderBookLevels(ctx context.Context, ticker string, opts LevelsOptions) (OrderbookLevels, error) {
	if opts.UncrossBook && !opts.SortSides {
		return OrderbookLevels{}, fmt.Errorf("%w: uncrossBook requires sortSides", ErrInvalidOptions)
	}
	if opts.LimitPerSide != 0 && !opts.SortSides {
		return OrderbookLevels{}, fmt.Errorf("%w: limitPerSide requires sortSides", ErrInvalidOptions)
	}

	bids, err := c.getSide(ctx, ticker, SideBids)
	if err != nil {
		return OrderbookLevels{}, err
	}
	asks, err := c.getSide(ctx, ticker, SideAsks)
	if err != nil {
		return OrderbookLevels{}, err
	}

	if !opts.KeepZeros {
		bids = withoutZeros(bids)
		asks = withoutZeros(asks)
	}
	if opts.SortSides {
		sortLevels(bids, true)
		sortLevels(asks, false)
	}
	if opts.UncrossBook {
		bids, asks = uncross(bids, asks)
	}
	if opts.LimitPerSide > 0 {
		if len(bids) > opts.LimitPerSide {
			bids = bids[:opts.LimitPerSide]
		}
		if len(asks) > opts.LimitPerSide {
			asks = asks[:opts.LimitPerSide]
		}
	}
	return OrderbookLevels{Bids: bids, Asks: asks}, nil
}

func (c *OrderbookLevelsCache) getSide(ctx context.Context, ticker, side string) ([]PriceLevel, error) {
	pipe := c.client.Pipeline()
	sizesCmd := pipe.HGetAll(ctx, levelsKey(ticker, side))
	updatedCmd := pipe.HGetAll(ctx, levelsLastUpdatedKey(ticker, side))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get orderbook levels %s %s: %w", ticker, side, err)
	}

	sizes := sizesCmd.Val()
	updated := updatedCmd.Val()
	levels := make([]PriceLevel, 0, len(sizes))
	for price, raw := range sizes {
		quantums, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse level %s %s %s: %w", ticker, side, price, err)
		}
		lastUpdated, _ := strconv.ParseInt(updated[price], 10, 64)
		levels = append(levels, PriceLevel{Price: price, Quantums: quantums, LastUpdated: lastUpdated})
	}
	return levels, nil
}

func withoutZeros(levels []PriceLevel) []PriceLevel {
	out := levels[:0]
	for _, level := range levels {
		if level.Quantums != 0 {
			out = append(out, level)
		}
	}
	return out
}

func sortLevels(levels []PriceLevel, descending bool) {
	sort.SliceStable(levels, func(i, j int) bool {
		a, errA := decimal.NewFromString(levels[i].Price)
		b, errB := decimal.NewFromString(levels[j].Price)
		if errA != nil || errB != nil {
			return levels[i].Price < levels[j].Price
		}
		if descending {
			return a.GreaterThan(b)
		}
		return a.LessThan(b)
	})
}

// uncross drops levels from the top of the book while the best bid is at or
// above the best ask. The staler level goes first; on a tie the smaller one
// goes, and equal sizes keep the ask.
func uncross(bids, asks []PriceLevel) ([]PriceLevel, []PriceLevel) {
	for len(bids) > 0 && len(asks) > 0 {
		bid, ask := bids[0], asks[0]
		bidPrice, errBid := decimal.NewFromString(bid.Price)
		askPrice, errAsk := decimal.NewFromString(ask.Price)
		if errBid != nil || errAsk != nil || bidPrice.LessThan(askPrice) {
			break
		}

		switch {
		case bid.LastUpdated < ask.LastUpdated:
			bids = bids[1:]
		case ask.LastUpdated < bid.LastUpdated:
			asks = asks[1:]
		case ask.Quantums < bid.Quantums:
			asks = asks[1:]
		default:
			bids = bids[1:]
		}
	}
	return bids, asks
}
