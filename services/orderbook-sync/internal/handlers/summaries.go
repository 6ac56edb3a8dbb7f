package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/AfshinJalili/obsync/libs/logging"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/cache"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/notify"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/storage"
)

const isoMillis = "2006-01-02T15:04:05.000Z"

func isoTime(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

func boolPtr(v bool) *bool {
	return &v
}

// cachedSummary renders a cached order as a subaccount order entry.
func cachedSummary(order protocol.RedisOrder, market protocol.PerpetualMarket, status protocol.OrderStatus) notify.OrderSummary {
	o := order.Order
	id := order.OrderID()
	var sub protocol.SubaccountID
	if id.SubaccountID != nil {
		sub = *id.SubaccountID
	}
	summary := notify.OrderSummary{
		ID:             order.ID,
		SubaccountID:   protocol.SubaccountUUID(sub),
		ClientID:       strconv.FormatUint(uint64(id.ClientID), 10),
		ClobPairID:     market.ClobPairID,
		Side:           o.Side.String(),
		Size:           order.Size,
		Price:          order.Price,
		Status:         string(status),
		Type:           o.ConditionType.OrderType(),
		TimeInForce:    o.TimeInForce.APIName(),
		PostOnly:       boolPtr(o.TimeInForce == protocol.TimeInForcePostOnly),
		ReduceOnly:     boolPtr(o.ReduceOnly),
		OrderFlags:     strconv.FormatUint(uint64(id.OrderFlags), 10),
		Ticker:         order.Ticker,
		ClientMetadata: strconv.FormatUint(uint64(o.ClientMetadata), 10),
		TriggerPrice:   market.TriggerPrice(o),
	}
	if o.GoodTilBlock != nil {
		summary.GoodTilBlock = strconv.FormatUint(uint64(*o.GoodTilBlock), 10)
	}
	if o.GoodTilBlockTime != nil {
		summary.GoodTilBlockTime = isoTime(time.Unix(int64(*o.GoodTilBlockTime), 0))
	}
	return summary
}

// withDurable adds the fields only the durable row knows.
func withDurable(summary notify.OrderSummary, row *storage.Order) notify.OrderSummary {
	if row == nil {
		return summary
	}
	summary.CreatedAtHeight = row.CreatedAtHeight
	if !row.UpdatedAt.IsZero() {
		summary.UpdatedAt = isoTime(row.UpdatedAt)
	}
	summary.UpdatedAtHeight = row.UpdatedAtHeight
	return summary
}

// durableSummary renders a durable order row as a subaccount order entry.
func durableSummary(row *storage.Order, ticker string) notify.OrderSummary {
	summary := notify.OrderSummary{
		ID:              row.ID,
		SubaccountID:    row.SubaccountID,
		ClientID:        row.ClientID,
		ClobPairID:      row.ClobPairID,
		Side:            row.Side,
		Size:            row.Size.String(),
		TotalFilled:     row.TotalFilled.String(),
		Price:           row.Price.String(),
		Status:          string(row.Status),
		Type:            row.Type,
		TimeInForce:     row.TimeInForce,
		PostOnly:        boolPtr(row.TimeInForce == protocol.TimeInForcePostOnly.APIName()),
		ReduceOnly:      boolPtr(row.ReduceOnly),
		OrderFlags:      row.OrderFlags,
		Ticker:          ticker,
		CreatedAtHeight: row.CreatedAtHeight,
		UpdatedAtHeight: row.UpdatedAtHeight,
		ClientMetadata:  row.ClientMetadata,
	}
	if row.GoodTilBlock != nil {
		summary.GoodTilBlock = *row.GoodTilBlock
	}
	if row.GoodTilBlockTime != nil {
		summary.GoodTilBlockTime = isoTime(*row.GoodTilBlockTime)
	}
	if row.TriggerPrice != nil {
		summary.TriggerPrice = row.TriggerPrice.String()
	}
	if !row.UpdatedAt.IsZero() {
		summary.UpdatedAt = isoTime(row.UpdatedAt)
	}
	return summary
}

func subaccountNotification(sub protocol.SubaccountID, blockHeight string, summary notify.OrderSummary) (Notification, error) {
	value, err := notify.NewSubaccountMessage(sub, blockHeight, summary)
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		Channel: ChannelSubaccounts,
		Key:     notify.MarshalSubaccountID(sub),
		Value:   value,
	}, nil
}

// adjustLevel applies delta to the order's price level and returns the
// orderbook notification carrying the level's new aggregate size. A delta the
// level cannot absorb is logged and skipped.
func (d *Deps) adjustLevel(ctx context.Context, handler string, order protocol.RedisOrder, market protocol.PerpetualMarket, delta int64) (*Notification, error) {
	side := order.Order.Side.BookSide()
	updated, err := timed(d, handler, "update_price_level", func() (int64, error) {
		return d.Levels.UpdatePriceLevel(ctx, order.Ticker, side, order.Price, delta)
	})
	if errors.Is(err, cache.ErrInvalidPriceLevelUpdate) {
		d.Metrics.Inc(EventInvalidPriceLevelUpdate)
		logging.Crit(ctx, d.logger(), "price level update rejected",
			"at", handler+"#adjustLevel",
			"order_id", order.ID,
			"ticker", order.Ticker,
			"side", side,
			"price", order.Price,
			"delta", delta,
			"error", err,
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	value, err := notify.NewOrderbookMessage(market.ClobPairID, side, order.Price, market.Size(uint64(updated)))
	if err != nil {
		return nil, err
	}
	return &Notification{
		Channel: ChannelOrderbooks,
		Key:     []byte(market.ClobPairID),
		Value:   value,
	}, nil
}

// cachedMarket resolves the market a cached order was rendered with.
func (d *Deps) cachedMarket(order protocol.RedisOrder) (protocol.PerpetualMarket, bool) {
	if m, ok := d.Markets.ByTicker(order.Ticker); ok {
		return m, true
	}
	return d.Markets.ByClobPairID(strconv.FormatUint(uint64(order.OrderID().ClobPairID), 10))
}

var errQuantumsOverflow = errors.New("quantums exceed int64")

func quantumsToDelta(q uint64) (int64, error) {
	if q > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d", errQuantumsOverflow, q)
	}
	return int64(q), nil
}

// findDurable returns the durable row, or nil when it has not been written yet.
func (d *Deps) findDurable(ctx context.Context, handler, orderUUID string) (*storage.Order, error) {
	row, err := timed(d, handler, "find_order", func() (*storage.Order, error) {
		return d.Store.FindOrderByUUID(ctx, orderUUID)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return row, err
}
