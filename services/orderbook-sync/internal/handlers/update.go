package handlers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/AfshinJalili/obsync/libs/logging"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/cache"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/events"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
)

const updateHandlerName = "OrderUpdateHandler"

// UpdateHandler applies fill progress. The first update for an order puts its
// remaining size on the book; later ones take filled size off.
type UpdateHandler struct {
	deps *Deps
}

func (h *UpdateHandler) Handle(ctx context.Context, headers events.Headers, update events.Update) (Effects, error) {
	d := h.deps
	u, ok := update.(*events.OrderUpdate)
	if !ok {
		return nil, &ParseError{Msg: fmt.Sprintf("update handler received %T", update)}
	}
	at := updateHandlerName + "#handle"
	if u.OrderID == nil {
		return nil, d.parseError(ctx, updateHandlerName+"#validate", "update is missing the order id")
	}
	if u.OrderID.SubaccountID == nil {
		return nil, d.parseError(ctx, updateHandlerName+"#validate", "update order id is missing the subaccount id")
	}
	id := *u.OrderID
	orderUUID := protocol.OrderUUID(id)
	logger := d.logger().With("handler", updateHandlerName, "tx_hash", headers.TxHash, "order_id", orderUUID)

	result, err := timed(d, updateHandlerName, "update_order_cache_update", func() (cache.UpdateResult, error) {
		return d.Orders.UpdateOrder(ctx, id, u.TotalFilledQuantums)
	})
	if err != nil {
		return nil, err
	}
	if !result.Updated || result.Order == nil {
		d.Metrics.IncUpdateNotCached(strconv.FormatUint(uint64(id.OrderFlags), 10))
		if id.IsStateful() || id.IsVault() {
			if err := timedErr(d, updateHandlerName, "add_stateful_order_update", func() error {
				return d.Deferred.AddStatefulOrderUpdate(ctx, orderUUID, u, d.now())
			}); err != nil {
				return nil, err
			}
			d.Metrics.Inc(EventUpdateStatefulDeferred)
		}
		logger.Info("updated order does not exist in cache", "at", at, "order_flags", id.OrderFlags)
		return nil, nil
	}

	order := *result.Order
	fill := protocol.UpdateDelta(order.Order.Quantums, result.OldTotalFilled, u.TotalFilledQuantums, result.OldRestingOnBook)
	if fill.NewFilledExceeded {
		d.Metrics.Inc(EventUpdateTotalFilledExceedsSize)
		logger.Info("total filled exceeds size", "at", at,
			"size", order.Order.Quantums, "total_filled", u.TotalFilledQuantums)
	}
	if fill.OldFilledExceeded {
		d.Metrics.Inc(EventUpdateOldFilledExceedsSize)
		logger.Info("old total filled exceeds size", "at", at,
			"size", order.Order.Quantums, "old_total_filled", result.OldTotalFilled)
	}
	if fill.Delta.IsZero() {
		d.Metrics.Inc(EventUpdateZeroDelta)
		return nil, nil
	}
	if order.Order.RequiresImmediateExecution() {
		return nil, nil
	}

	market, ok := d.Markets.ByTicker(order.Ticker)
	if !ok {
		logging.Crit(ctx, logger, "updated order has unknown ticker", "at", at, "ticker", order.Ticker)
		return nil, nil
	}
	if !fill.Delta.BigInt().IsInt64() {
		return nil, fmt.Errorf("%w: delta %s", errQuantumsOverflow, fill.Delta)
	}
	if !result.OldRestingOnBook {
		if err := timedErr(d, updateHandlerName, "add_open_order", func() error {
			return d.OpenOrders.AddOpenOrder(ctx, orderUUID, market.ClobPairID)
		}); err != nil {
			return nil, err
		}
	}

	book, err := d.adjustLevel(ctx, updateHandlerName, order, market, fill.Delta.IntPart())
	if err != nil || book == nil {
		return nil, err
	}
	return Effects{*book}, nil
}
