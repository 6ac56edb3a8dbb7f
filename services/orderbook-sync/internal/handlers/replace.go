package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/cache"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/events"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
)

const replaceHandlerName = "OrderReplaceHandler"

// ReplaceHandler swaps an order for its replacement. When the replacement has
// a different uuid the old order is reported canceled.
type ReplaceHandler struct {
	deps *Deps
}

func (h *ReplaceHandler) Handle(ctx context.Context, headers events.Headers, update events.Update) (Effects, error) {
	d := h.deps
	replace, ok := update.(*events.OrderReplace)
	if !ok {
		return nil, &ParseError{Msg: fmt.Sprintf("replace handler received %T", update)}
	}
	logger := d.logger().With("handler", replaceHandlerName, "tx_hash", headers.TxHash)

	if err := d.validatePlacement(ctx, replaceHandlerName, replace.Order, replace.PlacementStatus); err != nil {
		return nil, err
	}
	if replace.OldOrderID == nil || replace.OldOrderID.SubaccountID == nil {
		return nil, d.parseError(ctx, replaceHandlerName+"#validate", "replace is missing the old order id")
	}
	order := *replace.Order
	id := *order.OrderID
	oldID := *replace.OldOrderID
	oldUUID := protocol.OrderUUID(oldID)

	market, ok := d.Markets.ByClobPairID(strconv.FormatUint(uint64(id.ClobPairID), 10))
	if !ok {
		return nil, d.parseError(ctx, replaceHandlerName+"#handle", "order has unknown clob pair id",
			"clob_pair_id", id.ClobPairID, "order_id", id.String())
	}
	redisOrder := protocol.NewRedisOrder(order, market)

	removed, err := timed(d, replaceHandlerName, "remove_old_order", func() (cache.RemoveResult, error) {
		return d.Orders.RemoveOrder(ctx, oldID)
	})
	if err != nil {
		return nil, err
	}
	if !removed.Removed {
		d.Metrics.Inc(EventReplaceOldOrderNotFound)
		logger.Info("old order not found in cache",
			"at", replaceHandlerName+"#handle", "old_order_id", oldUUID)
	}
	// A redelivery finds the old order gone, so its level is released before
	// any call that can fail.
	book, err := d.releaseReplacedLevel(ctx, logger, removed, redisOrder, market)
	if err != nil {
		return nil, err
	}

	placed, err := timed(d, replaceHandlerName, "place_order_cache_update", func() (cache.PlaceResult, error) {
		return d.Orders.PlaceOrder(ctx, redisOrder)
	})
	if err != nil {
		return nil, err
	}
	if placed.Replaced {
		d.Metrics.Inc(EventReplacePlaceResultReplaced)
	}

	var effects Effects
	renamed := oldUUID != redisOrder.ID
	if removed.Removed && renamed {
		canceled, err := d.cancelReplacedOrder(ctx, replaceHandlerName, removed, market)
		if err != nil {
			return nil, err
		}
		if canceled != nil {
			effects = append(effects, *canceled)
		}
	}

	if placed.Placed || placed.Replaced {
		if err := timedErr(d, replaceHandlerName, "remove_order_from_canceled_cache", func() error {
			return d.Canceled.RemoveOrderFromCaches(ctx, redisOrder.ID)
		}); err != nil {
			return nil, err
		}
	}

	if shouldSendPlacement(d.Flags, id, replace.PlacementStatus, placed.Placed, placed.Replaced) {
		sub, err := d.placementSubaccountEffects(ctx, logger, replaceHandlerName, redisOrder, market, replace.PlacementStatus)
		if err != nil {
			return nil, err
		}
		effects = append(effects, sub...)
	}
	if book != nil {
		effects = append(effects, *book)
	}
	return effects, nil
}

// releaseReplacedLevel takes the old order's remaining size off its level.
// The notification is withheld when the replacement keeps the same price.
func (d *Deps) releaseReplacedLevel(ctx context.Context, logger *slog.Logger, removed cache.RemoveResult, replacement protocol.RedisOrder, market protocol.PerpetualMarket) (*Notification, error) {
	old := removed.RemovedOrder
	if !removed.Removed || old == nil || !removed.RestingOnBook || old.Order.RequiresImmediateExecution() {
		return nil, nil
	}
	oldMarket := market
	if m, ok := d.cachedMarket(*old); ok {
		oldMarket = m
	}

	var n *Notification
	remaining, overfilled := protocol.RemainingQuantums(old.Order.Quantums, removed.TotalFilled)
	if overfilled {
		d.Metrics.Inc(EventPlaceTotalFilledExceedsSize)
		logger.Warn("replaced order total filled exceeds size",
			"at", replaceHandlerName+"#releaseReplacedLevel",
			"order_id", old.ID,
			"size", old.Order.Quantums,
			"total_filled", removed.TotalFilled,
		)
	} else if remaining > 0 {
		delta, err := quantumsToDelta(remaining)
		if err != nil {
			return nil, err
		}
		if n, err = d.adjustLevel(ctx, replaceHandlerName, *old, oldMarket, -delta); err != nil {
			return nil, err
		}
	}

	if err := timedErr(d, replaceHandlerName, "remove_open_order", func() error {
		return d.OpenOrders.RemoveOpenOrder(ctx, old.ID, oldMarket.ClobPairID)
	}); err != nil {
		return nil, err
	}
	if n == nil || old.Order.Subticks == replacement.Order.Subticks {
		return nil, nil
	}
	return n, nil
}

// cancelReplacedOrder marks the superseded order canceled in the store and the
// canceled-order cache and returns its subaccount message.
func (d *Deps) cancelReplacedOrder(ctx context.Context, handler string, removed cache.RemoveResult, market protocol.PerpetualMarket) (*Notification, error) {
	old := removed.RemovedOrder
	if old == nil {
		return nil, nil
	}
	oldID := old.OrderID()
	if oldID.SubaccountID == nil {
		return nil, nil
	}
	if m, ok := d.Markets.ByTicker(old.Ticker); ok {
		market = m
	}

	row, _, err := d.settleDurableStatus(ctx, handler, *old, protocol.OrderStatusCanceled)
	if err != nil {
		return nil, err
	}
	if err := timedErr(d, handler, "add_canceled_order", func() error {
		return d.Canceled.AddCanceledOrder(ctx, old.ID)
	}); err != nil {
		return nil, err
	}

	summary := withDurable(cachedSummary(*old, market, protocol.OrderStatusCanceled), row)
	summary.TotalOptimisticFilled = market.Size(removed.TotalFilled)
	summary.RemovalReason = protocol.RemovalReasonReplaced.String()
	n, err := subaccountNotification(*oldID.SubaccountID, d.Blocks.LatestHeight(), summary)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
