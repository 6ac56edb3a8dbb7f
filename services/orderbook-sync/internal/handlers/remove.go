package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/AfshinJalili/obsync/libs/logging"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/cache"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/events"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/storage"
)

const removeHandlerName = "OrderRemoveHandler"

type RemoveHandler struct {
	deps *Deps
}

func (h *RemoveHandler) Handle(ctx context.Context, headers events.Headers, update events.Update) (Effects, error) {
	d := h.deps
	remove, ok := update.(*events.OrderRemove)
	if !ok {
		return nil, &ParseError{Msg: fmt.Sprintf("remove handler received %T", update)}
	}
	logger := d.logger().With("handler", removeHandlerName, "tx_hash", headers.TxHash)

	if err := h.validate(ctx, remove); err != nil {
		return nil, err
	}
	id := *remove.RemovedOrderID
	orderUUID := protocol.OrderUUID(id)
	logger = logger.With("order_id", orderUUID, "reason", remove.Reason.String())

	if remove.Reason == protocol.RemovalReasonIndexerExpired {
		expired, err := h.verifyIndexerExpiry(ctx, logger, orderUUID)
		if err != nil || !expired {
			return nil, err
		}
	}

	removed, err := timed(d, removeHandlerName, "remove_order_cache_update", func() (cache.RemoveResult, error) {
		return d.Orders.RemoveOrder(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	// A redelivery finds the order gone, so its level is released before any
	// call that can fail.
	book, err := d.releaseCachedLevel(ctx, logger, removed)
	if err != nil {
		return nil, err
	}
	if err := h.markCanceled(ctx, orderUUID, remove.RemovalStatus); err != nil {
		return nil, err
	}

	var effects Effects
	if isStatefulCancelation(id, remove) {
		effects, err = h.statefulCancelation(ctx, logger, remove, removed)
	} else {
		effects, err = h.ordinaryRemoval(ctx, logger, remove, removed)
	}
	if err != nil {
		return nil, err
	}
	if book != nil {
		effects = append(effects, *book)
	}
	return effects, nil
}

func (h *RemoveHandler) validate(ctx context.Context, remove *events.OrderRemove) error {
	d := h.deps
	at := removeHandlerName + "#validate"
	switch {
	case remove.RemovedOrderID == nil:
		return d.parseError(ctx, at, "remove is missing the removed order id")
	case remove.RemovedOrderID.SubaccountID == nil:
		return d.parseError(ctx, at, "removed order id is missing the subaccount id")
	case remove.RemovalStatus == protocol.RemovalStatusUnspecified:
		return d.parseError(ctx, at, "removal status is unspecified", "order_id", remove.RemovedOrderID.String())
	case remove.Reason == protocol.RemovalReasonUnspecified:
		return d.parseError(ctx, at, "removal reason is unspecified", "order_id", remove.RemovedOrderID.String())
	}
	return nil
}

// verifyIndexerExpiry confirms a self-generated expiry still holds: the order
// is cached, short-term, and its good-til block is below the latest height.
func (h *RemoveHandler) verifyIndexerExpiry(ctx context.Context, logger *slog.Logger, orderUUID string) (bool, error) {
	d := h.deps
	at := removeHandlerName + "#verifyIndexerExpiry"
	reject := func(event, msg string, args ...any) (bool, error) {
		d.Metrics.Inc(event)
		d.Metrics.Inc(EventRemoveIndexerTempExpired)
		logger.Info(msg, append([]any{"at", at}, args...)...)
		return false, nil
	}

	cached, err := timed(d, removeHandlerName, "get_order", func() (*protocol.RedisOrder, error) {
		return d.Orders.GetOrder(ctx, orderUUID)
	})
	if err != nil {
		return false, err
	}
	if cached == nil {
		return reject(EventRemoveIndexerExpiredNotFound, "indexer expired order not found in cache")
	}
	if !cached.OrderID().IsShortTerm() {
		return reject(EventRemoveIndexerExpiredLongTerm, "indexer expired order is not short-term",
			"order_flags", cached.OrderID().OrderFlags)
	}

	block, err := timed(d, removeHandlerName, "latest_block", func() (storage.Block, error) {
		return d.Blocks.LatestBlock(ctx)
	})
	if err != nil {
		return false, err
	}
	gtb := cached.Order.GoodTilBlock
	if gtb == nil || int64(*gtb) >= block.Height {
		return reject(EventRemoveIndexerExpiredNotExpired, "indexer expired order is not expired",
			"latest_height", block.Height)
	}
	return true, nil
}

func (h *RemoveHandler) markCanceled(ctx context.Context, orderUUID string, status protocol.RemovalStatus) error {
	d := h.deps
	switch status {
	case protocol.RemovalStatusCanceled:
		return timedErr(d, removeHandlerName, "add_canceled_order", func() error {
			return d.Canceled.AddCanceledOrder(ctx, orderUUID)
		})
	case protocol.RemovalStatusBestEffortCanceled:
		return timedErr(d, removeHandlerName, "add_best_effort_canceled_order", func() error {
			return d.Canceled.AddBestEffortCanceledOrder(ctx, orderUUID)
		})
	default:
		return nil
	}
}

// isStatefulCancelation selects user cancels of stateful orders. Vault orders
// are never persisted, so they take the ordinary path.
func isStatefulCancelation(id protocol.OrderID, remove *events.OrderRemove) bool {
	return id.IsStateful() && !id.IsVault() &&
		remove.Reason == protocol.RemovalReasonUserCanceled &&
		remove.RemovalStatus == protocol.RemovalStatusCanceled
}

// statefulCancelation reports a user cancel of a stateful order from its
// durable row, since the order may never have reached the cache.
func (h *RemoveHandler) statefulCancelation(ctx context.Context, logger *slog.Logger, remove *events.OrderRemove, removed cache.RemoveResult) (Effects, error) {
	d := h.deps
	id := *remove.RemovedOrderID
	orderUUID := protocol.OrderUUID(id)

	row, err := d.findDurable(ctx, removeHandlerName, orderUUID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		d.Metrics.Inc(EventRemoveStatefulNotInStore)
		logger.Error("stateful canceled order not found in store", "at", removeHandlerName+"#statefulCancelation")
		return nil, nil
	}
	market, ok := d.Markets.ByClobPairID(row.ClobPairID)
	if !ok {
		logger.Error("stateful canceled order has unknown clob pair id",
			"at", removeHandlerName+"#statefulCancelation", "clob_pair_id", row.ClobPairID)
		return nil, nil
	}

	summary := durableSummary(row, market.Ticker)
	summary.Status = string(protocol.OrderStatusCanceled)
	summary.RemovalReason = remove.Reason.String()
	if removed.Removed {
		summary.TotalOptimisticFilled = market.Size(removed.TotalFilled)
	}
	sub, err := subaccountNotification(*id.SubaccountID, d.Blocks.LatestHeight(), summary)
	if err != nil {
		return nil, err
	}
	return Effects{sub}, nil
}

func (h *RemoveHandler) ordinaryRemoval(ctx context.Context, logger *slog.Logger, remove *events.OrderRemove, removed cache.RemoveResult) (Effects, error) {
	d := h.deps
	id := *remove.RemovedOrderID
	orderUUID := protocol.OrderUUID(id)
	status := protocol.OrderStatusForRemoval(remove.RemovalStatus)

	market, ok := d.Markets.ByClobPairID(strconv.FormatUint(uint64(id.ClobPairID), 10))
	if !ok {
		logger.Error("removed order has unknown clob pair id",
			"at", removeHandlerName+"#ordinaryRemoval", "clob_pair_id", id.ClobPairID)
		return nil, nil
	}

	if !removed.Removed || removed.RemovedOrder == nil {
		logger.Info("removed order not found in cache", "at", removeHandlerName+"#ordinaryRemoval")
		return h.missingOrderRemoval(ctx, remove, market)
	}

	order := *removed.RemovedOrder
	row, stateRemaining, err := d.settleDurableStatus(ctx, removeHandlerName, order, status)
	if err != nil {
		return nil, err
	}

	var effects Effects
	if shouldSendRemoval(stateRemaining, remove.RemovalStatus, remove.Reason) {
		summary := withDurable(cachedSummary(order, market, status), row)
		summary.TotalOptimisticFilled = market.Size(removed.TotalFilled)
		summary.RemovalReason = remove.Reason.String()
		sub, err := subaccountNotification(*id.SubaccountID, d.Blocks.LatestHeight(), summary)
		if err != nil {
			return nil, err
		}
		effects = append(effects, sub)
	} else {
		logger.Debug("subaccount message suppressed", "at", removeHandlerName+"#ordinaryRemoval",
			"removal_status", string(status), "state_remaining", stateRemaining, "order_uuid", orderUUID)
	}
	return effects, nil
}

// missingOrderRemoval reports a removal for an order the cache never held,
// sourced from the durable row when one exists.
func (h *RemoveHandler) missingOrderRemoval(ctx context.Context, remove *events.OrderRemove, market protocol.PerpetualMarket) (Effects, error) {
	d := h.deps
	if !d.Flags.SendSubaccountMessagesForCancelsMissingOrders ||
		remove.Reason == protocol.RemovalReasonIndexerExpired ||
		remove.Reason == protocol.RemovalReasonFullyFilled {
		return nil, nil
	}
	id := *remove.RemovedOrderID
	row, err := d.findDurable(ctx, removeHandlerName, protocol.OrderUUID(id))
	if err != nil || row == nil {
		return nil, err
	}
	summary := durableSummary(row, market.Ticker)
	summary.Status = string(protocol.OrderStatusForRemoval(remove.RemovalStatus))
	summary.RemovalReason = remove.Reason.String()
	sub, err := subaccountNotification(*id.SubaccountID, d.Blocks.LatestHeight(), summary)
	if err != nil {
		return nil, err
	}
	return Effects{sub}, nil
}

// shouldSendRemoval lists the removals already implied by a terminal fill.
func shouldSendRemoval(stateRemaining bool, status protocol.RemovalStatus, reason protocol.RemovalReason) bool {
	if !stateRemaining && status == protocol.RemovalStatusBestEffortCanceled && reason == protocol.RemovalReasonUserCanceled {
		return false
	}
	if !stateRemaining && status == protocol.RemovalStatusCanceled && reason == protocol.RemovalReasonIndexerExpired {
		return false
	}
	return reason != protocol.RemovalReasonFullyFilled
}

// releaseCachedLevel takes a removed resting order's remaining size off its
// level, then drops it from the open orders of its market.
func (d *Deps) releaseCachedLevel(ctx context.Context, logger *slog.Logger, removed cache.RemoveResult) (*Notification, error) {
	order := removed.RemovedOrder
	if !removed.Removed || order == nil || !removed.RestingOnBook || order.Order.RequiresImmediateExecution() {
		return nil, nil
	}
	market, ok := d.cachedMarket(*order)
	if !ok {
		logging.Crit(ctx, logger, "removed order has unknown market",
			"at", removeHandlerName+"#releaseCachedLevel", "ticker", order.Ticker)
		return nil, nil
	}

	var book *Notification
	remaining, overfilled := protocol.RemainingQuantums(order.Order.Quantums, removed.TotalFilled)
	if overfilled {
		d.Metrics.Inc(EventRemoveTotalFilledExceedsSize)
		logger.Warn("removed order total filled exceeds size",
			"at", removeHandlerName+"#releaseCachedLevel",
			"size", order.Order.Quantums,
			"total_filled", removed.TotalFilled,
		)
	}
	if remaining > 0 {
		delta, err := quantumsToDelta(remaining)
		if err != nil {
			return nil, err
		}
		if book, err = d.adjustLevel(ctx, removeHandlerName, *order, market, -delta); err != nil {
			return nil, err
		}
	}

	if err := timedErr(d, removeHandlerName, "remove_open_order", func() error {
		return d.OpenOrders.RemoveOpenOrder(ctx, order.ID, market.ClobPairID)
	}); err != nil {
		return nil, err
	}
	return book, nil
}

// settleDurableStatus moves the durable order to status unless on-chain fills
// already consumed it. It reports whether any state-filled size remained. The
// row is nil when the order was never persisted.
func (d *Deps) settleDurableStatus(ctx context.Context, handler string, order protocol.RedisOrder, status protocol.OrderStatus) (*storage.Order, bool, error) {
	var filled uint64
	if err := timedErr(d, handler, "get_state_filled_quantums", func() error {
		var err error
		filled, _, err = d.StateFilled.GetStateFilledQuantums(ctx, order.ID)
		return err
	}); err != nil {
		return nil, false, err
	}

	remaining, _ := protocol.RemainingQuantums(order.Order.Quantums, filled)
	if remaining == 0 {
		row, err := d.findDurable(ctx, handler, order.ID)
		return row, false, err
	}
	row, err := timed(d, handler, "update_order_status", func() (*storage.Order, error) {
		return d.Store.UpdateOrderStatus(ctx, order.ID, status)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, true, err
	}
	return row, true, nil
}
