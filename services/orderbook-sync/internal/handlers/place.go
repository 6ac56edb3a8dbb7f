package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/AfshinJalili/obsync/libs/logging"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/cache"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/events"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/storage"
)

const placeHandlerName = "OrderPlaceHandler"

type PlaceHandler struct {
	deps *Deps
}

func (h *PlaceHandler) Handle(ctx context.Context, headers events.Headers, update events.Update) (Effects, error) {
	d := h.deps
	place, ok := update.(*events.OrderPlace)
	if !ok {
		return nil, &ParseError{Msg: fmt.Sprintf("place handler received %T", update)}
	}
	logger := d.logger().With("handler", placeHandlerName, "tx_hash", headers.TxHash)

	if err := d.validatePlacement(ctx, placeHandlerName, place.Order, place.PlacementStatus); err != nil {
		return nil, err
	}
	order := *place.Order
	id := *order.OrderID

	market, ok := d.Markets.ByClobPairID(strconv.FormatUint(uint64(id.ClobPairID), 10))
	if !ok {
		return nil, d.parseError(ctx, placeHandlerName+"#handle", "order has unknown clob pair id",
			"clob_pair_id", id.ClobPairID, "order_id", id.String())
	}
	redisOrder := protocol.NewRedisOrder(order, market)

	result, err := timed(d, placeHandlerName, "place_order_cache_update", func() (cache.PlaceResult, error) {
		return d.Orders.PlaceOrder(ctx, redisOrder)
	})
	if err != nil {
		return nil, err
	}

	// The replaced order's state is gone once PlaceOrder commits, so its level
	// is corrected first.
	var book *Notification
	if result.Replaced {
		d.Metrics.Inc(EventPlaceReplacedOrder)
		book, err = d.correctReplacedLevel(ctx, logger, placeHandlerName, result, market)
		if err != nil {
			return nil, err
		}
		if err := timedErr(d, placeHandlerName, "remove_open_order", func() error {
			return d.OpenOrders.RemoveOpenOrder(ctx, redisOrder.ID, market.ClobPairID)
		}); err != nil {
			return nil, err
		}
	}
	if result.Placed || result.Replaced {
		if err := timedErr(d, placeHandlerName, "remove_order_from_canceled_cache", func() error {
			return d.Canceled.RemoveOrderFromCaches(ctx, redisOrder.ID)
		}); err != nil {
			return nil, err
		}
	} else {
		d.Metrics.Inc(EventPlaceStale)
		logger.Info("cached order has an equal or later expiry",
			"at", placeHandlerName+"#handle", "order_id", redisOrder.ID)
	}

	var effects Effects
	if shouldSendPlacement(d.Flags, id, place.PlacementStatus, result.Placed, result.Replaced) {
		sub, err := d.placementSubaccountEffects(ctx, logger, placeHandlerName, redisOrder, market, place.PlacementStatus)
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

func (d *Deps) validatePlacement(ctx context.Context, handler string, order *protocol.IndexerOrder, status protocol.PlacementStatus) error {
	at := handler + "#validate"
	switch {
	case order == nil:
		return d.parseError(ctx, at, "event is missing the order")
	case order.OrderID == nil:
		return d.parseError(ctx, at, "order is missing the order id")
	case order.OrderID.SubaccountID == nil:
		return d.parseError(ctx, at, "order id is missing the subaccount id")
	case status == protocol.PlacementStatusUnspecified:
		return d.parseError(ctx, at, "placement status is unspecified", "order_id", order.OrderID.String())
	}
	return nil
}

// correctReplacedLevel takes the replaced order's remaining size off its
// level. It returns nil when the level is left untouched.
func (d *Deps) correctReplacedLevel(ctx context.Context, logger *slog.Logger, handler string, result cache.PlaceResult, market protocol.PerpetualMarket) (*Notification, error) {
	old := result.OldOrder
	if old == nil || !result.OldRestingOnBook || old.Order.RequiresImmediateExecution() {
		return nil, nil
	}
	remaining, overfilled := protocol.RemainingQuantums(old.Order.Quantums, result.OldTotalFilled)
	if overfilled {
		d.Metrics.Inc(EventPlaceTotalFilledExceedsSize)
		logger.Warn("replaced order total filled exceeds size",
			"at", handler+"#correctReplacedLevel",
			"order_id", old.ID,
			"size", old.Order.Quantums,
			"total_filled", result.OldTotalFilled,
		)
		return nil, nil
	}
	if remaining == 0 {
		return nil, nil
	}
	delta, err := quantumsToDelta(remaining)
	if err != nil {
		return nil, err
	}
	return d.adjustLevel(ctx, handler, *old, market, -delta)
}

// shouldSendPlacement decides whether a placement reaches the subaccount channel.
func shouldSendPlacement(flags Flags, id protocol.OrderID, status protocol.PlacementStatus, placed, replaced bool) bool {
	if id.IsLongTerm() && !flags.SendSubaccountMessagesForStatefulOrders {
		return false
	}
	if !id.IsShortTerm() && status == protocol.PlacementStatusBestEffortOpened {
		return false
	}
	if !placed && !replaced && status == protocol.PlacementStatusBestEffortOpened {
		return false
	}
	return true
}

func placementOrderStatus(status protocol.PlacementStatus) protocol.OrderStatus {
	if status == protocol.PlacementStatusOpened {
		return protocol.OrderStatusOpen
	}
	return protocol.OrderStatusBestEffortOpened
}

// placementSubaccountEffects builds the deferred-update replay, if any, followed
// by the subaccount message for a placed order.
func (d *Deps) placementSubaccountEffects(ctx context.Context, logger *slog.Logger, handler string, order protocol.RedisOrder, market protocol.PerpetualMarket, status protocol.PlacementStatus) (Effects, error) {
	id := order.OrderID()
	var (
		effects Effects
		row     *storage.Order
		err     error
	)
	if id.IsStateful() || id.IsVault() {
		if id.IsStateful() && !id.IsVault() {
			row, err = d.findDurable(ctx, handler, order.ID)
			if err != nil {
				return nil, err
			}
			if row == nil {
				logging.Crit(ctx, logger, "stateful order not found in store",
					"at", handler+"#subaccountEffects", "order_id", order.ID)
				return nil, fmt.Errorf("%w: stateful order %s", storage.ErrNotFound, order.ID)
			}
		}
		replay, err := d.replayDeferredUpdate(ctx, handler, order.ID)
		if err != nil {
			return nil, err
		}
		if replay != nil {
			effects = append(effects, *replay)
		}
	}

	summary := withDurable(cachedSummary(order, market, placementOrderStatus(status)), row)
	n, err := subaccountNotification(*id.SubaccountID, d.Blocks.LatestHeight(), summary)
	if err != nil {
		return nil, err
	}
	return append(effects, n), nil
}

// replayDeferredUpdate takes a parked fill update off the deferral store and
// re-submits it to the input stream.
func (d *Deps) replayDeferredUpdate(ctx context.Context, handler, orderUUID string) (*Notification, error) {
	parked, err := timed(d, handler, "remove_stateful_order_update", func() (*events.OrderUpdate, error) {
		return d.Deferred.RemoveStatefulOrderUpdate(ctx, orderUUID)
	})
	if err != nil || parked == nil {
		return nil, err
	}
	value, err := events.Encode(parked)
	if err != nil {
		return nil, err
	}
	return &Notification{
		Channel: ChannelOffChainUpdates,
		Key:     []byte(orderUUID),
		Value:   value,
	}, nil
}
