package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/cache"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/events"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
)

func TestRemoveNotRestingLeavesLevels(t *testing.T) {
	h := newHarness(t, Flags{})
	ctx := context.Background()
	order := shortTermOrder(1, 10)
	other := shortTermOrder(2, 10)
	h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusOpened})
	h.handle(t, &events.OrderPlace{Order: other, PlacementStatus: protocol.PlacementStatusOpened})
	h.handle(t, &events.OrderUpdate{OrderID: other.OrderID, TotalFilledQuantums: 0})
	if size := h.level(t, "100"); size != 500_000 {
		t.Fatalf("expected level 500000, got %d", size)
	}

	effects := h.handle(t, &events.OrderRemove{
		RemovedOrderID: order.OrderID,
		Reason:         protocol.RemovalReasonUserCanceled,
		RemovalStatus:  protocol.RemovalStatusBestEffortCanceled,
	})
	expectChannels(t, effects, ChannelSubaccounts)
	if size := h.level(t, "100"); size != 500_000 {
		t.Fatalf("expected level unchanged, got %d", size)
	}
	orderUUID := protocol.OrderUUID(*order.OrderID)
	if cached, _ := h.orders.GetOrder(ctx, orderUUID); cached != nil {
		t.Fatalf("expected order removed")
	}
	status, _ := h.canceled.GetOrderCanceledStatus(ctx, orderUUID)
	if status != protocol.CanceledStatusBestEffortCanceled {
		t.Fatalf("expected BEST_EFFORT_CANCELED marker, got %s", status)
	}
	if got, _ := h.store.statusUpdate(orderUUID); got != protocol.OrderStatusBestEffortCanceled {
		t.Fatalf("expected durable BEST_EFFORT_CANCELED, got %s", got)
	}
}

func TestRemoveUnknownOrderIsNoop(t *testing.T) {
	h := newHarness(t, Flags{})
	effects := h.handle(t, &events.OrderRemove{
		RemovedOrderID: shortTermID(9),
		Reason:         protocol.RemovalReasonUserCanceled,
		RemovalStatus:  protocol.RemovalStatusCanceled,
	})
	if len(effects) != 0 {
		t.Fatalf("expected no effects, got %v", channels(effects))
	}
}

func TestRemoveMissingOrderFromStoreWhenFlagged(t *testing.T) {
	h := newHarness(t, Flags{SendSubaccountMessagesForCancelsMissingOrders: true})
	id := shortTermID(9)
	h.store.rows[protocol.OrderUUID(*id)] = durableRow(*id)

	effects := h.handle(t, &events.OrderRemove{
		RemovedOrderID: id,
		Reason:         protocol.RemovalReasonUserCanceled,
		RemovalStatus:  protocol.RemovalStatusCanceled,
	})
	expectChannels(t, effects, ChannelSubaccounts)
	if summary := decodeSubaccount(t, effects[0]); summary.Status != string(protocol.OrderStatusCanceled) || summary.CreatedAtHeight != "3" {
		t.Fatalf("unexpected summary %+v", summary)
	}

	effects = h.handle(t, &events.OrderRemove{
		RemovedOrderID: id,
		Reason:         protocol.RemovalReasonFullyFilled,
		RemovalStatus:  protocol.RemovalStatusFilled,
	})
	if len(effects) != 0 {
		t.Fatalf("expected fully filled to stay silent, got %v", channels(effects))
	}
}

func TestRemoveFullyFilledOnlyTouchesBook(t *testing.T) {
	h := newHarness(t, Flags{})
	ctx := context.Background()
	order := shortTermOrder(1, 10)
	orderUUID := protocol.OrderUUID(*order.OrderID)
	h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusOpened})
	h.handle(t, &events.OrderUpdate{OrderID: order.OrderID, TotalFilledQuantums: 100_000})

	effects := h.handle(t, &events.OrderRemove{
		RemovedOrderID: order.OrderID,
		Reason:         protocol.RemovalReasonFullyFilled,
		RemovalStatus:  protocol.RemovalStatusFilled,
	})
	expectChannels(t, effects, ChannelOrderbooks)
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("expected level cleared, got %d", size)
	}
	status, _ := h.canceled.GetOrderCanceledStatus(ctx, orderUUID)
	if status != protocol.CanceledStatusNotCanceled {
		t.Fatalf("expected no marker for fills, got %s", status)
	}
}

func TestRemoveAlreadyFilledBestEffortCancelIsSilent(t *testing.T) {
	h := newHarness(t, Flags{})
	order := shortTermOrder(1, 10)
	orderUUID := protocol.OrderUUID(*order.OrderID)
	h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusOpened})
	h.redis.Set("v4/stateFilledQuantums/"+orderUUID, "500000")

	effects := h.handle(t, &events.OrderRemove{
		RemovedOrderID: order.OrderID,
		Reason:         protocol.RemovalReasonUserCanceled,
		RemovalStatus:  protocol.RemovalStatusBestEffortCanceled,
	})
	if len(effects) != 0 {
		t.Fatalf("expected no effects, got %v", channels(effects))
	}
	if _, ok := h.store.statusUpdate(orderUUID); ok {
		t.Fatalf("expected durable status left alone for a filled order")
	}
}

func TestRemoveIndexerExpiredReverification(t *testing.T) {
	h := newHarness(t, Flags{})
	ctx := context.Background()
	order := shortTermOrder(1, 10)
	orderUUID := protocol.OrderUUID(*order.OrderID)
	h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusBestEffortOpened})
	remove := &events.OrderRemove{
		RemovedOrderID: order.OrderID,
		Reason:         protocol.RemovalReasonIndexerExpired,
		RemovalStatus:  protocol.RemovalStatusBestEffortCanceled,
	}

	h.store.setHeight(10)
	if effects := h.handle(t, remove); len(effects) != 0 {
		t.Fatalf("expected rejected expiry, got %v", channels(effects))
	}
	if cached, _ := h.orders.GetOrder(ctx, orderUUID); cached == nil {
		t.Fatalf("expected order kept")
	}
	if h.event(EventRemoveIndexerExpiredNotExpired) != 1 || h.event(EventRemoveIndexerTempExpired) != 1 {
		t.Fatalf("expected not-expired counters")
	}

	h.store.setHeight(11)
	effects := h.handle(t, remove)
	expectChannels(t, effects, ChannelSubaccounts)
	if cached, _ := h.orders.GetOrder(ctx, orderUUID); cached != nil {
		t.Fatalf("expected expired order removed")
	}

	if effects := h.handle(t, remove); len(effects) != 0 {
		t.Fatalf("expected missing order rejected, got %v", channels(effects))
	}
	if h.event(EventRemoveIndexerExpiredNotFound) != 1 {
		t.Fatalf("expected not-found counter")
	}
}

func TestRemoveIndexerExpiredLongTermRejected(t *testing.T) {
	h := newHarness(t, Flags{})
	order := longTermOrder(1, 1_700_000_000)
	h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusOpened})
	h.store.setHeight(1_000)

	effects := h.handle(t, &events.OrderRemove{
		RemovedOrderID: order.OrderID,
		Reason:         protocol.RemovalReasonIndexerExpired,
		RemovalStatus:  protocol.RemovalStatusBestEffortCanceled,
	})
	if len(effects) != 0 {
		t.Fatalf("expected rejection, got %v", channels(effects))
	}
	if h.event(EventRemoveIndexerExpiredLongTerm) != 1 {
		t.Fatalf("expected long-term counter")
	}
}

func TestRemoveStatefulCancelationUsesDurableRow(t *testing.T) {
	h := newHarness(t, Flags{})
	ctx := context.Background()
	id := longTermID(1)
	orderUUID := protocol.OrderUUID(*id)
	h.store.rows[orderUUID] = durableRow(*id)

	effects := h.handle(t, &events.OrderRemove{
		RemovedOrderID: id,
		Reason:         protocol.RemovalReasonUserCanceled,
		RemovalStatus:  protocol.RemovalStatusCanceled,
	})
	expectChannels(t, effects, ChannelSubaccounts)
	summary := decodeSubaccount(t, effects[0])
	if summary.ID != orderUUID || summary.Status != string(protocol.OrderStatusCanceled) || summary.Ticker != testTicker {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.TotalOptimisticFilled != "" {
		t.Fatalf("expected no optimistic fill for uncached order, got %q", summary.TotalOptimisticFilled)
	}
	status, _ := h.canceled.GetOrderCanceledStatus(ctx, orderUUID)
	if status != protocol.CanceledStatusCanceled {
		t.Fatalf("expected CANCELED marker, got %s", status)
	}
}

func TestRemoveStatefulCancelationWithoutRow(t *testing.T) {
	h := newHarness(t, Flags{})
	effects := h.handle(t, &events.OrderRemove{
		RemovedOrderID: longTermID(1),
		Reason:         protocol.RemovalReasonUserCanceled,
		RemovalStatus:  protocol.RemovalStatusCanceled,
	})
	if len(effects) != 0 {
		t.Fatalf("expected no effects, got %v", channels(effects))
	}
	if h.event(EventRemoveStatefulNotInStore) != 1 {
		t.Fatalf("expected missing-row counter")
	}
}

func TestShouldSendRemoval(t *testing.T) {
	cases := []struct {
		remaining bool
		status    protocol.RemovalStatus
		reason    protocol.RemovalReason
		want      bool
	}{
		{false, protocol.RemovalStatusBestEffortCanceled, protocol.RemovalReasonUserCanceled, false},
		{true, protocol.RemovalStatusBestEffortCanceled, protocol.RemovalReasonUserCanceled, true},
		{false, protocol.RemovalStatusCanceled, protocol.RemovalReasonIndexerExpired, false},
		{true, protocol.RemovalStatusCanceled, protocol.RemovalReasonIndexerExpired, true},
		{true, protocol.RemovalStatusFilled, protocol.RemovalReasonFullyFilled, false},
		{false, protocol.RemovalStatusCanceled, protocol.RemovalReasonUserCanceled, true},
		{false, protocol.RemovalStatusBestEffortCanceled, protocol.RemovalReasonUndercollateralized, true},
	}
	for _, tc := range cases {
		if got := shouldSendRemoval(tc.remaining, tc.status, tc.reason); got != tc.want {
			t.Fatalf("shouldSendRemoval(%v, %v, %v) = %v, want %v", tc.remaining, tc.status, tc.reason, got, tc.want)
		}
	}
}

func TestRemoveValidation(t *testing.T) {
	h := newHarness(t, Flags{})
	noSubaccount := shortTermID(1)
	noSubaccount.SubaccountID = nil
	cases := map[string]*events.OrderRemove{
		"missing id":         {Reason: protocol.RemovalReasonUserCanceled, RemovalStatus: protocol.RemovalStatusCanceled},
		"missing subaccount": {RemovedOrderID: noSubaccount, Reason: protocol.RemovalReasonUserCanceled, RemovalStatus: protocol.RemovalStatusCanceled},
		"unspecified status": {RemovedOrderID: shortTermID(1), Reason: protocol.RemovalReasonUserCanceled},
		"unspecified reason": {RemovedOrderID: shortTermID(1), RemovalStatus: protocol.RemovalStatusCanceled},
	}
	for name, remove := range cases {
		if _, err := h.set.Remove.Handle(context.Background(), events.Headers{}, remove); !IsParseError(err) {
			t.Fatalf("%s: expected parse error, got %v", name, err)
		}
	}
}

func TestRemoveVaultOrderTakesOrdinaryPath(t *testing.T) {
	h := newHarness(t, Flags{})
	order := longTermOrder(1, 1_700_000_100)
	order.OrderID.OrderFlags = protocol.OrderFlagLongTerm | protocol.OrderFlagVault
	h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusOpened})
	h.handle(t, &events.OrderUpdate{OrderID: order.OrderID, TotalFilledQuantums: 0})
	if size := h.level(t, "100"); size != 500_000 {
		t.Fatalf("expected resting level 500000, got %d", size)
	}

	effects := h.handle(t, &events.OrderRemove{
		RemovedOrderID: order.OrderID,
		Reason:         protocol.RemovalReasonUserCanceled,
		RemovalStatus:  protocol.RemovalStatusCanceled,
	})
	expectChannels(t, effects, ChannelSubaccounts, ChannelOrderbooks)
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("expected level released, got %d", size)
	}
	if h.event(EventRemoveStatefulNotInStore) != 0 {
		t.Fatalf("vault order must not be looked up as a stateful cancelation")
	}
}

func TestRemoveStatefulCancelationReleasesCachedLevelWithoutRow(t *testing.T) {
	h := newHarness(t, Flags{})
	order := longTermOrder(1, 1_700_000_100)
	h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusOpened})
	h.handle(t, &events.OrderUpdate{OrderID: order.OrderID, TotalFilledQuantums: 100_000})

	effects := h.handle(t, &events.OrderRemove{
		RemovedOrderID: order.OrderID,
		Reason:         protocol.RemovalReasonUserCanceled,
		RemovalStatus:  protocol.RemovalStatusCanceled,
	})
	expectChannels(t, effects, ChannelOrderbooks)
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("expected level released, got %d", size)
	}
	if h.event(EventRemoveStatefulNotInStore) != 1 {
		t.Fatalf("expected missing-row counter")
	}
}

func TestRemoveRedeliveryKeepsLevelConsistent(t *testing.T) {
	h := newHarness(t, Flags{})
	order := shortTermOrder(1, 10)
	h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusBestEffortOpened})
	h.handle(t, &events.OrderUpdate{OrderID: order.OrderID, TotalFilledQuantums: 100_000})

	h.store.failUpdates = 1
	remove := &events.OrderRemove{
		RemovedOrderID: order.OrderID,
		Reason:         protocol.RemovalReasonUserCanceled,
		RemovalStatus:  protocol.RemovalStatusCanceled,
	}
	if err := h.handleErr(t, remove); !errors.Is(err, errConnReset) {
		t.Fatalf("expected connection reset, got %v", err)
	}
	if err := h.handleErr(t, remove); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("after redelivery level is %d, want 0", size)
	}
	status, _ := h.canceled.GetOrderCanceledStatus(context.Background(), protocol.OrderUUID(*order.OrderID))
	if status != protocol.CanceledStatusCanceled {
		t.Fatalf("expected CANCELED marker, got %s", status)
	}
}

func TestRemoveRejectedLevelUpdateIsCounted(t *testing.T) {
	h := newHarness(t, Flags{})
	ctx := context.Background()
	order := shortTermOrder(1, 10)
	h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusBestEffortOpened})
	h.handle(t, &events.OrderUpdate{OrderID: order.OrderID, TotalFilledQuantums: 0})
	if _, err := h.levels.UpdatePriceLevel(ctx, testTicker, cache.SideBids, "100", -500_000); err != nil {
		t.Fatalf("drain level: %v", err)
	}

	effects := h.handle(t, &events.OrderRemove{
		RemovedOrderID: order.OrderID,
		Reason:         protocol.RemovalReasonUserCanceled,
		RemovalStatus:  protocol.RemovalStatusCanceled,
	})
	expectChannels(t, effects, ChannelSubaccounts)
	if h.event(EventInvalidPriceLevelUpdate) != 1 {
		t.Fatalf("expected rejected level update counted")
	}
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("expected level left at 0, got %d", size)
	}
}
