package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/cache"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/events"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
)

func TestReplaceMovesOrderToNewPrice(t *testing.T) {
	h := newHarness(t, Flags{})
	ctx := context.Background()
	old := shortTermOrder(1, 10)
	oldUUID := protocol.OrderUUID(*old.OrderID)
	h.handle(t, &events.OrderPlace{Order: old, PlacementStatus: protocol.PlacementStatusOpened})
	h.handle(t, &events.OrderUpdate{OrderID: old.OrderID, TotalFilledQuantums: 100_000})

	replacement := shortTermOrder(2, 12)
	replacement.Subticks = 2_000_000
	effects := h.handle(t, &events.OrderReplace{
		OldOrderID:      old.OrderID,
		Order:           replacement,
		PlacementStatus: protocol.PlacementStatusOpened,
	})
	expectChannels(t, effects, ChannelSubaccounts, ChannelSubaccounts, ChannelOrderbooks)

	canceled := decodeSubaccount(t, effects[0])
	if canceled.ID != oldUUID || canceled.Status != string(protocol.OrderStatusCanceled) {
		t.Fatalf("expected old order canceled, got %+v", canceled)
	}
	if canceled.RemovalReason != protocol.RemovalReasonReplaced.String() {
		t.Fatalf("expected replaced reason, got %q", canceled.RemovalReason)
	}
	placed := decodeSubaccount(t, effects[1])
	if placed.ID != protocol.OrderUUID(*replacement.OrderID) || placed.Price != "200" || placed.Status != string(protocol.OrderStatusOpen) {
		t.Fatalf("unexpected replacement summary %+v", placed)
	}
	book := decodeOrderbook(t, effects[2])
	if got := book[cache.SideBids]; len(got) != 1 || got[0] != [2]string{"100", "0"} {
		t.Fatalf("unexpected orderbook contents %v", book)
	}

	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("expected old level cleared, got %d", size)
	}
	if size := h.level(t, "200"); size != 0 {
		t.Fatalf("replacement must not rest before an update, got %d", size)
	}
	if cached, _ := h.orders.GetOrder(ctx, oldUUID); cached != nil {
		t.Fatalf("expected old order removed")
	}
	status, _ := h.canceled.GetOrderCanceledStatus(ctx, oldUUID)
	if status != protocol.CanceledStatusCanceled {
		t.Fatalf("expected old order marked canceled, got %s", status)
	}
	if got, ok := h.store.statusUpdate(oldUUID); !ok || got != protocol.OrderStatusCanceled {
		t.Fatalf("expected durable status update, got %s %v", got, ok)
	}
}

func TestReplaceAtSamePriceSuppressesOrderbook(t *testing.T) {
	h := newHarness(t, Flags{})
	old := shortTermOrder(1, 10)
	h.handle(t, &events.OrderPlace{Order: old, PlacementStatus: protocol.PlacementStatusOpened})
	h.handle(t, &events.OrderUpdate{OrderID: old.OrderID, TotalFilledQuantums: 100_000})

	effects := h.handle(t, &events.OrderReplace{
		OldOrderID:      old.OrderID,
		Order:           shortTermOrder(2, 12),
		PlacementStatus: protocol.PlacementStatusOpened,
	})
	expectChannels(t, effects, ChannelSubaccounts, ChannelSubaccounts)
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("expected level decremented even when silent, got %d", size)
	}
}

func TestReplaceSameOrderID(t *testing.T) {
	h := newHarness(t, Flags{})
	ctx := context.Background()
	old := shortTermOrder(1, 10)
	orderUUID := protocol.OrderUUID(*old.OrderID)
	h.handle(t, &events.OrderPlace{Order: old, PlacementStatus: protocol.PlacementStatusOpened})

	effects := h.handle(t, &events.OrderReplace{
		OldOrderID:      old.OrderID,
		Order:           shortTermOrder(1, 15),
		PlacementStatus: protocol.PlacementStatusOpened,
	})
	expectChannels(t, effects, ChannelSubaccounts)
	if summary := decodeSubaccount(t, effects[0]); summary.Status != string(protocol.OrderStatusOpen) {
		t.Fatalf("expected OPEN, got %+v", summary)
	}
	status, _ := h.canceled.GetOrderCanceledStatus(ctx, orderUUID)
	if status != protocol.CanceledStatusNotCanceled {
		t.Fatalf("expected no canceled marker, got %s", status)
	}
	data, _ := h.orders.GetOrderData(ctx, orderUUID)
	if data == nil || data.GoodTil != 15 {
		t.Fatalf("expected replacement cached, got %+v", data)
	}
}

func TestReplaceMissingOldOrder(t *testing.T) {
	h := newHarness(t, Flags{})
	effects := h.handle(t, &events.OrderReplace{
		OldOrderID:      shortTermID(7),
		Order:           shortTermOrder(2, 12),
		PlacementStatus: protocol.PlacementStatusBestEffortOpened,
	})
	expectChannels(t, effects, ChannelSubaccounts)
	if h.event(EventReplaceOldOrderNotFound) != 1 {
		t.Fatalf("expected old-order-not-found counter")
	}
}

func TestReplaceValidation(t *testing.T) {
	h := newHarness(t, Flags{})
	cases := map[string]*events.OrderReplace{
		"missing old order id": {Order: shortTermOrder(2, 12), PlacementStatus: protocol.PlacementStatusOpened},
		"missing order":        {OldOrderID: shortTermID(1), PlacementStatus: protocol.PlacementStatusOpened},
		"unspecified status":   {OldOrderID: shortTermID(1), Order: shortTermOrder(2, 12)},
	}
	for name, replace := range cases {
		if _, err := h.set.Replace.Handle(context.Background(), events.Headers{}, replace); !IsParseError(err) {
			t.Fatalf("%s: expected parse error, got %v", name, err)
		}
	}
}

func TestReplaceSuppressionComparesPriceOnly(t *testing.T) {
	h := newHarness(t, Flags{})
	old := shortTermOrder(1, 10)
	h.handle(t, &events.OrderPlace{Order: old, PlacementStatus: protocol.PlacementStatusOpened})
	h.handle(t, &events.OrderUpdate{OrderID: old.OrderID, TotalFilledQuantums: 0})

	replacement := shortTermOrder(2, 12)
	replacement.Side = protocol.SideSell
	effects := h.handle(t, &events.OrderReplace{
		OldOrderID:      old.OrderID,
		Order:           replacement,
		PlacementStatus: protocol.PlacementStatusOpened,
	})
	expectChannels(t, effects, ChannelSubaccounts, ChannelSubaccounts)
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("expected bid level released, got %d", size)
	}
}

func TestReplaceRedeliveryReleasesOldLevel(t *testing.T) {
	h := newHarness(t, Flags{})
	old := shortTermOrder(1, 10)
	h.handle(t, &events.OrderPlace{Order: old, PlacementStatus: protocol.PlacementStatusOpened})
	h.handle(t, &events.OrderUpdate{OrderID: old.OrderID, TotalFilledQuantums: 100_000})

	replacement := shortTermOrder(2, 12)
	replacement.Subticks = 2_000_000
	replace := &events.OrderReplace{
		OldOrderID:      old.OrderID,
		Order:           replacement,
		PlacementStatus: protocol.PlacementStatusOpened,
	}
	h.store.failUpdates = 1
	if err := h.handleErr(t, replace); !errors.Is(err, errConnReset) {
		t.Fatalf("expected connection reset, got %v", err)
	}
	if err := h.handleErr(t, replace); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("after redelivery level is %d, want 0", size)
	}
	if cached, _ := h.orders.GetOrder(context.Background(), protocol.OrderUUID(*replacement.OrderID)); cached == nil {
		t.Fatalf("expected replacement cached")
	}
}
