package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/events"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
)

func TestPlaceStaleBestEffortIsNoop(t *testing.T) {
	h := newHarness(t, Flags{})
	place := &events.OrderPlace{Order: shortTermOrder(1, 10), PlacementStatus: protocol.PlacementStatusBestEffortOpened}
	if effects := h.handle(t, place); len(effects) != 1 {
		t.Fatalf("expected one effect for first placement, got %v", channels(effects))
	}
	for _, gtb := range []uint32{10, 9} {
		effects := h.handle(t, &events.OrderPlace{Order: shortTermOrder(1, gtb), PlacementStatus: protocol.PlacementStatusBestEffortOpened})
		if len(effects) != 0 {
			t.Fatalf("expected no effects for stale placement gtb=%d, got %v", gtb, channels(effects))
		}
	}
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("expected untouched level, got %d", size)
	}
	if got := h.event(EventPlaceStale); got != 2 {
		t.Fatalf("expected 2 stale placements counted, got %v", got)
	}
}

func TestPlaceRedeliveryKeepsReplacedLevel(t *testing.T) {
	h := newHarness(t, Flags{})
	h.handle(t, &events.OrderPlace{Order: shortTermOrder(1, 10), PlacementStatus: protocol.PlacementStatusOpened})
	h.handle(t, &events.OrderUpdate{OrderID: shortTermID(1), TotalFilledQuantums: 0})
	if size := h.level(t, "100"); size != 500_000 {
		t.Fatalf("expected resting level 500000, got %d", size)
	}

	h.deps.Canceled = &flakyCanceled{CanceledCache: h.canceled, failures: 1}
	replacement := &events.OrderPlace{Order: shortTermOrder(1, 12), PlacementStatus: protocol.PlacementStatusOpened}
	if err := h.handleErr(t, replacement); !errors.Is(err, errConnReset) {
		t.Fatalf("expected connection reset, got %v", err)
	}
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("expected level released before the failure, got %d", size)
	}

	effects := h.handle(t, replacement)
	expectChannels(t, effects, ChannelSubaccounts)
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("expected level 0 after redelivery, got %d", size)
	}
}

func TestPlaceOpenedStillNotifiesWhenStale(t *testing.T) {
	h := newHarness(t, Flags{})
	h.handle(t, &events.OrderPlace{Order: shortTermOrder(1, 10), PlacementStatus: protocol.PlacementStatusBestEffortOpened})

	effects := h.handle(t, &events.OrderPlace{Order: shortTermOrder(1, 10), PlacementStatus: protocol.PlacementStatusOpened})
	expectChannels(t, effects, ChannelSubaccounts)
	if summary := decodeSubaccount(t, effects[0]); summary.Status != string(protocol.OrderStatusOpen) {
		t.Fatalf("expected OPEN, got %s", summary.Status)
	}
}

func TestPlaceReplacementCorrectsLevel(t *testing.T) {
	h := newHarness(t, Flags{})
	ctx := context.Background()
	order := shortTermOrder(1, 10)
	orderUUID := protocol.OrderUUID(*order.OrderID)

	h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusOpened})
	h.handle(t, &events.OrderUpdate{OrderID: order.OrderID, TotalFilledQuantums: 100_000})
	if size := h.level(t, "100"); size != 400_000 {
		t.Fatalf("expected level 400000, got %d", size)
	}

	effects := h.handle(t, &events.OrderPlace{Order: shortTermOrder(1, 20), PlacementStatus: protocol.PlacementStatusOpened})
	expectChannels(t, effects, ChannelSubaccounts, ChannelOrderbooks)
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("expected level reduced by remaining size, got %d", size)
	}
	if h.event(EventPlaceReplacedOrder) != 1 {
		t.Fatalf("expected replaced counter")
	}
	if open, _ := h.open.GetOpenOrderIDs(ctx, "1"); len(open) != 0 {
		t.Fatalf("expected replaced order out of open orders, got %v", open)
	}
	data, _ := h.orders.GetOrderData(ctx, orderUUID)
	if data == nil || data.RestingOnBook || data.TotalFilled != 100_000 {
		t.Fatalf("expected filled kept and resting reset, got %+v", data)
	}
}

func TestPlaceReplacementOfOverfilledOrderLeavesLevel(t *testing.T) {
	h := newHarness(t, Flags{})
	order := shortTermOrder(1, 10)

	h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusOpened})
	h.handle(t, &events.OrderUpdate{OrderID: order.OrderID, TotalFilledQuantums: 600_000})

	effects := h.handle(t, &events.OrderPlace{Order: shortTermOrder(1, 20), PlacementStatus: protocol.PlacementStatusOpened})
	expectChannels(t, effects, ChannelSubaccounts)
	if size := h.level(t, "100"); size != 0 {
		t.Fatalf("expected level untouched, got %d", size)
	}
	if h.event(EventPlaceTotalFilledExceedsSize) != 1 {
		t.Fatalf("expected exceeds-size counter")
	}
}

func TestPlaceClearsCanceledMarker(t *testing.T) {
	h := newHarness(t, Flags{})
	ctx := context.Background()
	order := shortTermOrder(1, 10)
	orderUUID := protocol.OrderUUID(*order.OrderID)
	if err := h.canceled.AddCanceledOrder(ctx, orderUUID); err != nil {
		t.Fatalf("AddCanceledOrder: %v", err)
	}

	h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusOpened})
	status, err := h.canceled.GetOrderCanceledStatus(ctx, orderUUID)
	if err != nil || status != protocol.CanceledStatusNotCanceled {
		t.Fatalf("expected marker cleared, got %s %v", status, err)
	}
}

func TestPlaceLongTermRespectsFlag(t *testing.T) {
	h := newHarness(t, Flags{})
	order := longTermOrder(1, 1_700_000_000)
	h.store.rows[protocol.OrderUUID(*order.OrderID)] = durableRow(*order.OrderID)

	if effects := h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusOpened}); len(effects) != 0 {
		t.Fatalf("expected no effects with flag off, got %v", channels(effects))
	}

	h = newHarness(t, Flags{SendSubaccountMessagesForStatefulOrders: true})
	h.store.rows[protocol.OrderUUID(*order.OrderID)] = durableRow(*order.OrderID)
	effects := h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusOpened})
	expectChannels(t, effects, ChannelSubaccounts)
	summary := decodeSubaccount(t, effects[0])
	if summary.CreatedAtHeight != "3" || summary.UpdatedAtHeight != "4" || summary.UpdatedAt != "2024-01-02T03:04:05.000Z" {
		t.Fatalf("expected durable fields, got %+v", summary)
	}
	if summary.GoodTilBlockTime != "2023-11-14T22:13:20.000Z" || summary.GoodTilBlock != "" {
		t.Fatalf("unexpected expiry fields %+v", summary)
	}
}

func TestPlaceLongTermBestEffortIsSilent(t *testing.T) {
	h := newHarness(t, Flags{SendSubaccountMessagesForStatefulOrders: true})
	order := longTermOrder(1, 1_700_000_000)
	effects := h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusBestEffortOpened})
	if len(effects) != 0 {
		t.Fatalf("expected no effects, got %v", channels(effects))
	}
}

func TestPlaceStatefulMissingDurableRowIsRetryable(t *testing.T) {
	h := newHarness(t, Flags{SendSubaccountMessagesForStatefulOrders: true})
	place := &events.OrderPlace{Order: longTermOrder(1, 1_700_000_000), PlacementStatus: protocol.PlacementStatusOpened}

	_, err := h.set.Place.Handle(context.Background(), events.Headers{}, place)
	if err == nil || IsParseError(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestPlaceReplaysDeferredUpdate(t *testing.T) {
	h := newHarness(t, Flags{SendSubaccountMessagesForStatefulOrders: true})
	ctx := context.Background()
	order := longTermOrder(1, 1_700_000_000)
	orderUUID := protocol.OrderUUID(*order.OrderID)
	h.store.rows[orderUUID] = durableRow(*order.OrderID)

	if effects := h.handle(t, &events.OrderUpdate{OrderID: order.OrderID, TotalFilledQuantums: 200_000}); len(effects) != 0 {
		t.Fatalf("expected parked update to emit nothing, got %v", channels(effects))
	}
	if h.event(EventUpdateStatefulDeferred) != 1 {
		t.Fatalf("expected deferral counter")
	}

	effects := h.handle(t, &events.OrderPlace{Order: order, PlacementStatus: protocol.PlacementStatusOpened})
	expectChannels(t, effects, ChannelOffChainUpdates, ChannelSubaccounts)
	if string(effects[0].Key) != orderUUID {
		t.Fatalf("expected replay keyed by order uuid, got %q", effects[0].Key)
	}
	replayed, err := events.Decode(effects[0].Value)
	if err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	upd, ok := replayed.(*events.OrderUpdate)
	if !ok || upd.TotalFilledQuantums != 200_000 || protocol.OrderUUID(*upd.OrderID) != orderUUID {
		t.Fatalf("unexpected replayed update %+v", replayed)
	}
	if parked, _ := h.deferred.RemoveStatefulOrderUpdate(ctx, orderUUID); parked != nil {
		t.Fatalf("expected deferral cleared, got %+v", parked)
	}

	// The replayed update now finds the order.
	effects = h.handle(t, upd)
	expectChannels(t, effects, ChannelOrderbooks)
	if size := h.level(t, "100"); size != 300_000 {
		t.Fatalf("expected level 300000, got %d", size)
	}
}

func TestPlaceValidation(t *testing.T) {
	h := newHarness(t, Flags{})
	unknownMarket := shortTermOrder(1, 10)
	unknownMarket.OrderID.ClobPairID = 99
	noSubaccount := shortTermOrder(1, 10)
	noSubaccount.OrderID.SubaccountID = nil

	cases := map[string]*events.OrderPlace{
		"missing order":        {PlacementStatus: protocol.PlacementStatusOpened},
		"missing order id":     {Order: &protocol.IndexerOrder{}, PlacementStatus: protocol.PlacementStatusOpened},
		"missing subaccount":   {Order: noSubaccount, PlacementStatus: protocol.PlacementStatusOpened},
		"unspecified status":   {Order: shortTermOrder(1, 10)},
		"unknown clob pair id": {Order: unknownMarket, PlacementStatus: protocol.PlacementStatusOpened},
	}
	for name, place := range cases {
		if _, err := h.set.Place.Handle(context.Background(), events.Headers{}, place); !IsParseError(err) {
			t.Fatalf("%s: expected parse error, got %v", name, err)
		}
	}
}
