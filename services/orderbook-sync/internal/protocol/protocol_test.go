package protocol

import (
	"encoding/json"
	"testing"
)

func btcMarket() PerpetualMarket {
	return PerpetualMarket{
		ID:                        "0",
		ClobPairID:                "1",
		Ticker:                    "BTC-USD",
		AtomicResolution:          -10,
		QuantumConversionExponent: -8,
		SubticksPerTick:           100,
		StepBaseQuantums:          10,
	}
}

func TestSubticksToPrice(t *testing.T) {
	market := btcMarket()
	cases := []struct {
		subticks uint64
		want     string
	}{
		{subticks: 1_000_000, want: "100"},
		{subticks: 10_000, want: "1"},
		{subticks: 15, want: "0.0015"},
		{subticks: 0, want: "0"},
	}
	for _, tc := range cases {
		if got := market.Price(tc.subticks); got != tc.want {
			t.Fatalf("Price(%d) = %s, want %s", tc.subticks, got, tc.want)
		}
	}
}

func TestQuantumsToHumanSize(t *testing.T) {
	if got := QuantumsToHumanSize(500_000, -10); got != "0.00005" {
		t.Fatalf("unexpected size %s", got)
	}
	if got := QuantumsToHumanSize(10_000_000_000, -10); got != "1" {
		t.Fatalf("unexpected size %s", got)
	}
}

func TestRemainingQuantums(t *testing.T) {
	if rem, over := RemainingQuantums(500, 100); rem != 400 || over {
		t.Fatalf("unexpected remaining %d %v", rem, over)
	}
	if rem, over := RemainingQuantums(500, 500); rem != 0 || over {
		t.Fatalf("unexpected remaining %d %v", rem, over)
	}
	if rem, over := RemainingQuantums(500, 700); rem != 0 || !over {
		t.Fatalf("expected clamp, got %d %v", rem, over)
	}
}

func TestUpdateDelta(t *testing.T) {
	cases := []struct {
		name      string
		size      uint64
		oldFilled uint64
		newFilled uint64
		resting   bool
		want      int64
		newCapped bool
		oldCapped bool
	}{
		{name: "first appearance", size: 500_000, newFilled: 100_000, want: 400_000},
		{name: "fill while resting", size: 500_000, oldFilled: 100_000, newFilled: 250_000, resting: true, want: -150_000},
		{name: "repeat delivery", size: 500_000, oldFilled: 100_000, newFilled: 100_000, resting: true, want: 0},
		{name: "new exceeds size", size: 500, oldFilled: 100, newFilled: 900, resting: true, want: -400, newCapped: true},
		{name: "old exceeds size", size: 500, oldFilled: 900, newFilled: 500, resting: true, want: 0, oldCapped: true},
		{name: "not resting overfilled", size: 500, newFilled: 900, want: 0, newCapped: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := UpdateDelta(tc.size, tc.oldFilled, tc.newFilled, tc.resting)
			if got.Delta.IntPart() != tc.want {
				t.Fatalf("delta = %s, want %d", got.Delta, tc.want)
			}
			if got.NewFilledExceeded != tc.newCapped || got.OldFilledExceeded != tc.oldCapped {
				t.Fatalf("unexpected cap flags %+v", got)
			}
		})
	}
}

func TestOrderFlags(t *testing.T) {
	shortTerm := OrderID{OrderFlags: OrderFlagShortTerm}
	longTerm := OrderID{OrderFlags: OrderFlagLongTerm}
	conditional := OrderID{OrderFlags: OrderFlagConditional}
	vault := OrderID{OrderFlags: OrderFlagVault}

	if shortTerm.IsStateful() || !longTerm.IsStateful() || !conditional.IsStateful() {
		t.Fatalf("unexpected stateful classification")
	}
	if !vault.IsVault() || vault.IsStateful() {
		t.Fatalf("unexpected vault classification")
	}
	if !RequiresImmediateExecution(TimeInForceIOC) || !RequiresImmediateExecution(TimeInForceFillOrKill) {
		t.Fatalf("expected IOC and FOK to require immediate execution")
	}
	if RequiresImmediateExecution(TimeInForcePostOnly) {
		t.Fatalf("post only rests on the book")
	}
}

func TestOrderUUIDIsDeterministic(t *testing.T) {
	id := OrderID{SubaccountID: &SubaccountID{Owner: "dydx1abc", Number: 0}, ClientID: 7, ClobPairID: 1}
	if OrderUUID(id) != OrderUUID(id) {
		t.Fatalf("expected deterministic uuid")
	}
	other := id
	other.ClientID = 8
	if OrderUUID(id) == OrderUUID(other) {
		t.Fatalf("expected distinct uuids for distinct client ids")
	}
}

func TestRedisOrderJSON(t *testing.T) {
	gtb := uint32(1150)
	order := IndexerOrder{
		OrderID:      &OrderID{SubaccountID: &SubaccountID{Owner: "dydx1abc"}, ClientID: 1, ClobPairID: 1},
		Side:         SideBuy,
		Quantums:     500_000,
		Subticks:     1_000_000,
		GoodTilBlock: &gtb,
	}
	redisOrder := NewRedisOrder(order, btcMarket())
	raw, err := json.Marshal(redisOrder)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded RedisOrder
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Price != "100" || decoded.Ticker != "BTC-USD" || decoded.Order.Quantums != 500_000 {
		t.Fatalf("unexpected decoded order %+v", decoded)
	}
	if expiry, err := decoded.Order.Expiry(); err != nil || expiry != 1150 {
		t.Fatalf("unexpected expiry %d %v", expiry, err)
	}
}
