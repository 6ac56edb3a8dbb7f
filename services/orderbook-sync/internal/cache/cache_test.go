package cache

import (
	"testing"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		s.Close()
	})
	return s, client
}

func testMarket() protocol.PerpetualMarket {
	return protocol.PerpetualMarket{
		ID:                        "0",
		ClobPairID:                "1",
		Ticker:                    "BTC-USD",
		AtomicResolution:          -10,
		QuantumConversionExponent: -8,
		SubticksPerTick:           100,
		StepBaseQuantums:          10,
	}
}

func testOrder(clientID uint32, goodTilBlock uint32) protocol.RedisOrder {
	gtb := goodTilBlock
	order := protocol.IndexerOrder{
		OrderID: &protocol.OrderID{
			SubaccountID: &protocol.SubaccountID{Owner: "dydx1testowner", Number: 0},
			ClientID:     clientID,
			ClobPairID:   1,
		},
		Side:         protocol.SideBuy,
		Quantums:     500_000,
		Subticks:     1_000_000,
		GoodTilBlock: &gtb,
	}
	return protocol.NewRedisOrder(order, testMarket())
}
