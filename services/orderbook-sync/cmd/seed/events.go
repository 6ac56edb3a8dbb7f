package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/AfshinJalili/obsync/libs/kafka"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/events"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
)

// demoUpdates rests a bid and an ask on BTC-USD, partially fills the bid and
// cancels the ask.
func demoUpdates() []events.Update {
	owner := protocol.SubaccountID{Owner: "dydx1demo", Number: 0}
	gtb := uint32(1_000_000)
	bidID := &protocol.OrderID{SubaccountID: &owner, ClientID: 1}
	askID := &protocol.OrderID{SubaccountID: &owner, ClientID: 2}

	return []events.Update{
		&events.OrderPlace{
			Order: &protocol.IndexerOrder{
				OrderID:      bidID,
				Side:         protocol.SideBuy,
				Quantums:     10_000_000,
				Subticks:     5_000_000_000,
				GoodTilBlock: &gtb,
			},
			PlacementStatus: protocol.PlacementStatusOpened,
		},
		&events.OrderPlace{
			Order: &protocol.IndexerOrder{
				OrderID:      askID,
				Side:         protocol.SideSell,
				Quantums:     20_000_000,
				Subticks:     5_100_000_000,
				GoodTilBlock: &gtb,
			},
			PlacementStatus: protocol.PlacementStatusOpened,
		},
		&events.OrderUpdate{OrderID: bidID, TotalFilledQuantums: 0},
		&events.OrderUpdate{OrderID: askID, TotalFilledQuantums: 0},
		&events.OrderUpdate{OrderID: bidID, TotalFilledQuantums: 4_000_000},
		&events.OrderRemove{
			RemovedOrderID: askID,
			Reason:         protocol.RemovalReasonUserCanceled,
			RemovalStatus:  protocol.RemovalStatusBestEffortCanceled,
		},
	}
}

func publishDemoEvents(ctx context.Context, brokers []string, topic string) (int, error) {
	producer, err := kafka.NewSyncProducer(brokers, slog.Default(), nil)
	if err != nil {
		return 0, err
	}
	defer producer.Close()

	updates := demoUpdates()
	msgs := make([]kafka.Message, 0, len(updates))
	for i, update := range updates {
		raw, err := events.Encode(update)
		if err != nil {
			return 0, err
		}
		msgs = append(msgs, kafka.Message{
			Topic: topic,
			Key:   []byte("dydx1demo"),
			Value: raw,
			Headers: kafka.RecordHeaders(map[string]string{
				events.HeaderTxHash:                   "seed-" + strconv.Itoa(i),
				events.HeaderMessageReceivedTimestamp: events.FormatTimestamp(time.Now()),
			}),
		})
	}
	if err := producer.PublishBatch(ctx, msgs); err != nil {
		return 0, err
	}
	return len(msgs), nil
}
