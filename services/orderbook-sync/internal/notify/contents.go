package notify

import (
	"encoding/json"
	"fmt"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
)

// OrderSummary is one order entry of a subaccount message.
type OrderSummary struct {
	ID                    string `json:"id"`
	SubaccountID          string `json:"subaccountId"`
	ClientID              string `json:"clientId"`
	ClobPairID            string `json:"clobPairId"`
	Side                  string `json:"side,omitempty"`
	Size                  string `json:"size,omitempty"`
	TotalFilled           string `json:"totalFilled,omitempty"`
	TotalOptimisticFilled string `json:"totalOptimisticFilled,omitempty"`
	Price                 string `json:"price,omitempty"`
	Status                string `json:"status"`
	Type                  string `json:"type,omitempty"`
	TimeInForce           string `json:"timeInForce,omitempty"`
	PostOnly              *bool  `json:"postOnly,omitempty"`
	ReduceOnly            *bool  `json:"reduceOnly,omitempty"`
	OrderFlags            string `json:"orderFlags"`
	GoodTilBlock          string `json:"goodTilBlock,omitempty"`
	GoodTilBlockTime      string `json:"goodTilBlockTime,omitempty"`
	Ticker                string `json:"ticker"`
	RemovalReason         string `json:"removalReason,omitempty"`
	CreatedAtHeight       string `json:"createdAtHeight,omitempty"`
	UpdatedAt             string `json:"updatedAt,omitempty"`
	UpdatedAtHeight       string `json:"updatedAtHeight,omitempty"`
	ClientMetadata        string `json:"clientMetadata,omitempty"`
	TriggerPrice          string `json:"triggerPrice,omitempty"`
}

type SubaccountContents struct {
	Orders      []OrderSummary `json:"orders"`
	BlockHeight string         `json:"blockHeight,omitempty"`
}

// OrderbookContents maps a book side to [price, size] pairs.
type OrderbookContents map[string][][2]string

// NewSubaccountMessage encodes one order summary for subaccount.
func NewSubaccountMessage(subaccount protocol.SubaccountID, blockHeight string, orders ...OrderSummary) ([]byte, error) {
	contents, err := json.Marshal(SubaccountContents{Orders: orders, BlockHeight: blockHeight})
	if err != nil {
		return nil, fmt.Errorf("encode subaccount contents: %w", err)
	}
	sub := subaccount
	return SubaccountMessage{
		Contents:     string(contents),
		SubaccountID: &sub,
		Version:      SubaccountMessageVersion,
	}.Marshal(), nil
}

// NewOrderbookMessage encodes a single price level whose aggregate size is now
// humanSize.
func NewOrderbookMessage(clobPairID, side, price, humanSize string) ([]byte, error) {
	contents, err := json.Marshal(OrderbookContents{side: {{price, humanSize}}})
	if err != nil {
		return nil, fmt.Errorf("encode orderbook contents: %w", err)
	}
	return OrderbookMessage{
		Contents:   string(contents),
		ClobPairID: clobPairID,
		Version:    OrderbookMessageVersion,
	}.Marshal(), nil
}
