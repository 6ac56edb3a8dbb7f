package storage

import (
	"time"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
	"github.com/shopspring/decimal"
)

// Order is the durable order row written by the on-chain block processor.
type Order struct {
	ID               string
	SubaccountID     string
	ClientID         string
	ClobPairID       string
	Side             string
	Size             decimal.Decimal
	TotalFilled      decimal.Decimal
	Price            decimal.Decimal
	Type             string
	Status           protocol.OrderStatus
	TimeInForce      string
	ReduceOnly       bool
	OrderFlags       string
	GoodTilBlock     *string
	GoodTilBlockTime *time.Time
	CreatedAtHeight  string
	ClientMetadata   string
	TriggerPrice     *decimal.Decimal
	UpdatedAt        time.Time
	UpdatedAtHeight  string
}

type Block struct {
	Height int64
	Time   time.Time
}
