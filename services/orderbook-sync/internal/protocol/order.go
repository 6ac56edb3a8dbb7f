package protocol

import (
	"errors"
	"fmt"
)

// Order flag values carried in OrderID.OrderFlags.
const (
	OrderFlagShortTerm   uint32 = 0
	OrderFlagConditional uint32 = 32
	OrderFlagLongTerm    uint32 = 64
	OrderFlagVault       uint32 = 128
)

type SubaccountID struct {
	Owner  string `json:"owner"`
	Number uint32 `json:"number"`
}

type OrderID struct {
	SubaccountID *SubaccountID `json:"subaccountId,omitempty"`
	ClientID     uint32        `json:"clientId"`
	OrderFlags   uint32        `json:"orderFlags"`
	ClobPairID   uint32        `json:"clobPairId"`
}

// IndexerOrder is the order snapshot relayed by the validator. Exactly one of
// GoodTilBlock and GoodTilBlockTime is set.
type IndexerOrder struct {
	OrderID                         *OrderID      `json:"orderId,omitempty"`
	Side                            Side          `json:"side"`
	Quantums                        uint64        `json:"quantums,string"`
	Subticks                        uint64        `json:"subticks,string"`
	GoodTilBlock                    *uint32       `json:"goodTilBlock,omitempty"`
	GoodTilBlockTime                *uint32       `json:"goodTilBlockTime,omitempty"`
	TimeInForce                     TimeInForce   `json:"timeInForce"`
	ReduceOnly                      bool          `json:"reduceOnly"`
	ClientMetadata                  uint32        `json:"clientMetadata"`
	ConditionType                   ConditionType `json:"conditionType"`
	ConditionalOrderTriggerSubticks uint64        `json:"conditionalOrderTriggerSubticks,string"`
}

var ErrMissingExpiry = errors.New("order has no good-til-block or good-til-block-time")

func (id OrderID) IsShortTerm() bool {
	return id.OrderFlags == OrderFlagShortTerm
}

func (id OrderID) IsLongTerm() bool {
	return id.OrderFlags&OrderFlagLongTerm != 0
}

func (id OrderID) IsConditional() bool {
	return id.OrderFlags&OrderFlagConditional != 0
}

// IsStateful reports whether the order's placement is committed on-chain.
func (id OrderID) IsStateful() bool {
	return id.IsLongTerm() || id.IsConditional()
}

func (id OrderID) IsVault() bool {
	return id.OrderFlags&OrderFlagVault != 0
}

func (id OrderID) String() string {
	owner, number := "", uint32(0)
	if id.SubaccountID != nil {
		owner, number = id.SubaccountID.Owner, id.SubaccountID.Number
	}
	return fmt.Sprintf("%s/%d/%d/%d/%d", owner, number, id.ClientID, id.ClobPairID, id.OrderFlags)
}

// Expiry returns the order's good-til value: a block height for short-term
// orders, unix seconds for stateful ones.
func (o IndexerOrder) Expiry() (uint32, error) {
	switch {
	case o.GoodTilBlock != nil:
		return *o.GoodTilBlock, nil
	case o.GoodTilBlockTime != nil:
		return *o.GoodTilBlockTime, nil
	default:
		return 0, ErrMissingExpiry
	}
}

func (o IndexerOrder) RequiresImmediateExecution() bool {
	return RequiresImmediateExecution(o.TimeInForce)
}

func (o IndexerOrder) IsConditional() bool {
	return o.OrderID != nil && o.OrderID.IsConditional()
}
