package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
)

const (
	TypeOrderPlace   = "OrderPlace"
	TypeOrderReplace = "OrderReplace"
	TypeOrderRemove  = "OrderRemove"
	TypeOrderUpdate  = "OrderUpdate"
)

var (
	ErrEmptyUpdate     = errors.New("off-chain update has no event set")
	ErrAmbiguousUpdate = errors.New("off-chain update has more than one event set")
)

// Update is one of *OrderPlace, *OrderReplace, *OrderRemove, *OrderUpdate.
type Update interface {
	Type() string
	isUpdate()
}

type OrderPlace struct {
	Order           *protocol.IndexerOrder   `json:"order,omitempty"`
	PlacementStatus protocol.PlacementStatus `json:"placementStatus"`
}

type OrderReplace struct {
	OldOrderID      *protocol.OrderID        `json:"oldOrderId,omitempty"`
	Order           *protocol.IndexerOrder   `json:"order,omitempty"`
	PlacementStatus protocol.PlacementStatus `json:"placementStatus"`
}

type OrderRemove struct {
	RemovedOrderID *protocol.OrderID      `json:"removedOrderId,omitempty"`
	Reason         protocol.RemovalReason `json:"reason"`
	RemovalStatus  protocol.RemovalStatus `json:"removalStatus"`
}

type OrderUpdate struct {
	OrderID             *protocol.OrderID `json:"orderId,omitempty"`
	TotalFilledQuantums uint64            `json:"totalFilledQuantums,string"`
}

func (*OrderPlace) Type() string   { return TypeOrderPlace }
func (*OrderReplace) Type() string { return TypeOrderReplace }
func (*OrderRemove) Type() string  { return TypeOrderRemove }
func (*OrderUpdate) Type() string  { return TypeOrderUpdate }

func (*OrderPlace) isUpdate()   {}
func (*OrderReplace) isUpdate() {}
func (*OrderRemove) isUpdate()  {}
func (*OrderUpdate) isUpdate()  {}

// offChainUpdate is the wire envelope: exactly one field is set.
type offChainUpdate struct {
	OrderPlace   *OrderPlace   `json:"orderPlace,omitempty"`
	OrderReplace *OrderReplace `json:"orderReplace,omitempty"`
	OrderRemove  *OrderRemove  `json:"orderRemove,omitempty"`
	OrderUpdate  *OrderUpdate  `json:"orderUpdate,omitempty"`
}

// Decode parses a wire envelope into its single event.
func Decode(raw []byte) (Update, error) {
	var env offChainUpdate
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode off-chain update: %w", err)
	}

	var (
		out Update
		set int
	)
	if env.OrderPlace != nil {
		out = env.OrderPlace
		set++
	}
	if env.OrderReplace != nil {
		out = env.OrderReplace
		set++
	}
	if env.OrderRemove != nil {
		out = env.OrderRemove
		set++
	}
	if env.OrderUpdate != nil {
		out = env.OrderUpdate
		set++
	}

	switch set {
	case 0:
		return nil, ErrEmptyUpdate
	case 1:
		return out, nil
	default:
		return nil, ErrAmbiguousUpdate
	}
}

// Encode renders u as a wire envelope.
func Encode(u Update) ([]byte, error) {
	var env offChainUpdate
	switch e := u.(type) {
	case *OrderPlace:
		env.OrderPlace = e
	case *OrderReplace:
		env.OrderReplace = e
	case *OrderRemove:
		env.OrderRemove = e
	case *OrderUpdate:
		env.OrderUpdate = e
	default:
		return nil, fmt.Errorf("encode off-chain update: unsupported %T", u)
	}
	return json.Marshal(env)
}
