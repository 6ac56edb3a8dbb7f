package notify

import (
	"errors"
	"fmt"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	OrderbookMessageVersion  = "1.0.0"
	SubaccountMessageVersion = "3.0.0"
)

var ErrMalformedMessage = errors.New("malformed websocket message")

// OrderbookMessage is the record published to the orderbooks topic.
type OrderbookMessage struct {
	Contents   string
	ClobPairID string
	Version    string
}

// SubaccountMessage is the record published to the subaccounts topic.
type SubaccountMessage struct {
	BlockHeight      string
	TransactionIndex int32
	EventIndex       uint32
	Contents         string
	SubaccountID     *protocol.SubaccountID
	Version          string
}

func (m OrderbookMessage) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Contents)
	b = appendString(b, 2, m.ClobPairID)
	b = appendString(b, 3, m.Version)
	return b
}

func (m SubaccountMessage) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.BlockHeight)
	if m.TransactionIndex != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.TransactionIndex)))
	}
	if m.EventIndex != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.EventIndex))
	}
	b = appendString(b, 4, m.Contents)
	if m.SubaccountID != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalSubaccountID(*m.SubaccountID))
	}
	b = appendString(b, 6, m.Version)
	return b
}

// MarshalSubaccountID encodes the id as an IndexerSubaccountId message. It is
// also the partition key of subaccount records.
func MarshalSubaccountID(id protocol.SubaccountID) []byte {
	var b []byte
	b = appendString(b, 1, id.Owner)
	if id.Number != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(id.Number))
	}
	return b
}

func UnmarshalOrderbookMessage(raw []byte) (OrderbookMessage, error) {
	var m OrderbookMessage
	err := walk(raw, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			m.Contents = string(v)
		case 2:
			m.ClobPairID = string(v)
		case 3:
			m.Version = string(v)
		}
		return nil
	})
	return m, err
}

func UnmarshalSubaccountMessage(raw []byte) (SubaccountMessage, error) {
	var m SubaccountMessage
	err := walk(raw, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			m.BlockHeight = string(v)
		case 2:
			m.TransactionIndex = int32(n)
		case 3:
			m.EventIndex = uint32(n)
		case 4:
			m.Contents = string(v)
		case 5:
			id, err := unmarshalSubaccountID(v)
			if err != nil {
				return err
			}
			m.SubaccountID = &id
		case 6:
			m.Version = string(v)
		}
		return nil
	})
	return m, err
}

func unmarshalSubaccountID(raw []byte) (protocol.SubaccountID, error) {
	var id protocol.SubaccountID
	err := walk(raw, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			id.Owner = string(v)
		case 2:
			id.Number = uint32(n)
		}
		return nil
	})
	return id, err
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// walk visits every varint and length-delimited field of raw.
func walk(raw []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(raw) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(raw)
		if tagLen < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(tagLen))
		}
		raw = raw[tagLen:]

		var (
			v       []byte
			n       uint64
			consume int
		)
		switch typ {
		case protowire.VarintType:
			n, consume = protowire.ConsumeVarint(raw)
		case protowire.BytesType:
			v, consume = protowire.ConsumeBytes(raw)
		default:
			consume = protowire.ConsumeFieldValue(num, typ, raw)
		}
		if consume < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(consume))
		}
		raw = raw[consume:]
		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := visit(num, typ, v, n); err != nil {
			return err
		}
	}
	return nil
}
