package protocol

import (
	"strconv"

	"github.com/google/uuid"
)

// uuidNamespace seeds every name-based id so they match the durable store.
var uuidNamespace = uuid.MustParse("0f9da948-a6fb-4c45-9edc-4685c3f3317d")

func SubaccountUUID(id SubaccountID) string {
	return uuid.NewSHA1(uuidNamespace, []byte(id.Owner+"-"+strconv.FormatUint(uint64(id.Number), 10))).String()
}

// OrderUUID is the stable cache and store key of an order.
func OrderUUID(id OrderID) string {
	var sub SubaccountID
	if id.SubaccountID != nil {
		sub = *id.SubaccountID
	}
	name := SubaccountUUID(sub) + "-" +
		strconv.FormatUint(uint64(id.ClientID), 10) + "-" +
		strconv.FormatUint(uint64(id.ClobPairID), 10) + "-" +
		strconv.FormatUint(uint64(id.OrderFlags), 10)
	return uuid.NewSHA1(uuidNamespace, []byte(name)).String()
}
