package protocol

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// QuoteAtomicResolution is the atomic resolution of the quote asset (USDC).
const QuoteAtomicResolution int32 = -6

func decimalFromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// SubticksToPrice converts raw subticks into a human price string.
func SubticksToPrice(subticks uint64, atomicResolution, quantumConversionExponent int32) string {
	exp := quantumConversionExponent - atomicResolution + QuoteAtomicResolution
	return decimalFromUint64(subticks).Shift(exp).String()
}

// QuantumsToHumanSize converts base quantums into a human size string.
func QuantumsToHumanSize(quantums uint64, atomicResolution int32) string {
	return decimalFromUint64(quantums).Shift(atomicResolution).String()
}

// SignedQuantumsToHumanSize converts a signed quantum amount.
func SignedQuantumsToHumanSize(quantums decimal.Decimal, atomicResolution int32) string {
	return quantums.Shift(atomicResolution).String()
}

// RemainingQuantums returns size - filled clamped at zero. overfilled is true
// when filled exceeded size.
func RemainingQuantums(size, filled uint64) (remaining uint64, overfilled bool) {
	if filled > size {
		return 0, true
	}
	return size - filled, false
}

// CapFilled caps filled at size, reporting whether a cap was applied.
func CapFilled(filled, size uint64) (uint64, bool) {
	if filled > size {
		return size, true
	}
	return filled, false
}

// FillDelta is the price-level change implied by a fill-progress update.
type FillDelta struct {
	Delta             decimal.Decimal
	NewFilledExceeded bool
	OldFilledExceeded bool
	CappedNewFilled   uint64
	CappedOldFilled   uint64
}

// UpdateDelta computes the resting size change for an order of size whose
// filled amount moved from oldFilled to newFilled. An order that was not
// resting contributes its whole remaining size.
func UpdateDelta(size, oldFilled, newFilled uint64, wasResting bool) FillDelta {
	cappedNew, newExceeded := CapFilled(newFilled, size)
	cappedOld, oldExceeded := CapFilled(oldFilled, size)

	var delta decimal.Decimal
	if !wasResting {
		delta = decimalFromUint64(size).Sub(decimalFromUint64(cappedNew))
	} else {
		delta = decimalFromUint64(cappedOld).Sub(decimalFromUint64(cappedNew))
	}
	return FillDelta{
		Delta:             delta,
		NewFilledExceeded: newExceeded,
		OldFilledExceeded: oldExceeded,
		CappedNewFilled:   cappedNew,
		CappedOldFilled:   cappedOld,
	}
}
