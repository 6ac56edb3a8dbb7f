package protocol

// PerpetualMarket is the market metadata needed to render orders.
type PerpetualMarket struct {
	ID                        string
	ClobPairID                string
	Ticker                    string
	AtomicResolution          int32
	QuantumConversionExponent int32
	SubticksPerTick           uint32
	StepBaseQuantums          uint64
}

func (m PerpetualMarket) Price(subticks uint64) string {
	return SubticksToPrice(subticks, m.AtomicResolution, m.QuantumConversionExponent)
}

func (m PerpetualMarket) Size(quantums uint64) string {
	return QuantumsToHumanSize(quantums, m.AtomicResolution)
}

// TriggerPrice returns the human trigger price of a conditional order.
func (m PerpetualMarket) TriggerPrice(order IndexerOrder) string {
	if !order.IsConditional() {
		return ""
	}
	return m.Price(order.ConditionalOrderTriggerSubticks)
}
