package protocol

const TickerTypePerpetual = "PERPETUAL"

// RedisOrder is the cached order record: the order snapshot plus the market
// context needed to render it without another lookup.
type RedisOrder struct {
	ID         string       `json:"id"`
	Order      IndexerOrder `json:"order"`
	Ticker     string       `json:"ticker"`
	TickerType string       `json:"tickerType"`
	Price      string       `json:"price"`
	Size       string       `json:"size"`
}

func NewRedisOrder(order IndexerOrder, market PerpetualMarket) RedisOrder {
	var id string
	if order.OrderID != nil {
		id = OrderUUID(*order.OrderID)
	}
	return RedisOrder{
		ID:         id,
		Order:      order,
		Ticker:     market.Ticker,
		TickerType: TickerTypePerpetual,
		Price:      market.Price(order.Subticks),
		Size:       market.Size(order.Quantums),
	}
}

func (o RedisOrder) OrderID() OrderID {
	if o.Order.OrderID == nil {
		return OrderID{}
	}
	return *o.Order.OrderID
}
