package cache

const (
	ordersPrefix           = "v4/orders/"
	orderDataPrefix        = "v4/orderData/"
	subaccountOrdersPrefix = "v4/subaccountOrders/"
	orderbookLevelsPrefix  = "v4/orderbookLevels/"
	lastUpdatedPrefix      = "v4/orderbookLevels/lastUpdated/"
	openOrdersPrefix       = "v4/openOrders/"
	stateFilledPrefix      = "v4/stateFilledQuantums/"
	canceledOrdersKey      = "v4/canceledOrders"
	bestEffortCanceledKey  = "v4/bestEffortCanceledOrders"
	statefulUpdatesKey     = "v4/statefulOrderUpdates"
	statefulUpdatesIDsKey  = "v4/statefulOrderUpdatesIds"
)

func orderKey(orderUUID string) string {
	return ordersPrefix + orderUUID
}

func orderDataKey(orderUUID string) string {
	return orderDataPrefix + orderUUID
}

func subaccountOrdersKey(subaccountUUID string) string {
	return subaccountOrdersPrefix + subaccountUUID
}

func levelsKey(ticker, side string) string {
	return orderbookLevelsPrefix + ticker + "/" + side
}

func levelsLastUpdatedKey(ticker, side string) string {
	return lastUpdatedPrefix + ticker + "/" + side
}

func openOrdersKey(clobPairID string) string {
	return openOrdersPrefix + clobPairID
}

func stateFilledKey(orderUUID string) string {
	return stateFilledPrefix + orderUUID
}
