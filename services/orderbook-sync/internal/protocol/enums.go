package protocol

type Side int32

const (
	SideUnspecified Side = 0
	SideBuy         Side = 1
	SideSell        Side = 2
)

// String returns the API side name.
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNSPECIFIED"
	}
}

// BookSide names the orderbook side the order rests on.
func (s Side) BookSide() string {
	if s == SideBuy {
		return "bids"
	}
	return "asks"
}

type TimeInForce int32

const (
	TimeInForceUnspecified TimeInForce = 0
	TimeInForceIOC         TimeInForce = 1
	TimeInForcePostOnly    TimeInForce = 2
	TimeInForceFillOrKill  TimeInForce = 3
)

func RequiresImmediateExecution(tif TimeInForce) bool {
	return tif == TimeInForceIOC || tif == TimeInForceFillOrKill
}

// APIName maps the protocol time-in-force to its API name.
func (t TimeInForce) APIName() string {
	switch t {
	case TimeInForceIOC:
		return "IOC"
	case TimeInForcePostOnly:
		return "POST_ONLY"
	case TimeInForceFillOrKill:
		return "FOK"
	default:
		return "GTT"
	}
}

type ConditionType int32

const (
	ConditionTypeUnspecified ConditionType = 0
	ConditionTypeStopLoss    ConditionType = 1
	ConditionTypeTakeProfit  ConditionType = 2
)

// OrderType maps the condition to the API order type.
func (c ConditionType) OrderType() string {
	switch c {
	case ConditionTypeStopLoss:
		return "STOP_LIMIT"
	case ConditionTypeTakeProfit:
		return "TAKE_PROFIT_LIMIT"
	default:
		return "LIMIT"
	}
}

type PlacementStatus int32

const (
	PlacementStatusUnspecified      PlacementStatus = 0
	PlacementStatusBestEffortOpened PlacementStatus = 1
	PlacementStatusOpened           PlacementStatus = 2
)

type RemovalStatus int32

const (
	RemovalStatusUnspecified        RemovalStatus = 0
	RemovalStatusBestEffortCanceled RemovalStatus = 1
	RemovalStatusCanceled           RemovalStatus = 2
	RemovalStatusFilled             RemovalStatus = 3
)

type RemovalReason int32

const (
	RemovalReasonUnspecified                          RemovalReason = 0
	RemovalReasonUndercollateralized                  RemovalReason = 1
	RemovalReasonInvalidReduceOnly                    RemovalReason = 2
	RemovalReasonPostOnlyWouldCrossMakerOrder         RemovalReason = 3
	RemovalReasonInvalidSelfTrade                     RemovalReason = 4
	RemovalReasonConditionalFOKCouldNotBeFullyFilled  RemovalReason = 5
	RemovalReasonConditionalIOCWouldRestOnBook        RemovalReason = 6
	RemovalReasonFullyFilled                          RemovalReason = 7
	RemovalReasonSelfTradeError                       RemovalReason = 8
	RemovalReasonUserCanceled                         RemovalReason = 9
	RemovalReasonIndexerExpired                       RemovalReason = 10
	RemovalReasonReplaced                             RemovalReason = 11
	RemovalReasonViolatesIsolatedSubaccountConstraint RemovalReason = 12
	RemovalReasonFinalSettlement                      RemovalReason = 13
)

var removalReasonNames = map[RemovalReason]string{
	RemovalReasonUnspecified:                          "ORDER_REMOVAL_REASON_UNSPECIFIED",
	RemovalReasonUndercollateralized:                  "ORDER_REMOVAL_REASON_UNDERCOLLATERALIZED",
	RemovalReasonInvalidReduceOnly:                    "ORDER_REMOVAL_REASON_INVALID_REDUCE_ONLY",
	RemovalReasonPostOnlyWouldCrossMakerOrder:         "ORDER_REMOVAL_REASON_POST_ONLY_WOULD_CROSS_MAKER_ORDER",
	RemovalReasonInvalidSelfTrade:                     "ORDER_REMOVAL_REASON_INVALID_SELF_TRADE",
	RemovalReasonConditionalFOKCouldNotBeFullyFilled:  "ORDER_REMOVAL_REASON_CONDITIONAL_FOK_COULD_NOT_BE_FULLY_FILLED",
	RemovalReasonConditionalIOCWouldRestOnBook:        "ORDER_REMOVAL_REASON_CONDITIONAL_IOC_WOULD_REST_ON_BOOK",
	RemovalReasonFullyFilled:                          "ORDER_REMOVAL_REASON_FULLY_FILLED",
	RemovalReasonSelfTradeError:                       "ORDER_REMOVAL_REASON_SELF_TRADE_ERROR",
	RemovalReasonUserCanceled:                         "ORDER_REMOVAL_REASON_USER_CANCELED",
	RemovalReasonIndexerExpired:                       "ORDER_REMOVAL_REASON_INDEXER_EXPIRED",
	RemovalReasonReplaced:                             "ORDER_REMOVAL_REASON_REPLACED",
	RemovalReasonViolatesIsolatedSubaccountConstraint: "ORDER_REMOVAL_REASON_VIOLATES_ISOLATED_SUBACCOUNT_CONSTRAINTS",
	RemovalReasonFinalSettlement:                      "ORDER_REMOVAL_REASON_FINAL_SETTLEMENT",
}

func (r RemovalReason) String() string {
	if name, ok := removalReasonNames[r]; ok {
		return name
	}
	return "ORDER_REMOVAL_REASON_UNKNOWN"
}

// OrderStatus is the durable/API order status.
type OrderStatus string

const (
	OrderStatusOpen               OrderStatus = "OPEN"
	OrderStatusFilled             OrderStatus = "FILLED"
	OrderStatusCanceled           OrderStatus = "CANCELED"
	OrderStatusBestEffortCanceled OrderStatus = "BEST_EFFORT_CANCELED"
	OrderStatusBestEffortOpened   OrderStatus = "BEST_EFFORT_OPENED"
	OrderStatusUntriggered        OrderStatus = "UNTRIGGERED"
)

// OrderStatusForRemoval maps a removal status to the durable status it implies.
func OrderStatusForRemoval(status RemovalStatus) OrderStatus {
	switch status {
	case RemovalStatusCanceled:
		return OrderStatusCanceled
	case RemovalStatusFilled:
		return OrderStatusFilled
	default:
		return OrderStatusBestEffortCanceled
	}
}

// CanceledStatus is the tri-state canceled-order marker.
type CanceledStatus string

const (
	CanceledStatusNotCanceled        CanceledStatus = "NOT_CANCELED"
	CanceledStatusBestEffortCanceled CanceledStatus = "BEST_EFFORT_CANCELED"
	CanceledStatusCanceled           CanceledStatus = "CANCELED"
)
