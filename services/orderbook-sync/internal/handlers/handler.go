package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/obsync/libs/logging"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/cache"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/events"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/storage"
)

// Channel names the downstream stream a notification is published to.
type Channel string

const (
	ChannelSubaccounts     Channel = "subaccounts"
	ChannelOrderbooks      Channel = "orderbooks"
	ChannelOffChainUpdates Channel = "off_chain_updates"
)

// Notification is one outbound message, keyed for partitioning.
type Notification struct {
	Channel Channel
	Key     []byte
	Value   []byte
}

// Effects are the notifications a handler produced, in publish order.
type Effects []Notification

// Handler applies one off-chain update to the caches and reports what to
// publish. A *ParseError means the event can never succeed.
type Handler interface {
	Handle(ctx context.Context, headers events.Headers, update events.Update) (Effects, error)
}

// ParseError marks a malformed event or one referencing unknown reference data.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string {
	return e.Msg
}

func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

type OrdersCache interface {
	PlaceOrder(ctx context.Context, order protocol.RedisOrder) (cache.PlaceResult, error)
	RemoveOrder(ctx context.Context, id protocol.OrderID) (cache.RemoveResult, error)
	UpdateOrder(ctx context.Context, id protocol.OrderID, totalFilled uint64) (cache.UpdateResult, error)
	GetOrder(ctx context.Context, orderUUID string) (*protocol.RedisOrder, error)
}

type LevelsCache interface {
	UpdatePriceLevel(ctx context.Context, ticker, side, price string, delta int64) (int64, error)
}

type CanceledCache interface {
	AddCanceledOrder(ctx context.Context, orderUUID string) error
	AddBestEffortCanceledOrder(ctx context.Context, orderUUID string) error
	RemoveOrderFromCaches(ctx context.Context, orderUUID string) error
}

type OpenOrdersCache interface {
	AddOpenOrder(ctx context.Context, orderUUID, clobPairID string) error
	RemoveOpenOrder(ctx context.Context, orderUUID, clobPairID string) error
}

type StateFilledCache interface {
	GetStateFilledQuantums(ctx context.Context, orderUUID string) (uint64, bool, error)
}

// DeferredUpdates parks fill updates that arrive before their stateful order.
type DeferredUpdates interface {
	AddStatefulOrderUpdate(ctx context.Context, orderUUID string, update *events.OrderUpdate, at time.Time) error
	RemoveStatefulOrderUpdate(ctx context.Context, orderUUID string) (*events.OrderUpdate, error)
}

type Markets interface {
	ByClobPairID(clobPairID string) (protocol.PerpetualMarket, bool)
	ByTicker(ticker string) (protocol.PerpetualMarket, bool)
}

type Blocks interface {
	LatestHeight() string
	LatestBlock(ctx context.Context) (storage.Block, error)
}

type OrderStore interface {
	FindOrderByUUID(ctx context.Context, id string) (*storage.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status protocol.OrderStatus) (*storage.Order, error)
}

// Flags are the runtime switches consulted by the handlers.
type Flags struct {
	SendSubaccountMessagesForStatefulOrders       bool
	SendSubaccountMessagesForCancelsMissingOrders bool
}

// Deps bundles everything the handlers read and write.
type Deps struct {
	Orders      OrdersCache
	Levels      LevelsCache
	Canceled    CanceledCache
	OpenOrders  OpenOrdersCache
	StateFilled StateFilledCache
	Deferred    DeferredUpdates
	Markets     Markets
	Blocks      Blocks
	Store       OrderStore
	Flags       Flags
	Metrics     *Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Set holds one handler per update type.
type Set struct {
	Place   *PlaceHandler
	Replace *ReplaceHandler
	Remove  *RemoveHandler
	Update  *UpdateHandler
}

func NewSet(deps *Deps) *Set {
	return &Set{
		Place:   &PlaceHandler{deps: deps},
		Replace: &ReplaceHandler{deps: deps},
		Remove:  &RemoveHandler{deps: deps},
		Update:  &UpdateHandler{deps: deps},
	}
}

// For selects the handler for update.
func (s *Set) For(update events.Update) (Handler, error) {
	switch update.(type) {
	case *events.OrderPlace:
		return s.Place, nil
	case *events.OrderReplace:
		return s.Replace, nil
	case *events.OrderRemove:
		return s.Remove, nil
	case *events.OrderUpdate:
		return s.Update, nil
	default:
		return nil, &ParseError{Msg: fmt.Sprintf("unsupported off-chain update %T", update)}
	}
}

// parseError logs a malformed event at critical level and returns it as a
// *ParseError.
func (d *Deps) parseError(ctx context.Context, at, msg string, args ...any) error {
	logging.Crit(ctx, d.logger(), msg, append([]any{"at", at}, args...)...)
	return &ParseError{Msg: msg}
}

// timed runs fn and records its duration under handler and fn.
func timed[T any](d *Deps, handler, fn string, call func() (T, error)) (T, error) {
	start := time.Now()
	out, err := call()
	d.Metrics.ObserveTiming(handler, fn, time.Since(start))
	return out, err
}

func timedErr(d *Deps, handler, fn string, call func() error) error {
	_, err := timed(d, handler, fn, func() (struct{}, error) { return struct{}{}, call() })
	return err
}
