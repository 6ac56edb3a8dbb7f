package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
	"github.com/redis/go-redis/v9"
)

var ErrUnexpectedReply = errors.New("unexpected redis reply")

// Order data is stored as "<goodTil>_<totalFilledQuantums>_<restingOnBook>".
var placeOrderScript = redis.NewScript(`
local orderKey = KEYS[1]
local dataKey = KEYS[2]
local subaccountKey = KEYS[3]
local newOrder = ARGV[1]
local newExpiry = ARGV[2]
local orderUuid = ARGV[3]

local oldOrder = redis.call("GET", orderKey)
if not oldOrder then
  redis.call("SET", orderKey, newOrder)
  redis.call("SET", dataKey, newExpiry .. "_0_false")
  redis.call("SADD", subaccountKey, orderUuid)
  return {1, 0}
end

local oldExpiry = 0
local oldFilled = "0"
local oldResting = "false"
local oldData = redis.call("GET", dataKey)
if oldData then
  local e, f, r = string.match(oldData, "^([^_]*)_([^_]*)_([^_]*)$")
  oldExpiry = tonumber(e) or 0
  oldFilled = f or "0"
  oldResting = r or "false"
end

if tonumber(newExpiry) > oldExpiry then
  redis.call("SET", orderKey, newOrder)
  redis.call("SET", dataKey, newExpiry .. "_" .. oldFilled .. "_false")
  redis.call("SADD", subaccountKey, orderUuid)
  return {0, 1, oldOrder, oldFilled, oldResting}
end
return {0, 0}
`)

var removeOrderScript = redis.NewScript(`
local orderKey = KEYS[1]
local dataKey = KEYS[2]
local subaccountKey = KEYS[3]

local order = redis.call("GET", orderKey)
local data = redis.call("GET", dataKey)
redis.call("DEL", orderKey, dataKey)
redis.call("SREM", subaccountKey, ARGV[1])
if not order then
  return {0}
end

local filled = "0"
local resting = "false"
if data then
  local _, f, r = string.match(data, "^([^_]*)_([^_]*)_([^_]*)$")
  filled = f or "0"
  resting = r or "false"
end
return {1, order, filled, resting}
`)

var updateOrderScript = redis.NewScript(`
local orderKey = KEYS[1]
local dataKey = KEYS[2]

local order = redis.call("GET", orderKey)
local data = redis.call("GET", dataKey)
if not order or not data then
  return {0}
end

local e, f, r = string.match(data, "^([^_]*)_([^_]*)_([^_]*)$")
redis.call("SET", dataKey, (e or "0") .. "_" .. ARGV[1] .. "_true")
return {1, order, f or "0", r or "false"}
`)

type PlaceResult struct {
	Placed           bool
	Replaced         bool
	OldOrder         *protocol.RedisOrder
	OldTotalFilled   uint64
	OldRestingOnBook bool
}

type RemoveResult struct {
	Removed       bool
	RemovedOrder  *protocol.RedisOrder
	TotalFilled   uint64
	RestingOnBook bool
}

type UpdateResult struct {
	Updated          bool
	Order            *protocol.RedisOrder
	OldTotalFilled   uint64
	OldRestingOnBook bool
}

// OrderData is the mutable per-order state.
type OrderData struct {
	GoodTil       uint32
	TotalFilled   uint64
	RestingOnBook bool
}

// OrdersCache holds order records, their mutable fill state and the
// per-subaccount order index. Every mutation touches all three in one script.
type OrdersCache struct {
	client redis.UniversalClient
}

func NewOrdersCache(client redis.UniversalClient) *OrdersCache {
	return &OrdersCache{client: client}
}

// PlaceOrder inserts the order, or replaces an existing record with the same
// uuid when the new expiry is strictly later. Otherwise it is a no-op.
func (c *OrdersCache) PlaceOrder(ctx context.Context, order protocol.RedisOrder) (PlaceResult, error) {
	if order.Order.OrderID == nil || order.Order.OrderID.SubaccountID == nil {
		return PlaceResult{}, fmt.Errorf("place order: missing order id")
	}
	expiry, err := order.Order.Expiry()
	if err != nil {
		return PlaceResult{}, fmt.Errorf("place order %s: %w", order.ID, err)
	}
	raw, err := json.Marshal(order)
	if err != nil {
		return PlaceResult{}, fmt.Errorf("encode order %s: %w", order.ID, err)
	}

	keys := []string{
		orderKey(order.ID),
		orderDataKey(order.ID),
		subaccountOrdersKey(protocol.SubaccountUUID(*order.Order.OrderID.SubaccountID)),
	}
	res, err := placeOrderScript.Run(ctx, c.client, keys, string(raw), strconv.FormatUint(uint64(expiry), 10), order.ID).Slice()
	if err != nil {
		return PlaceResult{}, fmt.Errorf("place order %s: %w", order.ID, err)
	}
	if len(res) < 2 {
		return PlaceResult{}, ErrUnexpectedReply
	}

	out := PlaceResult{
		Placed:   asInt64(res[0]) == 1,
		Replaced: asInt64(res[1]) == 1,
	}
	if !out.Replaced {
		return out, nil
	}
	if len(res) != 5 {
		return PlaceResult{}, ErrUnexpectedReply
	}
	out.OldOrder, err = decodeOrder(res[2])
	if err != nil {
		return PlaceResult{}, err
	}
	if out.OldTotalFilled, err = parseQuantums(res[3]); err != nil {
		return PlaceResult{}, err
	}
	out.OldRestingOnBook = asString(res[4]) == "true"
	return out, nil
}

// RemoveOrder deletes the order record, its state and its index entry.
func (c *OrdersCache) RemoveOrder(ctx context.Context, id protocol.OrderID) (RemoveResult, error) {
	if id.SubaccountID == nil {
		return RemoveResult{}, fmt.Errorf("remove order: missing subaccount id")
	}
	orderUUID := protocol.OrderUUID(id)
	keys := []string{
		orderKey(orderUUID),
		orderDataKey(orderUUID),
		subaccountOrdersKey(protocol.SubaccountUUID(*id.SubaccountID)),
	}
	res, err := removeOrderScript.Run(ctx, c.client, keys, orderUUID).Slice()
	if err != nil {
		return RemoveResult{}, fmt.Errorf("remove order %s: %w", orderUUID, err)
	}
	if len(res) == 0 {
		return RemoveResult{}, ErrUnexpectedReply
	}
	if asInt64(res[0]) != 1 {
		return RemoveResult{}, nil
	}
	if len(res) != 4 {
		return RemoveResult{}, ErrUnexpectedReply
	}

	out := RemoveResult{Removed: true, RestingOnBook: asString(res[3]) == "true"}
	if out.RemovedOrder, err = decodeOrder(res[1]); err != nil {
		return RemoveResult{}, err
	}
	if out.TotalFilled, err = parseQuantums(res[2]); err != nil {
		return RemoveResult{}, err
	}
	return out, nil
}

// UpdateOrder records totalFilled and marks the order resting. Orders absent
// from the cache are left untouched.
func (c *OrdersCache) UpdateOrder(ctx context.Context, id protocol.OrderID, totalFilled uint64) (UpdateResult, error) {
	orderUUID := protocol.OrderUUID(id)
	keys := []string{orderKey(orderUUID), orderDataKey(orderUUID)}
	res, err := updateOrderScript.Run(ctx, c.client, keys, strconv.FormatUint(totalFilled, 10)).Slice()
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update order %s: %w", orderUUID, err)
	}
	if len(res) == 0 {
		return UpdateResult{}, ErrUnexpectedReply
	}
	if asInt64(res[0]) != 1 {
		return UpdateResult{}, nil
	}
	if len(res) != 4 {
		return UpdateResult{}, ErrUnexpectedReply
	}

	out := UpdateResult{Updated: true, OldRestingOnBook: asString(res[3]) == "true"}
	if out.Order, err = decodeOrder(res[1]); err != nil {
		return UpdateResult{}, err
	}
	if out.OldTotalFilled, err = parseQuantums(res[2]); err != nil {
		return UpdateResult{}, err
	}
	return out, nil
}

// GetOrder returns the cached record, or nil when absent.
func (c *OrdersCache) GetOrder(ctx context.Context, orderUUID string) (*protocol.RedisOrder, error) {
	raw, err := c.client.Get(ctx, orderKey(orderUUID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderUUID, err)
	}
	return decodeOrder(raw)
}

// GetOrderData returns the mutable state, or nil when absent.
func (c *OrdersCache) GetOrderData(ctx context.Context, orderUUID string) (*OrderData, error) {
	raw, err := c.client.Get(ctx, orderDataKey(orderUUID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order data %s: %w", orderUUID, err)
	}
	return parseOrderData(raw)
}

func (c *OrdersCache) GetSubaccountOrderIDs(ctx context.Context, subaccountUUID string) ([]string, error) {
	ids, err := c.client.SMembers(ctx, subaccountOrdersKey(subaccountUUID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get subaccount orders %s: %w", subaccountUUID, err)
	}
	return ids, nil
}

func parseOrderData(raw string) (*OrderData, error) {
	parts := strings.Split(raw, "_")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: order data %q", ErrUnexpectedReply, raw)
	}
	goodTil, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse good til %q: %w", parts[0], err)
	}
	filled, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse total filled %q: %w", parts[1], err)
	}
	return &OrderData{
		GoodTil:       uint32(goodTil),
		TotalFilled:   filled,
		RestingOnBook: parts[2] == "true",
	}, nil
}

func decodeOrder(v any) (*protocol.RedisOrder, error) {
	raw, ok := v.(string)
	if !ok {
		return nil, ErrUnexpectedReply
	}
	var order protocol.RedisOrder
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		return nil, fmt.Errorf("decode cached order: %w", err)
	}
	return &order, nil
}

func parseQuantums(v any) (uint64, error) {
	s := asString(v)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse quantums %q: %w", s, err)
	}
	return n, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}
