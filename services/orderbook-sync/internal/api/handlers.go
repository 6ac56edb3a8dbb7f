package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/AfshinJalili/obsync/libs/httpmiddleware"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/cache"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type LevelsReader interface {
	GetOrderBookLevels(ctx context.Context, ticker string, opts cache.LevelsOptions) (cache.OrderbookLevels, error)
}

type OrdersReader interface {
	GetOrder(ctx context.Context, orderUUID string) (*protocol.RedisOrder, error)
	GetOrderData(ctx context.Context, orderUUID string) (*cache.OrderData, error)
	GetSubaccountOrderIDs(ctx context.Context, subaccountUUID string) ([]string, error)
}

type CanceledReader interface {
	GetOrderCanceledStatus(ctx context.Context, orderUUID string) (protocol.CanceledStatus, error)
}

type OpenOrdersReader interface {
	GetOpenOrderIDs(ctx context.Context, clobPairID string) ([]string, error)
}

type StateFilledReader interface {
	GetStateFilledQuantums(ctx context.Context, orderUUID string) (uint64, bool, error)
}

type Markets interface {
	ByTicker(ticker string) (protocol.PerpetualMarket, bool)
	ByClobPairID(clobPairID string) (protocol.PerpetualMarket, bool)
	Tickers() []string
}

// Handler serves read-only views of the cached order book state.
type Handler struct {
	Levels      LevelsReader
	Orders      OrdersReader
	Canceled    CanceledReader
	OpenOrders  OpenOrdersReader
	StateFilled StateFilledReader
	Markets     Markets
	Logger      *slog.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type levelResponse struct {
	Price       string `json:"price"`
	Size        string `json:"size"`
	Quantums    string `json:"quantums"`
	LastUpdated int64  `json:"last_updated"`
}

type orderbookResponse struct {
	Ticker string          `json:"ticker"`
	Bids   []levelResponse `json:"bids"`
	Asks   []levelResponse `json:"asks"`
}

type orderResponse struct {
	Order               *protocol.RedisOrder `json:"order"`
	TotalFilledQuantums string               `json:"total_filled_quantums"`
	RestingOnBook       bool                 `json:"resting_on_book"`
	CanceledStatus      string               `json:"canceled_status"`
	StateFilledQuantums string               `json:"state_filled_quantums,omitempty"`
	GoodTil             uint32               `json:"good_til"`
}

type idsResponse struct {
	IDs []string `json:"ids"`
}

type marketsResponse struct {
	Tickers []string `json:"tickers"`
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/v1")
	g.GET("/markets", h.ListMarkets)
	g.GET("/orderbooks/:ticker", h.Orderbook)
	g.GET("/orders/:uuid", h.Order)
	g.GET("/subaccounts/:owner/:number/orders", h.SubaccountOrders)
	g.GET("/open-orders/:clobPairId", h.OpenOrderIDs)
}

func (h *Handler) ListMarkets(c *gin.Context) {
	c.JSON(http.StatusOK, marketsResponse{Tickers: h.Markets.Tickers()})
}

// Orderbook returns the aggregated levels of one market. Query params:
// sorted, uncross, zeros, limit.
func (h *Handler) Orderbook(c *gin.Context) {
	ticker := c.Param("ticker")
	market, ok := h.Markets.ByTicker(ticker)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "unknown market"})
		return
	}

	opts := cache.LevelsOptions{
		SortSides:   queryBool(c, "sorted"),
		UncrossBook: queryBool(c, "uncross"),
		KeepZeros:   queryBool(c, "zeros"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid limit"})
			return
		}
		opts.LimitPerSide = limit
	}

	levels, err := h.Levels.GetOrderBookLevels(c.Request.Context(), ticker, opts)
	if err != nil {
		if errors.Is(err, cache.ErrInvalidOptions) {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
			return
		}
		h.logger().Error("orderbook lookup failed", "ticker", ticker, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	c.JSON(http.StatusOK, orderbookResponse{
		Ticker: ticker,
		Bids:   renderLevels(market, levels.Bids),
		Asks:   renderLevels(market, levels.Asks),
	})
}

func (h *Handler) Order(c *gin.Context) {
	id := c.Param("uuid")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid order id"})
		return
	}
	ctx := c.Request.Context()

	order, err := h.Orders.GetOrder(ctx, id)
	if err != nil {
		h.internalError(c, "order lookup failed", id, err)
		return
	}
	if order == nil {
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "order not cached"})
		return
	}
	data, err := h.Orders.GetOrderData(ctx, id)
	if err != nil {
		h.internalError(c, "order data lookup failed", id, err)
		return
	}
	status, err := h.Canceled.GetOrderCanceledStatus(ctx, id)
	if err != nil {
		h.internalError(c, "canceled status lookup failed", id, err)
		return
	}

	resp := orderResponse{Order: order, CanceledStatus: string(status)}
	if data != nil {
		resp.TotalFilledQuantums = strconv.FormatUint(data.TotalFilled, 10)
		resp.RestingOnBook = data.RestingOnBook
		resp.GoodTil = data.GoodTil
	}
	if h.StateFilled != nil {
		filled, found, err := h.StateFilled.GetStateFilledQuantums(ctx, id)
		if err != nil {
			h.internalError(c, "state filled lookup failed", id, err)
			return
		}
		if found {
			resp.StateFilledQuantums = strconv.FormatUint(filled, 10)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) SubaccountOrders(c *gin.Context) {
	owner := strings.TrimSpace(c.Param("owner"))
	number, err := strconv.ParseUint(c.Param("number"), 10, 32)
	if owner == "" || err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid subaccount"})
		return
	}

	subaccountUUID := protocol.SubaccountUUID(protocol.SubaccountID{Owner: owner, Number: uint32(number)})
	ids, err := h.Orders.GetSubaccountOrderIDs(c.Request.Context(), subaccountUUID)
	if err != nil {
		h.internalError(c, "subaccount orders lookup failed", subaccountUUID, err)
		return
	}
	c.JSON(http.StatusOK, idsResponse{IDs: ids})
}

func (h *Handler) OpenOrderIDs(c *gin.Context) {
	clobPairID := c.Param("clobPairId")
	if _, ok := h.Markets.ByClobPairID(clobPairID); !ok {
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "unknown clob pair"})
		return
	}
	ids, err := h.OpenOrders.GetOpenOrderIDs(c.Request.Context(), clobPairID)
	if err != nil {
		h.internalError(c, "open orders lookup failed", clobPairID, err)
		return
	}
	c.JSON(http.StatusOK, idsResponse{IDs: ids})
}

func (h *Handler) internalError(c *gin.Context, msg, id string, err error) {
	h.logger().Error(msg, "id", id, "error", err,
		"request_id", httpmiddleware.RequestIDFromContext(c.Request.Context()))
	c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func renderLevels(market protocol.PerpetualMarket, levels []cache.PriceLevel) []levelResponse {
	out := make([]levelResponse, 0, len(levels))
	for _, level := range levels {
		var size string
		if level.Quantums >= 0 {
			size = market.Size(uint64(level.Quantums))
		}
		out = append(out, levelResponse{
			Price:       level.Price,
			Size:        size,
			Quantums:    strconv.FormatInt(level.Quantums, 10),
			LastUpdated: level.LastUpdated,
		})
	}
	return out
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}
