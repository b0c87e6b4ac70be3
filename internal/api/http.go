// Package api implements the transport surfaces of §6: a synchronous
// gin-gonic/gin JSON-RPC 2.0 request API and a gorilla/websocket streaming
// subscription API, both driving one internal/engine.Engine.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clob/internal/clob"
	"clob/internal/engine"
	"clob/internal/storage"
)

// Server wires the engine and storage port behind gin routes.
type Server struct {
	market   string
	engine   Engine
	store    storage.Storage
	registry *prometheus.Registry
	started  time.Time
}

// Engine is the subset of *engine.Engine the HTTP layer depends on,
// narrowed so handlers stay testable against a fake.
type Engine interface {
	PlaceOrder(req engine.PlaceOrderRequest) (*clob.Order, []clob.Trade, error)
	CancelOrder(orderId clob.OrderId, caller clob.AccountId) (*clob.Order, error)
	ModifyOrder(orderId clob.OrderId, caller clob.AccountId, newPrice, newQuantity *uint64) (*clob.Order, error)
	GetOrder(orderId clob.OrderId) (*clob.Order, bool)
	GetOrderBook() clob.Snapshot
}

// NewServer builds the HTTP API server for market, backed by eng and store;
// Routes mounts its handlers onto a gin router.
// registry may be nil, in which case GET /metrics is not registered.
func NewServer(market string, eng Engine, store storage.Storage, registry *prometheus.Registry) *Server {
	return &Server{market: market, engine: eng, store: store, registry: registry, started: time.Now()}
}

// Routes registers §6's HTTP paths onto r.
func (s *Server) Routes(r gin.IRouter) {
	v1 := r.Group("/api/v1")
	v1.POST("/orders", s.placeOrder)
	v1.DELETE("/orders/:order_id", s.cancelOrder)
	v1.PUT("/orders/:order_id", s.modifyOrder)
	v1.GET("/orders/:order_id", s.getOrder)
	v1.GET("/orderbook", s.getOrderBook)
	v1.GET("/trades", s.getRecentTrades)
	v1.GET("/users/:owner/orders", s.getUserOrders)
	v1.GET("/market/stats", s.getMarketStats)
	r.GET("/health", s.health)
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
}

// rpcEnvelope is the {jsonrpc, id, result?, error?} wrapper required by §6.
type rpcEnvelope struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id"`
	Result  any         `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func ok(c *gin.Context, status int, result any) {
	c.JSON(status, rpcEnvelope{JSONRPC: "2.0", ID: requestID(c), Result: result})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, rpcEnvelope{JSONRPC: "2.0", ID: requestID(c), Error: &rpcError{Code: status, Message: err.Error()}})
}

func requestID(c *gin.Context) any {
	if id := c.Query("id"); id != "" {
		return id
	}
	return nil
}

// placeOrderBody is PlaceOrderRequest's wire shape per §6.
type placeOrderBody struct {
	Owner             clob.AccountId        `json:"owner"`
	ClientOrderId     clob.ClientOrderId    `json:"client_order_id"`
	Side              clob.Side             `json:"side"`
	OrderType         clob.OrderType        `json:"order_type"`
	Price             uint64                `json:"price"`
	Quantity          uint64                `json:"quantity"`
	TimeInForce       clob.TimeInForce      `json:"time_in_force"`
	ExpiryTimestamp   *time.Time            `json:"expiry_timestamp,omitempty"`
	SelfTradeBehavior clob.SelfTradeBehavior `json:"self_trade_behavior"`
	SlippagePriceGuard *uint64              `json:"slippage_price_guard,omitempty"`
}

func (s *Server) placeOrder(c *gin.Context) {
	var body placeOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	req := engine.PlaceOrderRequest{
		Owner:              body.Owner,
		ClientOrderId:      body.ClientOrderId,
		Side:               body.Side,
		OrderType:          body.OrderType,
		TimeInForce:        body.TimeInForce,
		SelfTradeBehavior:  body.SelfTradeBehavior,
		Price:              body.Price,
		Quantity:           body.Quantity,
		SlippagePriceGuard: body.SlippagePriceGuard,
	}
	if body.ExpiryTimestamp != nil {
		req.ExpiryTimestamp = *body.ExpiryTimestamp
	}

	order, trades, err := s.engine.PlaceOrder(req)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	ok(c, http.StatusOK, gin.H{"order": order, "trades": trades})
}

func (s *Server) cancelOrder(c *gin.Context) {
	orderId, err := parseOrderId(c.Param("order_id"))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAccountId(c.Query("owner"))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	order, err := s.engine.CancelOrder(orderId, caller)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	ok(c, http.StatusOK, order)
}

type modifyOrderBody struct {
	NewPrice    *uint64 `json:"new_price,omitempty"`
	NewQuantity *uint64 `json:"new_quantity,omitempty"`
}

func (s *Server) modifyOrder(c *gin.Context) {
	orderId, err := parseOrderId(c.Param("order_id"))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAccountId(c.Query("owner"))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	var body modifyOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	order, err := s.engine.ModifyOrder(orderId, caller, body.NewPrice, body.NewQuantity)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	ok(c, http.StatusOK, order)
}

func (s *Server) getOrder(c *gin.Context) {
	orderId, err := parseOrderId(c.Param("order_id"))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	order, found := s.engine.GetOrder(orderId)
	if !found {
		fail(c, http.StatusNotFound, clob.ErrOrderNotFound)
		return
	}
	ok(c, http.StatusOK, order)
}

func (s *Server) getOrderBook(c *gin.Context) {
	ok(c, http.StatusOK, s.engine.GetOrderBook())
}

func (s *Server) getRecentTrades(c *gin.Context) {
	limit := 100
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			limit = n
		}
	}
	trades, err := s.store.GetRecentTrades(limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, http.StatusOK, trades)
}

func (s *Server) getUserOrders(c *gin.Context) {
	owner, err := parseAccountId(c.Param("owner"))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	orders, err := s.store.GetUserOrders(owner)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, http.StatusOK, orders)
}

// marketStatsWindow is the 24h lookback §4.4's volume/high/low figures are
// aggregated over. GetRecentTrades is capped at maxRecentTrades, so stats
// on a market trading faster than that cap reflect the most recent 1000
// trades rather than the full trailing day.
const marketStatsWindow = 24 * time.Hour

func (s *Server) getMarketStats(c *gin.Context) {
	stats := clob.MarketStats{}
	trades, err := s.store.GetRecentTrades(1000)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if len(trades) > 0 {
		price := trades[0].Price
		stats.LastPrice = &price
	}

	cutoff := time.Now().Add(-marketStatsWindow)
	var high, low uint64
	var haveRange bool
	for _, t := range trades {
		if t.Timestamp.Before(cutoff) {
			continue
		}
		stats.Volume24h += t.Quantity
		if !haveRange || t.Price > high {
			high = t.Price
		}
		if !haveRange || t.Price < low {
			low = t.Price
		}
		haveRange = true
	}
	if haveRange {
		stats.High24h = &high
		stats.Low24h = &low
	}
	ok(c, http.StatusOK, stats)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   s.market,
	})
}

func parseOrderId(raw string) (clob.OrderId, error) {
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("invalid order_id")
	}
	return clob.OrderId(n), nil
}

func parseAccountId(raw string) (clob.AccountId, error) {
	if raw == "" {
		return clob.AccountId{}, errors.New("missing owner")
	}
	return clob.ParseAccountId(raw)
}

// statusFor maps the clob error taxonomy to §6's HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, clob.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, clob.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, clob.ErrPostOnlyWouldMatch), errors.Is(err, clob.ErrFOKNotFilled),
		errors.Is(err, clob.ErrSelfTradeDetected), errors.Is(err, clob.ErrSlippageExceeded):
		return http.StatusConflict
	case clob.Fatal(err):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
