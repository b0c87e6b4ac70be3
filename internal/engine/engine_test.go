package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clob/internal/book"
	"clob/internal/clob"
)

func testBook() *book.OrderBook {
	return book.New(clob.MarketConfig{TickSize: 1, MinOrderSize: 1})
}

func owner(b byte) clob.AccountId {
	var id clob.AccountId
	id[0] = b
	return id
}

func newEngine() *Engine {
	return New("TEST/USD", testBook(), nil)
}

func place(t *testing.T, e *Engine, req PlaceOrderRequest) (*clob.Order, []clob.Trade) {
	t.Helper()
	order, trades, err := e.PlaceOrder(req)
	require.NoError(t, err)
	return order, trades
}

func TestPlaceOrder_SimpleCross(t *testing.T) {
	e := newEngine()
	a := owner(1)
	bOwner := owner(2)

	askOrder, askTrades := place(t, e, PlaceOrderRequest{
		Owner: a, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 5,
	})
	assert.Empty(t, askTrades)

	bidOrder, bidTrades := place(t, e, PlaceOrderRequest{
		Owner: bOwner, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 101, Quantity: 3,
	})

	require.Len(t, bidTrades, 1)
	tr := bidTrades[0]
	assert.Equal(t, askOrder.OrderId, tr.MakerOrderId)
	assert.Equal(t, bidOrder.OrderId, tr.TakerOrderId)
	assert.Equal(t, uint64(100), tr.Price)
	assert.Equal(t, uint64(3), tr.Quantity)

	updatedAsk, ok := e.GetOrder(askOrder.OrderId)
	require.True(t, ok)
	assert.Equal(t, uint64(2), updatedAsk.RemainingQuantity)
	assert.Equal(t, clob.PartiallyFilled, updatedAsk.Status)

	assert.Equal(t, clob.Filled, bidOrder.Status)

	bestAsk, ok := e.book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, uint64(100), bestAsk)
	_, ok = e.book.BestBid()
	assert.False(t, ok)
}

func TestPlaceOrder_PriceTimePriority(t *testing.T) {
	e := newEngine()
	a := owner(1)
	c := owner(3)
	bOwner := owner(2)

	aOrder, _ := place(t, e, PlaceOrderRequest{
		Owner: a, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 2,
	})
	cOrder, _ := place(t, e, PlaceOrderRequest{
		Owner: c, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 2,
	})

	_, trades := place(t, e, PlaceOrderRequest{
		Owner: bOwner, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 3,
	})

	require.Len(t, trades, 2)
	assert.Equal(t, aOrder.OrderId, trades[0].MakerOrderId)
	assert.Equal(t, uint64(2), trades[0].Quantity)
	assert.Equal(t, cOrder.OrderId, trades[1].MakerOrderId)
	assert.Equal(t, uint64(1), trades[1].Quantity)

	remainingC, ok := e.GetOrder(cOrder.OrderId)
	require.True(t, ok)
	assert.Equal(t, uint64(1), remainingC.RemainingQuantity)
}

func TestPlaceOrder_PostOnlyRejection(t *testing.T) {
	e := newEngine()
	a := owner(1)
	bOwner := owner(2)

	place(t, e, PlaceOrderRequest{
		Owner: a, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 5,
	})

	_, _, err := e.PlaceOrder(PlaceOrderRequest{
		Owner: bOwner, Side: clob.Bid, OrderType: clob.PostOnly, TimeInForce: clob.GTC,
		Price: 100, Quantity: 1,
	})
	assert.ErrorIs(t, err, clob.ErrPostOnlyWouldMatch)

	snap := e.GetOrderBook()
	assert.Equal(t, []clob.PriceQuantity{{100, 5}}, snap.Asks)
	assert.Empty(t, snap.Bids)
}

func TestPlaceOrder_FOKAtomicity(t *testing.T) {
	e := newEngine()
	a := owner(1)
	bOwner := owner(2)

	aOrder, _ := place(t, e, PlaceOrderRequest{
		Owner: a, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 2,
	})

	order, trades, err := e.PlaceOrder(PlaceOrderRequest{
		Owner: bOwner, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.FOK,
		Price: 100, Quantity: 5,
	})
	require.ErrorIs(t, err, clob.ErrFOKNotFilled)
	assert.Empty(t, trades)
	assert.Equal(t, clob.Cancelled, order.Status)

	remainingA, ok := e.GetOrder(aOrder.OrderId)
	require.True(t, ok)
	assert.Equal(t, uint64(2), remainingA.RemainingQuantity)
	assert.Equal(t, clob.Open, remainingA.Status)
}

func TestPlaceOrder_IOCPartial(t *testing.T) {
	e := newEngine()
	a := owner(1)
	bOwner := owner(2)

	aOrder, _ := place(t, e, PlaceOrderRequest{
		Owner: a, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 2,
	})

	order, trades := place(t, e, PlaceOrderRequest{
		Owner: bOwner, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.IOC,
		Price: 100, Quantity: 5,
	})

	require.Len(t, trades, 1)
	assert.Equal(t, uint64(2), trades[0].Quantity)
	assert.Equal(t, clob.Cancelled, order.Status)
	assert.Equal(t, uint64(3), order.RemainingQuantity)

	filledA, ok := e.GetOrder(aOrder.OrderId)
	require.False(t, ok, "fully filled maker must leave the book")
	_ = filledA
}

func TestPlaceOrder_SelfTradeDecrementAndCancel(t *testing.T) {
	e := newEngine()
	u := owner(9)

	askOrder, _ := place(t, e, PlaceOrderRequest{
		Owner: u, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 5,
	})

	bidOrder, trades := place(t, e, PlaceOrderRequest{
		Owner: u, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 101, Quantity: 3, SelfTradeBehavior: clob.DecrementAndCancel,
	})

	assert.Empty(t, trades)
	assert.Equal(t, clob.Cancelled, bidOrder.Status)

	remainingAsk, ok := e.GetOrder(askOrder.OrderId)
	require.True(t, ok)
	assert.Equal(t, uint64(5), remainingAsk.RemainingQuantity)
}

func TestPlaceOrder_SelfTradeCancelTakePreservesQuantityConservation(t *testing.T) {
	e := newEngine()
	other := owner(1)
	u := owner(9)

	// Partial fill against a third party before the taker reaches its own
	// resting order, so remaining_quantity is no longer equal to quantity.
	place(t, e, PlaceOrderRequest{
		Owner: other, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 2,
	})
	selfAsk, _ := place(t, e, PlaceOrderRequest{
		Owner: u, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 10,
	})

	bidOrder, trades := place(t, e, PlaceOrderRequest{
		Owner: u, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 5, SelfTradeBehavior: clob.CancelTake,
	})

	require.Len(t, trades, 1)
	assert.Equal(t, uint64(2), trades[0].Quantity)
	assert.Equal(t, clob.Cancelled, bidOrder.Status)
	// 3 units were never matched (2 filled, then self-trade hit): the
	// invariant quantity = remaining_after + Σtrades must still hold, and
	// status=Filled must stay equivalent to remaining_quantity=0 — a
	// Cancelled order with nonzero remaining does not violate either.
	assert.Equal(t, uint64(3), bidOrder.RemainingQuantity)
	assert.Equal(t, bidOrder.Quantity, bidOrder.RemainingQuantity+trades[0].Quantity)

	restingSelfAsk, ok := e.GetOrder(selfAsk.OrderId)
	require.True(t, ok)
	assert.Equal(t, uint64(10), restingSelfAsk.RemainingQuantity, "self-owned maker untouched by CancelTake")
}

func TestPlaceOrder_FOKSelfTradeCancelTakeStopsAtFirstSelfOwnedMaker(t *testing.T) {
	e := newEngine()
	y := owner(1)
	u := owner(9)
	z := owner(3)

	yOrder, _ := place(t, e, PlaceOrderRequest{
		Owner: y, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 3,
	})
	xOrder, _ := place(t, e, PlaceOrderRequest{
		Owner: u, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 100,
	})
	place(t, e, PlaceOrderRequest{
		Owner: z, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 20,
	})

	order, trades, err := e.PlaceOrder(PlaceOrderRequest{
		Owner: u, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.FOK,
		Price: 100, Quantity: 10, SelfTradeBehavior: clob.CancelTake,
	})
	require.ErrorIs(t, err, clob.ErrFOKNotFilled)

	// The real matching loop would stop dead at X (the self-owned maker)
	// after filling only 3 against Y, well short of the FOK quantity; the
	// pre-scan must predict that and fail atomically instead of summing
	// past X into Z's depth and reporting an achievable fill.
	assert.Empty(t, trades, "no trade may reference an order_id that ends Cancelled")
	assert.Equal(t, clob.Cancelled, order.Status)
	assert.Equal(t, order.Quantity, order.RemainingQuantity)

	restingY, ok := e.GetOrder(yOrder.OrderId)
	require.True(t, ok)
	assert.Equal(t, uint64(3), restingY.RemainingQuantity)
	restingX, ok := e.GetOrder(xOrder.OrderId)
	require.True(t, ok)
	assert.Equal(t, uint64(100), restingX.RemainingQuantity)
}

func TestPlaceOrder_ValidationErrors(t *testing.T) {
	e := newEngine()
	a := owner(1)

	_, _, err := e.PlaceOrder(PlaceOrderRequest{
		Owner: a, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 101, Quantity: 1,
	})
	require.NoError(t, err)

	_, _, err = e.PlaceOrder(PlaceOrderRequest{
		Owner: a, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 0,
	})
	assert.ErrorIs(t, err, clob.ErrOrderSizeBelowMinimum)

	_, _, err = e.PlaceOrder(PlaceOrderRequest{
		Owner: a, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTT,
		Price: 100, Quantity: 1, ExpiryTimestamp: time.Now().Add(-time.Minute),
	})
	assert.ErrorIs(t, err, clob.ErrOrderExpired)
}

func TestPlaceOrder_DuplicateClientOrderId(t *testing.T) {
	e := newEngine()
	a := owner(1)

	_, _, err := e.PlaceOrder(PlaceOrderRequest{
		Owner: a, ClientOrderId: 7, Side: clob.Bid, OrderType: clob.Limit,
		TimeInForce: clob.GTC, Price: 100, Quantity: 1,
	})
	require.NoError(t, err)

	_, _, err = e.PlaceOrder(PlaceOrderRequest{
		Owner: a, ClientOrderId: 7, Side: clob.Bid, OrderType: clob.Limit,
		TimeInForce: clob.GTC, Price: 99, Quantity: 1,
	})
	assert.ErrorIs(t, err, clob.ErrDuplicateClientOrderId)
}

func TestCancelOrder(t *testing.T) {
	e := newEngine()
	a := owner(1)
	other := owner(2)

	order, _ := place(t, e, PlaceOrderRequest{
		Owner: a, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 1,
	})

	_, err := e.CancelOrder(order.OrderId, other)
	assert.ErrorIs(t, err, clob.ErrUnauthorized)

	cancelled, err := e.CancelOrder(order.OrderId, a)
	require.NoError(t, err)
	assert.Equal(t, clob.Cancelled, cancelled.Status)

	_, err = e.CancelOrder(order.OrderId, a)
	assert.ErrorIs(t, err, clob.ErrOrderNotFound)
}

func TestModifyOrder_QuantityDecreaseKeepsPriority(t *testing.T) {
	e := newEngine()
	a := owner(1)

	order, _ := place(t, e, PlaceOrderRequest{
		Owner: a, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 10,
	})
	originalId := order.OrderId

	newQty := uint64(4)
	modified, err := e.ModifyOrder(order.OrderId, a, nil, &newQty)
	require.NoError(t, err)
	assert.Equal(t, originalId, modified.OrderId, "quantity decrease keeps priority")
	assert.Equal(t, uint64(4), modified.RemainingQuantity)
}

func TestModifyOrder_PriceChangeLosesPriority(t *testing.T) {
	e := newEngine()
	a := owner(1)

	order, _ := place(t, e, PlaceOrderRequest{
		Owner: a, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 10,
	})
	originalId := order.OrderId

	newPrice := uint64(99)
	modified, err := e.ModifyOrder(order.OrderId, a, &newPrice, nil)
	require.NoError(t, err)
	assert.NotEqual(t, originalId, modified.OrderId, "price change loses priority")
	assert.Equal(t, uint64(99), modified.Price)
}

func TestSweepExpired(t *testing.T) {
	e := newEngine()
	a := owner(1)

	order, _, err := e.PlaceOrder(PlaceOrderRequest{
		Owner: a, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTT,
		Price: 100, Quantity: 1, ExpiryTimestamp: time.Now().Add(time.Millisecond),
	})
	require.NoError(t, err)

	expired := e.SweepExpired(time.Now().Add(time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, order.OrderId, expired[0].OrderId)
	assert.Equal(t, clob.Expired, expired[0].Status)

	_, ok := e.GetOrder(order.OrderId)
	assert.False(t, ok)
}

func TestPlaceOrder_MarketOrderNeverRests(t *testing.T) {
	e := newEngine()
	a := owner(1)
	bOwner := owner(2)

	place(t, e, PlaceOrderRequest{
		Owner: a, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 2,
	})

	order, trades := place(t, e, PlaceOrderRequest{
		Owner: bOwner, Side: clob.Bid, OrderType: clob.Market, TimeInForce: clob.IOC,
		Quantity: 5,
	})

	require.Len(t, trades, 1)
	assert.Equal(t, uint64(2), trades[0].Quantity)
	assert.Equal(t, clob.Cancelled, order.Status)
	assert.Equal(t, uint64(3), order.RemainingQuantity)
}

func TestPlaceOrder_MarketOrderSlippageGuard(t *testing.T) {
	e := newEngine()
	a := owner(1)
	bOwner := owner(2)

	place(t, e, PlaceOrderRequest{
		Owner: a, Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 105, Quantity: 2,
	})

	guard := uint64(100)
	_, _, err := e.PlaceOrder(PlaceOrderRequest{
		Owner: bOwner, Side: clob.Bid, OrderType: clob.Market, TimeInForce: clob.IOC,
		Quantity: 1, SlippagePriceGuard: &guard,
	})
	assert.ErrorIs(t, err, clob.ErrSlippageExceeded)

	snap := e.GetOrderBook()
	assert.Equal(t, []clob.PriceQuantity{{105, 2}}, snap.Asks)
}

func TestPlaceOrder_PausedMarketRejected(t *testing.T) {
	e := newEngine()
	e.book.SetPaused(true)

	_, _, err := e.PlaceOrder(PlaceOrderRequest{
		Owner: owner(1), Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 1,
	})
	assert.ErrorIs(t, err, clob.ErrOrderbookPaused)
}

func TestSequenceNumber_MonotonicAcrossPlacements(t *testing.T) {
	e := newEngine()
	a := owner(1)

	o1, _ := place(t, e, PlaceOrderRequest{
		Owner: a, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 1,
	})
	o2, _ := place(t, e, PlaceOrderRequest{
		Owner: a, Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 99, Quantity: 1,
	})
	assert.Greater(t, uint64(o2.OrderId), uint64(o1.OrderId))
}

func TestRestore_ReplaysLiveOrdersAndAdvancesSequence(t *testing.T) {
	e := newEngine()
	restored := &clob.Order{
		OrderId: 500, Owner: owner(1), ClientOrderId: 7,
		Side: clob.Ask, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 100, Quantity: 4, RemainingQuantity: 4, Status: clob.Open,
	}

	require.NoError(t, e.Restore([]*clob.Order{restored}, 200))

	got, ok := e.GetOrder(clob.OrderId(500))
	require.True(t, ok)
	assert.Equal(t, uint64(4), got.RemainingQuantity)

	// A fresh order placed after restore must never collide with the
	// replayed order's id.
	fresh, _ := place(t, e, PlaceOrderRequest{
		Owner: owner(2), Side: clob.Bid, OrderType: clob.Limit, TimeInForce: clob.GTC,
		Price: 99, Quantity: 1,
	})
	assert.Greater(t, uint64(fresh.OrderId), uint64(500))

	// The restored order's client_order_id must still dedupe, the same as
	// if it had been placed in this process.
	_, _, err := e.PlaceOrder(PlaceOrderRequest{
		Owner: owner(1), ClientOrderId: 7, Side: clob.Ask, OrderType: clob.Limit,
		TimeInForce: clob.GTC, Price: 100, Quantity: 1,
	})
	assert.ErrorIs(t, err, clob.ErrDuplicateClientOrderId)
}
