// Package engine implements the matching engine: validation, the
// limit/market/post-only matching policies, time-in-force and self-trade
// handling, status transitions, and cancel/modify, all against a single
// per-market internal/book.OrderBook held under one write lock per
// place_order call.
package engine

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"clob/internal/book"
	"clob/internal/clob"
)

// UpdateType classifies a fanout-bound market-data event.
type UpdateType uint8

const (
	OrderBookUpdate UpdateType = iota
	TradeExecution
	OrderUpdate
)

// Update is a single fanout-bound market-data event, emitted outside the
// book's lock once a mutation has committed.
type Update struct {
	Type   UpdateType
	Market string
	Order  *clob.Order
	// Orders carries every order affected by a bulk event (SweepExpired);
	// unset for the single-order place/cancel/modify events, which use
	// Order instead.
	Orders    []*clob.Order
	Trades    []clob.Trade
	Snapshot  *clob.Snapshot
	Timestamp time.Time
}

// Sink receives the side effects of a committed place/cancel/modify call:
// the order/trade rows to journal (the primary order plus every resting
// maker filled or cancelled during matching) and the update to fan out. Both
// calls happen after the book's lock has been released, per the "no
// awaiting across the storage call inside the critical section" rule.
type Sink interface {
	Persist(orders []*clob.Order, trades []clob.Trade) error
	Publish(update Update)
}

// PlaceOrderRequest is the input to Engine.PlaceOrder.
type PlaceOrderRequest struct {
	Owner             clob.AccountId
	ClientOrderId     clob.ClientOrderId
	Side              clob.Side
	OrderType         clob.OrderType
	TimeInForce       clob.TimeInForce
	SelfTradeBehavior clob.SelfTradeBehavior
	Price             uint64
	Quantity          uint64
	ExpiryTimestamp   time.Time

	// SlippagePriceGuard, if set, rejects a Market order with
	// SlippageExceeded before any book mutation if the first prospective
	// match would print at a worse price than the guard.
	SlippagePriceGuard *uint64
}

// Engine is a single-market matching engine. One Engine owns exactly one
// Book; a multi-market deployment runs one Engine per market.
type Engine struct {
	market string
	book   *book.OrderBook
	sink   Sink

	// clientOrders tracks live (owner, client_order_id) pairs for the
	// duplicate-submission check in §8's idempotence property.
	clientOrders map[clientKey]clob.OrderId

	// affected accumulates the resting makers mutated by the in-progress
	// placeOrderLocked call, so Persist can journal them alongside the
	// taker. Valid only while the book's write lock is held.
	affected []*clob.Order
}

type clientKey struct {
	owner clob.AccountId
	id    clob.ClientOrderId
}

// New constructs an Engine over b for the given market name.
func New(market string, b *book.OrderBook, sink Sink) *Engine {
	return &Engine{
		market:       market,
		book:         b,
		sink:         sink,
		clientOrders: make(map[clientKey]clob.OrderId),
	}
}

// PlaceOrder runs the full validation/matching/TIF pipeline for req and
// returns the resulting order plus any trades it produced. A FOK order that
// cannot be filled in full returns clob.ErrFOKNotFilled together with the
// order, Cancelled with nothing executed; every other error returns a nil
// order.
func (e *Engine) PlaceOrder(req PlaceOrderRequest) (*clob.Order, []clob.Trade, error) {
	e.book.Lock()
	order, trades, orders, update, err := e.placeOrderLocked(req)
	e.book.Unlock()
	if err != nil {
		return order, nil, err
	}

	e.commit(orders, trades, update)
	return order, trades, nil
}

func (e *Engine) placeOrderLocked(req PlaceOrderRequest) (*clob.Order, []clob.Trade, []*clob.Order, *Update, error) {
	cfg := e.book.Config()

	if cfg.IsPaused {
		return nil, nil, nil, nil, clob.ErrOrderbookPaused
	}
	if req.TimeInForce == clob.GTT && !req.ExpiryTimestamp.After(time.Now()) {
		return nil, nil, nil, nil, clob.ErrOrderExpired
	}
	if req.Side != clob.Bid && req.Side != clob.Ask {
		return nil, nil, nil, nil, clob.ErrInvalidOrderSide
	}
	if req.OrderType != clob.Limit && req.OrderType != clob.Market && req.OrderType != clob.PostOnly {
		return nil, nil, nil, nil, clob.ErrInvalidOrderType
	}
	if req.Quantity < cfg.MinOrderSize {
		return nil, nil, nil, nil, clob.ErrOrderSizeBelowMinimum
	}
	if req.OrderType != clob.Market {
		if req.Price == 0 {
			return nil, nil, nil, nil, clob.ErrInvalidPrice
		}
		if req.Price%cfg.TickSize != 0 {
			return nil, nil, nil, nil, clob.ErrPriceNotAlignedToTick
		}
	}
	if req.ClientOrderId != 0 {
		if _, live := e.clientOrders[clientKey{req.Owner, req.ClientOrderId}]; live {
			return nil, nil, nil, nil, clob.ErrDuplicateClientOrderId
		}
	}

	e.affected = e.affected[:0]

	order := &clob.Order{
		OrderId:           clob.OrderId(e.book.SequenceNumberLocked() + 1),
		Owner:             req.Owner,
		ClientOrderId:     req.ClientOrderId,
		Side:              req.Side,
		OrderType:         req.OrderType,
		TimeInForce:       req.TimeInForce,
		SelfTradeBehavior: req.SelfTradeBehavior,
		Price:             req.Price,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Timestamp:         time.Now(),
		ExpiryTimestamp:   req.ExpiryTimestamp,
		Status:            clob.Open,
	}

	var (
		trades []clob.Trade
		err    error
	)

	switch req.OrderType {
	case clob.PostOnly:
		if e.wouldMatchLocked(order) {
			return nil, nil, nil, nil, clob.ErrPostOnlyWouldMatch
		}
		if err := e.restLocked(order); err != nil {
			return nil, nil, nil, nil, err
		}
	case clob.Market:
		trades, err = e.matchMarketLocked(order, req.SlippagePriceGuard)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		e.finishMarketLocked(order)
	default: // Limit
		if req.TimeInForce == clob.FOK {
			trades, err = e.matchFOKLocked(order)
		} else {
			trades, err = e.matchLimitLocked(order)
		}
		if errors.Is(err, clob.ErrFOKNotFilled) {
			return order, nil, nil, nil, err
		}
		if err != nil {
			return nil, nil, nil, nil, err
		}
		e.finishLimitLocked(order, req.TimeInForce)
	}

	// An accepted order that neither rested nor touched the book (e.g. an
	// IOC with nothing to match) has not advanced the sequence yet; advance
	// it so the next placement cannot reuse this order's id.
	e.book.SetSequenceNumberLocked(uint64(order.OrderId))

	if req.ClientOrderId != 0 && order.Status.IsResting() {
		e.clientOrders[clientKey{req.Owner, req.ClientOrderId}] = order.OrderId
	}

	snap := e.book.SnapshotLocked(time.Now())
	update := &Update{
		Type:      OrderBookUpdate,
		Market:    e.market,
		Order:     order,
		Trades:    trades,
		Snapshot:  &snap,
		Timestamp: time.Now(),
	}
	orders := append([]*clob.Order{order}, e.affected...)
	return order, trades, orders, update, nil
}

// wouldMatchLocked reports whether order would cross any resting order if
// placed right now, without mutating the book.
func (e *Engine) wouldMatchLocked(order *clob.Order) bool {
	if order.Side == clob.Bid {
		best, ok := e.book.BestAskLocked()
		return ok && best <= order.Price
	}
	best, ok := e.book.BestBidLocked()
	return ok && best >= order.Price
}

// restingCandidates returns the resting orders order would be matched
// against, in price-time priority, without mutating the book.
func (e *Engine) restingCandidates(order *clob.Order, limitPrice uint64) []*clob.Order {
	if order.Side == clob.Bid {
		return e.book.IterAsksUpToLocked(limitPrice)
	}
	return e.book.IterBidsDownToLocked(limitPrice)
}

// matchLimitLocked runs the GTC/IOC/GTT matching loop for a Limit order at
// its own limit price.
func (e *Engine) matchLimitLocked(taker *clob.Order) ([]clob.Trade, error) {
	return e.runMatchLocked(taker, taker.Price)
}

// matchMarketLocked runs the matching loop for a Market order with an
// unbounded limit price, applying the optional slippage guard to the first
// prospective trade.
func (e *Engine) matchMarketLocked(taker *clob.Order, guard *uint64) ([]clob.Trade, error) {
	limit := unboundedPrice(taker.Side)
	if guard != nil {
		candidates := e.restingCandidates(taker, limit)
		if len(candidates) > 0 && crossesGuard(taker.Side, candidates[0].Price, *guard) {
			return nil, clob.ErrSlippageExceeded
		}
	}
	return e.runMatchLocked(taker, limit)
}

func crossesGuard(side clob.Side, firstMakerPrice, guard uint64) bool {
	if side == clob.Bid {
		return firstMakerPrice > guard
	}
	return firstMakerPrice < guard
}

func unboundedPrice(side clob.Side) uint64 {
	if side == clob.Bid {
		return ^uint64(0)
	}
	return 0
}

// matchFOKLocked pre-scans crossable depth; if the taker cannot be fully
// filled at its limit price, no trade is recorded at all.
func (e *Engine) matchFOKLocked(taker *clob.Order) ([]clob.Trade, error) {
	candidates := e.restingCandidates(taker, taker.Price)
	var available uint64
	for _, maker := range candidates {
		if maker.Owner == taker.Owner {
			switch taker.SelfTradeBehavior {
			case clob.CancelTake, clob.CancelBoth:
				// runMatchLocked stops dead the instant it reaches a
				// self-owned maker under these behaviors, so no depth
				// beyond this point is ever actually reachable.
				taker.Status = clob.Cancelled
				taker.RemainingQuantity = taker.Quantity
				return nil, clob.ErrFOKNotFilled
			case clob.DecrementAndCancel:
				// runMatchLocked only gets past this maker when it is
				// smaller than what the taker still has left; otherwise
				// the taker is cancelled here.
				if maker.RemainingQuantity >= taker.RemainingQuantity-available {
					taker.Status = clob.Cancelled
					taker.RemainingQuantity = taker.Quantity
					return nil, clob.ErrFOKNotFilled
				}
				continue
			default:
				continue // CancelProvide: maker is skipped, scan continues
			}
		}
		available += maker.RemainingQuantity
		if available >= taker.RemainingQuantity {
			return e.runMatchLocked(taker, taker.Price)
		}
	}
	taker.Status = clob.Cancelled
	taker.RemainingQuantity = taker.Quantity
	return nil, clob.ErrFOKNotFilled
}

// runMatchLocked is the core matching loop shared by Limit and Market
// orders: walk resting makers in price-time priority, trade at the maker's
// price, apply self-trade prevention, and stop when the taker is filled or
// no more makers cross.
func (e *Engine) runMatchLocked(taker *clob.Order, limitPrice uint64) ([]clob.Trade, error) {
	var trades []clob.Trade

	for taker.RemainingQuantity > 0 {
		candidates := e.restingCandidates(taker, limitPrice)
		if len(candidates) == 0 {
			break
		}
		maker := candidates[0]

		if maker.Owner == taker.Owner {
			done := e.handleSelfTradeLocked(taker, maker)
			if done {
				break
			}
			continue
		}

		qty := min(taker.RemainingQuantity, maker.RemainingQuantity)
		trade := clob.Trade{
			MakerOrderId: maker.OrderId,
			TakerOrderId: taker.OrderId,
			MakerOwner:   maker.Owner,
			TakerOwner:   taker.Owner,
			Price:        maker.Price,
			Quantity:     qty,
			MakerSide:    maker.Side,
			Timestamp:    time.Now(),
		}
		trades = append(trades, trade)

		taker.RemainingQuantity -= qty
		e.fillMakerLocked(maker, qty)

		log.Debug().
			Uint64("maker_order_id", uint64(maker.OrderId)).
			Uint64("taker_order_id", uint64(taker.OrderId)).
			Uint64("price", trade.Price).
			Uint64("quantity", qty).
			Msg("trade")
	}

	return trades, nil
}

// fillMakerLocked reduces a resting maker's remaining quantity by qty,
// removing it from the book once exhausted.
func (e *Engine) fillMakerLocked(maker *clob.Order, qty uint64) {
	remaining := maker.RemainingQuantity - qty
	if remaining == 0 {
		maker.Status = clob.Filled
		_ = e.book.UpdateRemainingLocked(maker.OrderId, 0)
	} else {
		maker.Status = clob.PartiallyFilled
		_ = e.book.UpdateRemainingLocked(maker.OrderId, remaining)
	}
	e.affected = append(e.affected, maker)
}

// handleSelfTradeLocked applies taker.SelfTradeBehavior when maker and
// taker share an owner. Returns done=true when the taker must stop
// matching entirely.
func (e *Engine) handleSelfTradeLocked(taker, maker *clob.Order) (done bool) {
	switch taker.SelfTradeBehavior {
	case clob.CancelProvide:
		e.cancelRestingLocked(maker)
		return false

	case clob.CancelTake:
		taker.Status = clob.Cancelled
		return true

	case clob.CancelBoth:
		e.cancelRestingLocked(maker)
		taker.Status = clob.Cancelled
		return true

	default: // DecrementAndCancel
		switch {
		case taker.RemainingQuantity < maker.RemainingQuantity:
			taker.Status = clob.Cancelled
			return true
		case maker.RemainingQuantity < taker.RemainingQuantity:
			e.cancelRestingLocked(maker)
			return false
		default:
			e.cancelRestingLocked(maker)
			taker.Status = clob.Cancelled
			return true
		}
	}
}

func (e *Engine) cancelRestingLocked(order *clob.Order) {
	order.Status = clob.Cancelled
	_, _ = e.book.RemoveLocked(order.OrderId)
	e.affected = append(e.affected, order)
}

// finishLimitLocked applies the post-matching-loop TIF rule for a Limit
// order: IOC never rests, GTC/GTT rests any remainder.
func (e *Engine) finishLimitLocked(order *clob.Order, tif clob.TimeInForce) {
	if order.Status == clob.Cancelled {
		return // already terminated by STP or FOK
	}
	if order.RemainingQuantity == 0 {
		order.Status = clob.Filled
		return
	}
	if tif == clob.IOC {
		order.Status = clob.Cancelled
		return
	}
	if order.RemainingQuantity < order.Quantity {
		order.Status = clob.PartiallyFilled
	}
	if err := e.restLocked(order); err != nil {
		// Validated on entry; reaching this means an invariant was
		// violated upstream and the order cannot be placed safely.
		order.Status = clob.Cancelled
		order.RemainingQuantity = 0
	}
}

// finishMarketLocked applies the Market-order rule: never rests, any
// remainder is cancelled.
func (e *Engine) finishMarketLocked(order *clob.Order) {
	if order.Status == clob.Cancelled {
		return
	}
	if order.RemainingQuantity == 0 {
		order.Status = clob.Filled
		return
	}
	order.Status = clob.Cancelled
}

func (e *Engine) restLocked(order *clob.Order) error {
	return e.book.AddLocked(order)
}

// CancelOrder cancels orderId on behalf of caller.
func (e *Engine) CancelOrder(orderId clob.OrderId, caller clob.AccountId) (*clob.Order, error) {
	e.book.Lock()
	order, err := e.cancelOrderLocked(orderId, caller)
	e.book.Unlock()
	if err != nil {
		return nil, err
	}

	e.commit([]*clob.Order{order}, nil, &Update{
		Type:      OrderUpdate,
		Market:    e.market,
		Order:     order,
		Timestamp: time.Now(),
	})
	return order, nil
}

func (e *Engine) cancelOrderLocked(orderId clob.OrderId, caller clob.AccountId) (*clob.Order, error) {
	order, ok := e.book.GetLocked(orderId)
	if !ok {
		return nil, clob.ErrOrderNotFound
	}
	if order.Owner != caller {
		return nil, clob.ErrUnauthorized
	}
	if !order.Status.IsResting() {
		return nil, clob.ErrOrderNotFound
	}

	order.Status = clob.Cancelled
	if _, err := e.book.RemoveLocked(orderId); err != nil {
		return nil, err
	}
	delete(e.clientOrders, clientKey{order.Owner, order.ClientOrderId})
	return order, nil
}

// ModifyOrder applies newPrice/newQuantity to orderId on behalf of caller.
// A price change, or a quantity increase, loses time priority
// (cancel-and-repost at a fresh sequence position). A strict decrease of
// remaining quantity alone retains priority.
func (e *Engine) ModifyOrder(orderId clob.OrderId, caller clob.AccountId, newPrice, newQuantity *uint64) (*clob.Order, error) {
	e.book.Lock()
	order, update, err := e.modifyOrderLocked(orderId, caller, newPrice, newQuantity)
	e.book.Unlock()
	if err != nil {
		return nil, err
	}

	e.commit([]*clob.Order{order}, nil, update)
	return order, nil
}

func (e *Engine) modifyOrderLocked(orderId clob.OrderId, caller clob.AccountId, newPrice, newQuantity *uint64) (*clob.Order, *Update, error) {
	order, ok := e.book.GetLocked(orderId)
	if !ok {
		return nil, nil, clob.ErrOrderNotFound
	}
	if order.Owner != caller {
		return nil, nil, clob.ErrUnauthorized
	}
	if !order.Status.IsResting() {
		return nil, nil, clob.ErrOrderNotFound
	}

	losesPriority := false
	if newPrice != nil && *newPrice != order.Price {
		if *newPrice == 0 || *newPrice%e.book.Config().TickSize != 0 {
			return nil, nil, clob.ErrInvalidPrice
		}
		losesPriority = true
	}
	if newQuantity != nil {
		switch {
		case *newQuantity < order.RemainingQuantity:
			// strict decrease, keeps priority
		case *newQuantity > order.Quantity:
			losesPriority = true
		default:
			return nil, nil, clob.ErrInvalidQuantity
		}
	}

	if losesPriority {
		if _, err := e.book.RemoveLocked(orderId); err != nil {
			return nil, nil, err
		}
		if newPrice != nil {
			order.Price = *newPrice
		}
		if newQuantity != nil {
			order.Quantity = *newQuantity
			order.RemainingQuantity = *newQuantity
		}
		order.OrderId = clob.OrderId(e.book.SequenceNumberLocked() + 1)
		order.Timestamp = time.Now()
		order.Status = clob.Open
		if err := e.book.AddLocked(order); err != nil {
			return nil, nil, err
		}
	} else if newQuantity != nil {
		if err := e.book.UpdateRemainingLocked(orderId, *newQuantity); err != nil {
			return nil, nil, err
		}
		if order.RemainingQuantity < order.Quantity {
			order.Status = clob.PartiallyFilled
		}
	}

	snap := e.book.SnapshotLocked(time.Now())
	update := &Update{
		Type:      OrderBookUpdate,
		Market:    e.market,
		Order:     order,
		Snapshot:  &snap,
		Timestamp: time.Now(),
	}
	return order, update, nil
}

// SweepExpired transitions every resting GTT order with expiry_timestamp
// <= now to Expired and removes it from the book. Safe to call repeatedly;
// a sweep that finds nothing to do is a no-op.
func (e *Engine) SweepExpired(now time.Time) []*clob.Order {
	e.book.Lock()
	candidates := append(e.book.IterBidsDownToLocked(0), e.book.IterAsksUpToLocked(^uint64(0))...)
	var expired []*clob.Order
	for _, o := range candidates {
		if o.TimeInForce != clob.GTT || o.ExpiryTimestamp.IsZero() || o.ExpiryTimestamp.After(now) {
			continue
		}
		o.Status = clob.Expired
		if _, err := e.book.RemoveLocked(o.OrderId); err != nil {
			continue
		}
		delete(e.clientOrders, clientKey{o.Owner, o.ClientOrderId})
		expired = append(expired, o)
	}
	snap := e.book.SnapshotLocked(now)
	e.book.Unlock()

	if len(expired) > 0 {
		e.commit(expired, nil, &Update{
			Type:      OrderUpdate,
			Market:    e.market,
			Orders:    expired,
			Snapshot:  &snap,
			Timestamp: now,
		})
	}
	return expired
}

// Restore rebuilds the book from orders (every order the journal still
// considers live) and advances the sequence counter past snapshotSeq and
// every restored order id, so a freshly placed order can never collide
// with one assigned before the restart. Per §4.6 the book is only ever
// reconstructed this way, at process start, before the engine serves any
// request.
func (e *Engine) Restore(orders []*clob.Order, snapshotSeq uint64) error {
	e.book.Lock()
	defer e.book.Unlock()

	maxId := snapshotSeq
	for _, order := range orders {
		if err := e.book.AddLocked(order); err != nil {
			return err
		}
		if order.ClientOrderId != 0 {
			e.clientOrders[clientKey{order.Owner, order.ClientOrderId}] = order.OrderId
		}
		if id := uint64(order.OrderId); id > maxId {
			maxId = id
		}
	}
	e.book.SetSequenceNumberLocked(maxId)
	return nil
}

// GetOrder returns the live order for orderId, if resting.
func (e *Engine) GetOrder(orderId clob.OrderId) (*clob.Order, bool) {
	return e.book.Get(orderId)
}

// GetOrderBook returns the current aggregated snapshot.
func (e *Engine) GetOrderBook() clob.Snapshot {
	return e.book.Snapshot()
}

func (e *Engine) commit(orders []*clob.Order, trades []clob.Trade, update *Update) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Persist(orders, trades); err != nil {
		if clob.Fatal(err) {
			log.Fatal().Err(err).Int("orders", len(orders)).Msg("storage diverged from in-memory book, aborting")
		}
		log.Error().Err(err).Msg("persist failed")
		return
	}
	if update != nil {
		e.sink.Publish(*update)
	}
}
