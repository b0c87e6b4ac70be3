// Package book implements the in-memory order book: two price-keyed sorted
// indexes (bids descending, asks ascending) plus an order-id index onto the
// same canonical order records, per §4.1 of the specification.
//
// The book does not serialize callers itself beyond protecting its own
// invariants: it exposes a public RWMutex-shaped locking surface
// (Lock/Unlock/RLock/RUnlock) so the matching engine can hold one lock
// across an entire place_order pipeline (several Add/Remove/UpdateRemaining
// calls that must appear atomic to readers), while still allowing the book
// to be used standalone (its exported non-Locked methods lock internally).
package book

import (
	"sync"
	"time"

	"github.com/tidwall/btree"

	"clob/internal/clob"
)

// Level is a resting price level: its price plus the FIFO list of orders
// resting at that price, in arrival order (price-time priority tail). The
// aggregate quantity and order count are not stored; ToPriceLevel computes
// them from Orders. Orders are shared pointers with the id index, per the "arena of
// order records referenced by stable identifiers" design note.
type Level struct {
	Price    uint64
	Orders   []*clob.Order
}

func (l *Level) aggregate() (qty uint64, count uint32) {
	for _, o := range l.Orders {
		qty += o.RemainingQuantity
		count++
	}
	return
}

// ToPriceLevel converts a Level into the spec's aggregated PriceLevel view.
func (l *Level) ToPriceLevel() clob.PriceLevel {
	qty, count := l.aggregate()
	return clob.PriceLevel{Price: l.Price, AggregateQuantity: qty, OrderCount: count}
}

type entry struct {
	order *clob.Order
	side  clob.Side
}

// OrderBook is the per-market two-sided price-level index.
type OrderBook struct {
	mu sync.RWMutex

	config clob.MarketConfig

	bids *btree.BTreeG[*Level] // ordered descending by price
	asks *btree.BTreeG[*Level] // ordered ascending by price

	orders map[clob.OrderId]*entry

	sequenceNumber uint64
}

// New creates an empty order book for the given market configuration.
func New(config clob.MarketConfig) *OrderBook {
	bids := btree.NewBTreeG(func(a, b *Level) bool { return a.Price > b.Price })
	asks := btree.NewBTreeG(func(a, b *Level) bool { return a.Price < b.Price })
	return &OrderBook{
		config: config,
		bids:   bids,
		asks:   asks,
		orders: make(map[clob.OrderId]*entry),
	}
}

// Lock / Unlock / RLock / RUnlock expose the book's lock to the engine so a
// whole matching pipeline can run under one critical section.
func (b *OrderBook) Lock()    { b.mu.Lock() }
func (b *OrderBook) Unlock()  { b.mu.Unlock() }
func (b *OrderBook) RLock()   { b.mu.RLock() }
func (b *OrderBook) RUnlock() { b.mu.RUnlock() }

func (b *OrderBook) levelsFor(side clob.Side) *btree.BTreeG[*Level] {
	if side == clob.Bid {
		return b.bids
	}
	return b.asks
}

// AddLocked inserts order into the book. Caller must hold the write lock.
func (b *OrderBook) AddLocked(order *clob.Order) error {
	if !order.Status.IsResting() {
		return clob.ErrInvalidOrderType
	}
	if order.Price%b.config.TickSize != 0 {
		return clob.ErrPriceNotAlignedToTick
	}
	if order.Quantity < b.config.MinOrderSize {
		return clob.ErrOrderSizeBelowMinimum
	}
	if _, exists := b.orders[order.OrderId]; exists {
		return clob.ErrDuplicateOrderId
	}

	levels := b.levelsFor(order.Side)
	lvl, ok := levels.Get(&Level{Price: order.Price})
	if !ok {
		lvl = &Level{Price: order.Price}
		levels.Set(lvl)
	}
	lvl.Orders = append(lvl.Orders, order)

	b.orders[order.OrderId] = &entry{order: order, side: order.Side}
	b.sequenceNumber++
	return nil
}

// Add is the self-locking convenience wrapper around AddLocked.
func (b *OrderBook) Add(order *clob.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.AddLocked(order)
}

// RemoveLocked unlinks order_id from the book. Caller must hold the write lock.
func (b *OrderBook) RemoveLocked(orderId clob.OrderId) (*clob.Order, error) {
	e, ok := b.orders[orderId]
	if !ok {
		return nil, clob.ErrOrderNotFound
	}
	delete(b.orders, orderId)

	levels := b.levelsFor(e.side)
	lvl, ok := levels.Get(&Level{Price: e.order.Price})
	if ok {
		for i, o := range lvl.Orders {
			if o.OrderId == orderId {
				lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
				break
			}
		}
		if len(lvl.Orders) == 0 {
			levels.Delete(lvl)
		}
	}

	b.sequenceNumber++
	return e.order, nil
}

// Remove is the self-locking convenience wrapper around RemoveLocked.
func (b *OrderBook) Remove(orderId clob.OrderId) (*clob.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.RemoveLocked(orderId)
}

// UpdateRemainingLocked sets order_id's remaining quantity to newRemaining
// (which must be smaller than the previous value), adjusting the owning
// level's aggregate and removing the order entirely if it reaches zero.
// Caller must hold the write lock.
func (b *OrderBook) UpdateRemainingLocked(orderId clob.OrderId, newRemaining uint64) error {
	e, ok := b.orders[orderId]
	if !ok {
		return clob.ErrOrderNotFound
	}
	if newRemaining >= e.order.RemainingQuantity {
		return clob.ErrInvalidQuantity
	}

	e.order.RemainingQuantity = newRemaining
	if newRemaining == 0 {
		_, err := b.RemoveLocked(orderId)
		return err
	}

	b.sequenceNumber++
	return nil
}

// UpdateRemaining is the self-locking convenience wrapper.
func (b *OrderBook) UpdateRemaining(orderId clob.OrderId, newRemaining uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.UpdateRemainingLocked(orderId, newRemaining)
}

// BestBidLocked / BestAskLocked assume the caller already holds at least a
// read lock (used inside the engine's already-locked pipeline).
func (b *OrderBook) BestBidLocked() (uint64, bool) {
	lvl, ok := b.bids.Min()
	if !ok {
		return 0, false
	}
	return lvl.Price, true
}

func (b *OrderBook) BestAskLocked() (uint64, bool) {
	lvl, ok := b.asks.Min()
	if !ok {
		return 0, false
	}
	return lvl.Price, true
}

// BestBid returns the highest resting bid price, if any.
func (b *OrderBook) BestBid() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.BestBidLocked()
}

// BestAsk returns the lowest resting ask price, if any.
func (b *OrderBook) BestAsk() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.BestAskLocked()
}

// IterAsksUpToLocked returns resting asks with price <= limitPrice, ordered
// ascending by price then FIFO within a price. Caller must hold a lock.
func (b *OrderBook) IterAsksUpToLocked(limitPrice uint64) []*clob.Order {
	var out []*clob.Order
	b.asks.Ascend(nil, func(lvl *Level) bool {
		if lvl.Price > limitPrice {
			return false
		}
		out = append(out, lvl.Orders...)
		return true
	})
	return out
}

// IterBidsDownToLocked returns resting bids with price >= limitPrice,
// ordered descending by price then FIFO within a price. Caller must hold a lock.
func (b *OrderBook) IterBidsDownToLocked(limitPrice uint64) []*clob.Order {
	var out []*clob.Order
	b.bids.Ascend(nil, func(lvl *Level) bool {
		if lvl.Price < limitPrice {
			return false
		}
		out = append(out, lvl.Orders...)
		return true
	})
	return out
}

// GetLocked returns the live order for orderId, if resting.
func (b *OrderBook) GetLocked(orderId clob.OrderId) (*clob.Order, bool) {
	e, ok := b.orders[orderId]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// Get is the self-locking convenience wrapper around GetLocked.
func (b *OrderBook) Get(orderId clob.OrderId) (*clob.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.GetLocked(orderId)
}

// SequenceNumberLocked returns the current sequence number; caller must hold a lock.
func (b *OrderBook) SequenceNumberLocked() uint64 {
	return b.sequenceNumber
}

// SetSequenceNumberLocked raises the sequence counter to n if n is higher
// than its current value. Used during startup recovery so an order placed
// after a restart never reuses an id assigned before it. Caller must hold
// the write lock.
func (b *OrderBook) SetSequenceNumberLocked(n uint64) {
	if n > b.sequenceNumber {
		b.sequenceNumber = n
	}
}

// SequenceNumber returns the current sequence number.
func (b *OrderBook) SequenceNumber() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequenceNumber
}

// SnapshotLocked builds a Snapshot of the current book state. Caller must
// hold a lock. Bids are returned price-descending, asks price-ascending,
// per §3.
func (b *OrderBook) SnapshotLocked(now time.Time) clob.Snapshot {
	var bids, asks []clob.PriceQuantity
	b.bids.Ascend(nil, func(lvl *Level) bool {
		bids = append(bids, clob.PriceQuantity{lvl.Price, sumQty(lvl)})
		return true
	})
	b.asks.Ascend(nil, func(lvl *Level) bool {
		asks = append(asks, clob.PriceQuantity{lvl.Price, sumQty(lvl)})
		return true
	})
	return clob.Snapshot{
		Bids:           bids,
		Asks:           asks,
		SequenceNumber: b.sequenceNumber,
		Timestamp:      now,
	}
}

func sumQty(lvl *Level) uint64 {
	var total uint64
	for _, o := range lvl.Orders {
		total += o.RemainingQuantity
	}
	return total
}

// Bids returns a read-only snapshot of the resting bid levels, highest
// price first, for diagnostics and tests.
func (b *OrderBook) Bids() []*Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Level
	b.bids.Ascend(nil, func(lvl *Level) bool {
		out = append(out, lvl)
		return true
	})
	return out
}

// Asks returns a read-only snapshot of the resting ask levels, lowest price
// first, for diagnostics and tests.
func (b *OrderBook) Asks() []*Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Level
	b.asks.Ascend(nil, func(lvl *Level) bool {
		out = append(out, lvl)
		return true
	})
	return out
}

// Config returns the book's market configuration.
func (b *OrderBook) Config() clob.MarketConfig {
	return b.config
}

// SetPaused toggles the paused flag on the market configuration.
func (b *OrderBook) SetPaused(paused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config.IsPaused = paused
}

// IsPaused reports the current paused flag.
func (b *OrderBook) IsPaused() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config.IsPaused
}

// Snapshot returns a Snapshot of the current book state.
func (b *OrderBook) Snapshot() clob.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.SnapshotLocked(time.Now())
}
