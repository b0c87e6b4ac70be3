package storage

import (
	"sort"
	"sync"

	"clob/internal/clob"
)

// MemoryStorage is an in-memory Storage test double. The teacher repo has
// no equivalent; built fresh in its plain, no-framework style for use in
// engine/API tests that don't want a live Postgres/Redis.
type MemoryStorage struct {
	mu sync.RWMutex

	orders    map[clob.OrderId]*clob.Order
	trades    []*clob.Trade
	snapshots []*clob.Snapshot
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		orders: make(map[clob.OrderId]*clob.Order),
	}
}

func (m *MemoryStorage) StoreOrder(order *clob.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	m.orders[order.OrderId] = &cp
	return nil
}

func (m *MemoryStorage) UpdateOrder(order *clob.Order) error {
	return m.StoreOrder(order)
}

func (m *MemoryStorage) GetOrder(orderId clob.OrderId) (*clob.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderId]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStorage) GetUserOrders(owner clob.AccountId) ([]*clob.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*clob.Order
	for _, o := range m.orders {
		if o.Owner == owner {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return orderUpdatedAt(out[i]).After(orderUpdatedAt(out[j])) })
	return out, nil
}

func (m *MemoryStorage) GetLiveOrders() ([]*clob.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*clob.Order
	for _, o := range m.orders {
		if o.Status.IsResting() {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderId < out[j].OrderId })
	return out, nil
}

func (m *MemoryStorage) StoreTrade(trade *clob.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *trade
	m.trades = append(m.trades, &cp)
	return nil
}

func (m *MemoryStorage) GetRecentTrades(limit int) ([]*clob.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = clampLimit(limit, 100)

	out := make([]*clob.Trade, 0, limit)
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.trades[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStorage) StoreSnapshot(snapshot *clob.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snapshot
	m.snapshots = append(m.snapshots, &cp)
	return nil
}

func (m *MemoryStorage) LatestSnapshot() (*clob.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snapshots) == 0 {
		return nil, nil
	}
	cp := *m.snapshots[len(m.snapshots)-1]
	return &cp, nil
}
