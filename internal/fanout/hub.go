// Package fanout implements the market-data broadcast layer: a central Hub
// that fans a single engine-produced Update out to every subscriber whose
// subscription set matches it, over a bounded per-client ring, generalizing
// the teacher's clientSessions/addClientSession/deleteClientSession pattern
// from per-TCP-connection tracking to per-subscription-topic filtering.
package fanout

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"clob/internal/clob"
	"clob/internal/engine"
)

// ringCapacity is the bounded channel size per subscriber, per §4.3.
const ringCapacity = 1024

// TopicKind distinguishes the four subscription topics of §4.3.
type TopicKind uint8

const (
	TopicOrderBook TopicKind = iota
	TopicTrades
	TopicUserOrders
	TopicAllMarkets
)

// Topic identifies one subscription: OrderBook{market}/Trades{market} carry
// a Market, UserOrders{owner} carries an Owner, AllMarkets carries neither.
type Topic struct {
	Kind   TopicKind
	Market string
	Owner  clob.AccountId
}

// matches reports whether u should be delivered to a client subscribed to t.
func (t Topic) matches(u engine.Update) bool {
	switch t.Kind {
	case TopicAllMarkets:
		return true
	case TopicOrderBook:
		return u.Type == engine.OrderBookUpdate && u.Market == t.Market
	case TopicTrades:
		return u.Type == engine.TradeExecution && u.Market == t.Market
	case TopicUserOrders:
		return u.Type == engine.OrderUpdate && u.Order != nil && u.Order.Owner == t.Owner
	default:
		return false
	}
}

// Lagged is pushed to a subscriber's feed (best-effort) when its ring is
// full and an update had to be dropped, signalling it must resynchronize
// from a fresh snapshot. Each notice reports Dropped: 1; while a notice is
// still unread, further drops send no notice and are not counted.
type Lagged struct {
	Dropped int
}

// Client is one subscriber's feed: a bounded ring of engine updates plus a
// best-effort lag notice channel.
type Client struct {
	ID uuid.UUID

	updates chan engine.Update
	lagged  chan Lagged

	mu     sync.Mutex
	topics map[Topic]struct{}
}

// Updates returns the channel of delivered market-data updates.
func (c *Client) Updates() <-chan engine.Update { return c.updates }

// Lagged returns the channel signalling dropped updates.
func (c *Client) Lagged() <-chan Lagged { return c.lagged }

func (c *Client) subscribe(t Topic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[t] = struct{}{}
}

// unsubscribe is a no-op if t was never subscribed, per §4.5.
func (c *Client) unsubscribe(t Topic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, t)
}

func (c *Client) matchesAny(u engine.Update) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t := range c.topics {
		if t.matches(u) {
			return true
		}
	}
	return false
}

// Hub is the single-producer, many-consumer broadcast described in §4.3.
// Senders never block: a full subscriber ring drops the update and queues a
// Lagged signal instead of stalling the engine (§5's backpressure rule).
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
}

// NewHub creates an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[uuid.UUID]*Client)}
}

// Register creates and tracks a new subscriber feed.
func (h *Hub) Register() *Client {
	c := &Client{
		ID:      uuid.New(),
		updates: make(chan engine.Update, ringCapacity),
		lagged:  make(chan Lagged, 1),
		topics:  make(map[Topic]struct{}),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	return c
}

// Unregister removes a subscriber and closes its feed.
func (h *Hub) Unregister(id uuid.UUID) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		close(c.updates)
	}
}

// Subscribe adds topic to client id's subscription set.
func (h *Hub) Subscribe(id uuid.UUID, topic Topic) {
	if c := h.client(id); c != nil {
		c.subscribe(topic)
	}
}

// Unsubscribe removes topic from client id's subscription set.
func (h *Hub) Unsubscribe(id uuid.UUID, topic Topic) {
	if c := h.client(id); c != nil {
		c.unsubscribe(topic)
	}
}

func (h *Hub) client(id uuid.UUID) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// Publish delivers u, non-blocking, to every subscriber whose topic set
// matches it. Used as the broadcast half of a server.Sink.
func (h *Hub) Publish(u engine.Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if !c.matchesAny(u) {
			continue
		}
		select {
		case c.updates <- u:
		default:
			select {
			case c.lagged <- Lagged{Dropped: 1}:
			default:
			}
			log.Warn().Str("client_id", c.ID.String()).Msg("subscriber ring full, dropping update")
		}
	}
}

// Subscribers returns the current subscriber count, for metrics.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
