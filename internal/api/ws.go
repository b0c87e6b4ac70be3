package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"clob/internal/clob"
	"clob/internal/fanout"
)

const (
	pingInterval   = 30 * time.Second
	maxMissedPongs = 2

	// inboundRate/inboundBurst bound how fast one connection can send
	// Subscribe/Unsubscribe/Ping messages, so a misbehaving client can't
	// starve the hub's subscriber lock with a tight resubscribe loop. The
	// limit is per connection; a reconnect starts with a fresh limiter.
	inboundRate  = 20
	inboundBurst = 40
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessageIn is the union of inbound §4.5 message kinds.
type wsMessageIn struct {
	Type    string       `json:"type"`
	Topic   wsTopic      `json:"topic,omitempty"`
}

type wsTopic struct {
	Kind   string         `json:"kind"`
	Market string         `json:"market,omitempty"`
	Owner  clob.AccountId `json:"owner,omitempty"`
}

func (t wsTopic) toTopic() (fanout.Topic, bool) {
	switch t.Kind {
	case "OrderBook":
		return fanout.Topic{Kind: fanout.TopicOrderBook, Market: t.Market}, true
	case "Trades":
		return fanout.Topic{Kind: fanout.TopicTrades, Market: t.Market}, true
	case "UserOrders":
		return fanout.Topic{Kind: fanout.TopicUserOrders, Owner: t.Owner}, true
	case "AllMarkets":
		return fanout.Topic{Kind: fanout.TopicAllMarkets}, true
	default:
		return fanout.Topic{}, false
	}
}

// wsMessageOut is the union of outbound §4.5 message kinds.
type wsMessageOut struct {
	Type    string       `json:"type"`
	Payload any          `json:"payload,omitempty"`
}

// WSHandler serves GET /ws, generalizing the teacher's
// Server.clientSessions/addClientSession/deleteClientSession pattern from
// per-TCP-connection tracking, keyed by remote address, to a
// uuid.UUID-keyed fanout.Client per session.
type WSHandler struct {
	hub *fanout.Hub
}

// NewWSHandler builds a subscription handler broadcasting from hub.
func NewWSHandler(hub *fanout.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// Register mounts GET /ws onto r.
func (h *WSHandler) Register(r gin.IRouter) {
	r.GET("/ws", h.serve)
}

func (h *WSHandler) serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := h.hub.Register()
	defer h.hub.Unregister(client.ID)

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	missedPongs := 0
	conn.SetPongHandler(func(string) error {
		missedPongs = 0
		return nil
	})

	done := make(chan struct{})
	go h.readLoop(conn, client, write, done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case u, open := <-client.Updates():
			if !open {
				return
			}
			if err := write(wsMessageOut{Type: "MarketData", Payload: u}); err != nil {
				return
			}
		case lag := <-client.Lagged():
			_ = write(wsMessageOut{Type: "Error", Payload: lag})
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			writeMu.Unlock()
			if err != nil {
				return
			}
			missedPongs++
			if missedPongs > maxMissedPongs {
				return
			}
		}
	}
}

func (h *WSHandler) readLoop(conn *websocket.Conn, client *fanout.Client, write func(any) error, done chan struct{}) {
	defer close(done)
	limiter := rate.NewLimiter(inboundRate, inboundBurst)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			_ = write(wsMessageOut{Type: "Error", Payload: "rate limit exceeded"})
			continue
		}
		var msg wsMessageIn
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = write(wsMessageOut{Type: "Error", Payload: "invalid message"})
			continue
		}

		switch msg.Type {
		case "Subscribe":
			topic, ok := msg.Topic.toTopic()
			if !ok {
				_ = write(wsMessageOut{Type: "Error", Payload: "unknown topic"})
				continue
			}
			h.hub.Subscribe(client.ID, topic)
		case "Unsubscribe":
			// Unsubscribing an unknown topic is a no-op per §4.5.
			if topic, ok := msg.Topic.toTopic(); ok {
				h.hub.Unsubscribe(client.ID, topic)
			}
		case "Ping":
			_ = write(wsMessageOut{Type: "Pong"})
		default:
			_ = write(wsMessageOut{Type: "Error", Payload: "unknown message type"})
		}
	}
}
