// Package clob holds the value types shared by the order book, matching
// engine, storage port, and API layers: orders, trades, price levels,
// snapshots, and the wire-exact enums the on-chain settlement program
// expects.
package clob

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// AccountId is an opaque 32-byte owner identifier, mirroring an on-chain
// account key. It is compared and hashed by value, so it is safe as a map
// key.
type AccountId [32]byte

func (a AccountId) String() string {
	return hex.EncodeToString(a[:])
}

func (a AccountId) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *AccountId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := ParseAccountId(s)
	if err != nil {
		return err
	}
	*a = id
	return nil
}

// ParseAccountId decodes a bare hex string (no surrounding quotes) into an
// AccountId, for contexts that carry it as a path/query parameter or a
// database column rather than a JSON string.
func ParseAccountId(s string) (AccountId, error) {
	var a AccountId
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("account id: %w", err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("account id: expected %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// OrderId is the engine-assigned monotonic sequence identifying an order
// across its lifetime.
type OrderId uint64

// ClientOrderId is the caller-chosen idempotency tag, unique per owner
// among that owner's live orders.
type ClientOrderId uint64

// Side is the wire-exact order side enum. Values must stay bit-exact with
// the on-chain program: Bid=0, Ask=1.
type Side uint8

const (
	Bid Side = 0
	Ask Side = 1
)

func (s Side) String() string {
	if s == Bid {
		return "Bid"
	}
	return "Ask"
}

// Opposite returns the side a resting order must be on to cross against s.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// OrderType is the wire-exact order type enum: Limit=0, Market=1, PostOnly=2.
type OrderType uint8

const (
	Limit OrderType = iota
	Market
	PostOnly
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "Limit"
	case Market:
		return "Market"
	case PostOnly:
		return "PostOnly"
	default:
		return "Unknown"
	}
}

// TimeInForce is the wire-exact TIF enum: GTC=0, IOC=1, FOK=2, GTT=3.
type TimeInForce uint8

const (
	GTC TimeInForce = iota
	IOC
	FOK
	GTT
)

func (t TimeInForce) String() string {
	switch t {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	case GTT:
		return "GTT"
	default:
		return "Unknown"
	}
}

// SelfTradeBehavior is the wire-exact STP enum:
// DecrementAndCancel=0, CancelProvide=1, CancelTake=2, CancelBoth=3.
type SelfTradeBehavior uint8

const (
	DecrementAndCancel SelfTradeBehavior = iota
	CancelProvide
	CancelTake
	CancelBoth
)

func (s SelfTradeBehavior) String() string {
	switch s {
	case DecrementAndCancel:
		return "DecrementAndCancel"
	case CancelProvide:
		return "CancelProvide"
	case CancelTake:
		return "CancelTake"
	case CancelBoth:
		return "CancelBoth"
	default:
		return "Unknown"
	}
}

// OrderStatus is the wire-exact status enum:
// Open=0, PartiallyFilled=1, Filled=2, Cancelled=3, Expired=4.
type OrderStatus uint8

const (
	Open OrderStatus = iota
	PartiallyFilled
	Filled
	Cancelled
	Expired
)

func (s OrderStatus) String() string {
	switch s {
	case Open:
		return "Open"
	case PartiallyFilled:
		return "PartiallyFilled"
	case Filled:
		return "Filled"
	case Cancelled:
		return "Cancelled"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the status is sticky (Filled, Cancelled, Expired).
func (s OrderStatus) IsTerminal() bool {
	return s == Filled || s == Cancelled || s == Expired
}

// IsResting reports whether an order in this status may be present in the book.
func (s OrderStatus) IsResting() bool {
	return s == Open || s == PartiallyFilled
}

// Order is the canonical order record per §3 of the specification.
type Order struct {
	OrderId            OrderId           `json:"order_id"`
	Owner              AccountId         `json:"owner"`
	ClientOrderId      ClientOrderId     `json:"client_order_id"`
	Side               Side              `json:"side"`
	OrderType          OrderType         `json:"order_type"`
	TimeInForce        TimeInForce       `json:"time_in_force"`
	SelfTradeBehavior  SelfTradeBehavior `json:"self_trade_behavior"`
	Price              uint64            `json:"price"`
	Quantity           uint64            `json:"quantity"`
	RemainingQuantity  uint64            `json:"remaining_quantity"`
	Timestamp          time.Time         `json:"timestamp"`
	ExpiryTimestamp    time.Time         `json:"expiry_timestamp,omitempty"`
	Status             OrderStatus       `json:"status"`
}

// Trade is an executed fill per §3. Price is always the maker's price.
type Trade struct {
	MakerOrderId OrderId   `json:"maker_order_id"`
	TakerOrderId OrderId   `json:"taker_order_id"`
	MakerOwner   AccountId `json:"maker_owner"`
	TakerOwner   AccountId `json:"taker_owner"`
	Price        uint64    `json:"price"`
	Quantity     uint64    `json:"quantity"`
	MakerSide    Side      `json:"maker_side"`
	Timestamp    time.Time `json:"timestamp"`
}

// PriceLevel is the aggregated view of all resting orders at one price.
type PriceLevel struct {
	Price             uint64 `json:"price"`
	AggregateQuantity uint64 `json:"aggregate_quantity"`
	OrderCount        uint32 `json:"order_count"`
}

// PriceQuantity is a (price, aggregate quantity) pair as carried in a
// Snapshot, matching the wire shape required by §6 ("JSON arrays of
// [price, quantity] pairs").
type PriceQuantity [2]uint64

// Snapshot is the aggregated depth of both sides of the book at a point
// in sequence time.
type Snapshot struct {
	Bids           []PriceQuantity `json:"bids"`
	Asks           []PriceQuantity `json:"asks"`
	SequenceNumber uint64          `json:"sequence_number"`
	Timestamp      time.Time       `json:"timestamp"`
}

// MarketConfig is the per-market configuration described in §3's
// "OrderBook config (market)".
type MarketConfig struct {
	BaseMint      string `json:"base_mint"`
	QuoteMint     string `json:"quote_mint"`
	Authority     AccountId `json:"authority"`
	TickSize      uint64 `json:"tick_size"`
	MinOrderSize  uint64 `json:"min_order_size"`
	IsPaused      bool   `json:"is_paused"`
}

// MarketStats is the §4.4 GetMarketStats response shape.
type MarketStats struct {
	LastPrice *uint64 `json:"last_price,omitempty"`
	Volume24h uint64  `json:"volume_24h"`
	High24h   *uint64 `json:"high_24h,omitempty"`
	Low24h    *uint64 `json:"low_24h,omitempty"`
}
