package clob

import "errors"

// Error taxonomy per §7. Each is a sentinel so callers can use errors.Is.
var (
	ErrInvalidPrice              = errors.New("invalid price")
	ErrInvalidQuantity           = errors.New("invalid quantity")
	ErrOrderSizeBelowMinimum     = errors.New("order size below minimum")
	ErrPriceNotAlignedToTick     = errors.New("price not aligned to tick size")
	ErrInvalidOrderSide          = errors.New("invalid order side")
	ErrInvalidOrderType          = errors.New("invalid order type")
	ErrOrderbookPaused           = errors.New("orderbook paused")
	ErrOrderExpired              = errors.New("order expired")
	ErrPostOnlyWouldMatch        = errors.New("post-only order would match")
	ErrFOKNotFilled              = errors.New("fill-or-kill order not filled")
	ErrOrderNotFound             = errors.New("order not found")
	ErrDuplicateOrderId          = errors.New("duplicate order id")
	ErrDuplicateClientOrderId    = errors.New("duplicate client order id")
	ErrUnauthorized              = errors.New("unauthorized")
	ErrSelfTradeDetected         = errors.New("self trade detected")
	ErrSlippageExceeded          = errors.New("slippage exceeded")
	ErrStorage                   = errors.New("storage error")
	ErrSerialization             = errors.New("serialization error")
	ErrNetwork                   = errors.New("network error")
)

// Fatal reports whether an error kind represents a fatal divergence between
// the in-memory engine and the durable journal (§7: "Storage failures after
// a successful in-memory mutation are fatal to the process").
func Fatal(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrSerialization)
}
