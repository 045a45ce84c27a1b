package domain

import "time"

// Side represents the order side (buy or sell).
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind discriminates limit and market orders. Price carries a value
// iff the kind is limit.
type OrderKind string

const (
	OrderKindLimit  OrderKind = "LIMIT"
	OrderKindMarket OrderKind = "MARKET"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew               OrderStatus = "NEW"
	OrderStatusPartiallyExecuted OrderStatus = "PARTIALLY_EXECUTED"
	OrderStatusExecuted          OrderStatus = "EXECUTED"
	OrderStatusCancelled         OrderStatus = "CANCELLED"
	OrderStatusSystemCancelled   OrderStatus = "SYSTEM_CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusExecuted, OrderStatusCancelled, OrderStatusSystemCancelled:
		return true
	}
	return false
}

// Order represents an order in the exchange.
// Prices and quantities are integers; no floating point anywhere.
type Order struct {
	OrderID           string      `json:"order_id"`
	UserID            string      `json:"user_id"`
	Ticker            string      `json:"ticker"`
	Side              Side        `json:"side"`
	Kind              OrderKind   `json:"kind"`
	Price             int64       `json:"price"` // 0 for market orders
	Quantity          int64       `json:"quantity"`
	FilledQuantity    int64       `json:"filled_quantity"`
	RemainingQuantity int64       `json:"remaining_quantity"`
	Status            OrderStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
	SequenceID        uint64      `json:"sequence_id"`
}

// Snapshot returns a value copy of the order, safe to hand to callers
// outside the engine's exclusive section.
func (o *Order) Snapshot() Order {
	return *o
}

// Trade represents an execution between a resting (maker) and an
// incoming (taker) order. Immutable once created.
type Trade struct {
	TradeID      string    `json:"trade_id"`
	Ticker       string    `json:"ticker"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerOrderID string    `json:"taker_order_id"`
	Price        int64     `json:"price"` // always the maker's price
	Quantity     int64     `json:"quantity"`
	Timestamp    time.Time `json:"timestamp"`
	SequenceID   uint64    `json:"sequence_id"`
}

// PriceLevel is an aggregated price level in the L2 book snapshot.
type PriceLevel struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"qty"`
}

// BookLevels is an aggregated L2 order book snapshot.
type BookLevels struct {
	Ticker string       `json:"ticker"`
	Bids   []PriceLevel `json:"bid_levels"`
	Asks   []PriceLevel `json:"ask_levels"`
}

// Instrument is a tradable asset listed on the exchange.
type Instrument struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
	// Quote is the currency orders for this instrument settle in.
	Quote string `json:"quote"`
}

// SubmitResult is the synchronous outcome of one order submission:
// the final order snapshot plus the trades generated by that call.
type SubmitResult struct {
	Order  Order   `json:"order"`
	Trades []Trade `json:"trades"`
}

// EventType tags entries in the event log.
type EventType string

const (
	EventOrderAccepted  EventType = "ORDER_ACCEPTED"
	EventOrderRested    EventType = "ORDER_RESTED"
	EventTrade          EventType = "TRADE"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderRejected  EventType = "ORDER_REJECTED"
)

// Event is one append-only event log entry. Exactly one of Order and
// Trade is set, according to Type.
type Event struct {
	SequenceID uint64    `json:"sequence_id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Order      *Order    `json:"order,omitempty"`
	Trade      *Trade    `json:"trade,omitempty"`
	// Reason carries the rejection cause for EventOrderRejected.
	Reason string `json:"reason,omitempty"`
}

// Role separates regular users from admins at the service layer.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// User is an account known to the service layer.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	APIKey string `json:"api_key"`
}
