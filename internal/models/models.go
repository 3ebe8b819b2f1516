package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Status is the lifecycle state of an order
type Status string

const (
	StatusOpen      Status = "open"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// User represents a registered user and their quote-currency balance
type User struct {
	ID            int             `json:"id"`
	Username      string          `json:"username"`
	PasswordHash  string          `json:"-"`
	Balance       decimal.Decimal `json:"balance"`
	LockedBalance decimal.Decimal `json:"locked_balance"` // Reserved by open buy orders
	CreatedAt     time.Time       `json:"created_at"`
}

// Symbol is a tradable instrument
type Symbol struct {
	ID   int    `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Asset is a user's holding of one symbol
type Asset struct {
	ID           int             `json:"id"`
	UserID       int             `json:"user_id"`
	SymbolID     int             `json:"symbol_id"`
	Amount       decimal.Decimal `json:"amount"`
	LockedAmount decimal.Decimal `json:"locked_amount"` // Reserved by open sell orders
}

// Order represents a buy or sell limit order
type Order struct {
	ID        int             `json:"id"`
	UserID    int             `json:"user_id"`
	SymbolID  int             `json:"symbol_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"` // Used for time priority
	UpdatedAt time.Time       `json:"updated_at"`
}

// IsOpen reports whether the order can still be matched or cancelled
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// IsBuy reports whether the order is on the buy side
func (o *Order) IsBuy() bool {
	return o.Side == SideBuy
}

// Trade represents an executed trade
type Trade struct {
	ID          int             `json:"id"`
	BuyOrderID  int             `json:"buy_order_id"`
	SellOrderID int             `json:"sell_order_id"`
	BuyerID     int             `json:"buyer_id"`
	SellerID    int             `json:"seller_id"`
	SymbolID    int             `json:"symbol_id"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Total       decimal.Decimal `json:"total"`
	Commission  decimal.Decimal `json:"commission"` // Charged to the buyer in the traded asset
	ExecutedAt  time.Time       `json:"executed_at"`
}

// EventType names a state change reported by the exchange
type EventType string

const (
	EventOrderCreated   EventType = "order.created"
	EventOrderFilled    EventType = "order.filled"
	EventOrderCancelled EventType = "order.cancelled"
	EventTradeExecuted  EventType = "trade.executed"
)

// Event carries the full updated entity for a state change.
// Exactly one of Order and Trade is set.
type Event struct {
	Type       EventType `json:"type"`
	Order      *Order    `json:"order,omitempty"`
	Trade      *Trade    `json:"trade,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
