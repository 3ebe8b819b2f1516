// Package notify delivers committed exchange events to the outside world:
// websocket clients, a NATS subject tree, or both.
package notify

import (
	"strconv"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/xtrntr/spotexchange/internal/ledger"
	"github.com/xtrntr/spotexchange/internal/models"
)

// OrdersChannel carries every order state change. It is public.
const OrdersChannel = "orders"

// UserChannel is the private channel of one user. Trades go to buyer and seller.
func UserChannel(userID int) string {
	return "user." + strconv.Itoa(userID)
}

// Route returns the channels ev is delivered on
func Route(ev models.Event) []string {
	switch {
	case ev.Trade != nil:
		return []string{UserChannel(ev.Trade.BuyerID), UserChannel(ev.Trade.SellerID)}
	case ev.Order != nil:
		return []string{OrdersChannel}
	}
	return nil
}

// Message is the wire form of an event on one channel
type Message struct {
	Channel    string           `json:"channel"`
	Type       models.EventType `json:"type"`
	Order      *OrderPayload    `json:"order,omitempty"`
	Trade      *TradePayload    `json:"trade,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

type OrderPayload struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`
	SymbolID  int       `json:"symbol_id"`
	Side      string    `json:"side"`
	Price     string    `json:"price"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TradePayload struct {
	ID          int       `json:"id"`
	BuyOrderID  int       `json:"buy_order_id"`
	SellOrderID int       `json:"sell_order_id"`
	BuyerID     int       `json:"buyer_id"`
	SellerID    int       `json:"seller_id"`
	SymbolID    int       `json:"symbol_id"`
	Price       string    `json:"price"`
	Amount      string    `json:"amount"`
	Total       string    `json:"total"`
	Commission  string    `json:"commission"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// Encode renders ev for delivery on channel. Decimals are fixed to 8 places.
func Encode(channel string, ev models.Event) ([]byte, error) {
	msg := Message{Channel: channel, Type: ev.Type, OccurredAt: ev.OccurredAt}
	if o := ev.Order; o != nil {
		msg.Order = &OrderPayload{
			ID:        o.ID,
			UserID:    o.UserID,
			SymbolID:  o.SymbolID,
			Side:      string(o.Side),
			Price:     ledger.Format(o.Price),
			Amount:    ledger.Format(o.Amount),
			Status:    string(o.Status),
			CreatedAt: o.CreatedAt,
			UpdatedAt: o.UpdatedAt,
		}
	}
	if t := ev.Trade; t != nil {
		msg.Trade = &TradePayload{
			ID:          t.ID,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			BuyerID:     t.BuyerID,
			SellerID:    t.SellerID,
			SymbolID:    t.SymbolID,
			Price:       ledger.Format(t.Price),
			Amount:      ledger.Format(t.Amount),
			Total:       ledger.Format(t.Total),
			Commission:  ledger.Format(t.Commission),
			ExecutedAt:  t.ExecutedAt,
		}
	}
	return json.Marshal(msg)
}

// Decode parses a message produced by Encode
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
