package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotexchange/internal/ledger"
	"github.com/xtrntr/spotexchange/internal/models"
)

// Decimals are rendered as strings with exactly 8 fractional digits

type OrderView struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`
	SymbolID  int       `json:"symbol_id"`
	Symbol    string    `json:"symbol,omitempty"`
	Side      string    `json:"side"`
	Price     string    `json:"price"`
	Amount    string    `json:"amount"`
	Total     string    `json:"total"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newOrderView(o *models.Order, symbols map[int]string) OrderView {
	return OrderView{
		ID:        o.ID,
		UserID:    o.UserID,
		SymbolID:  o.SymbolID,
		Symbol:    symbols[o.SymbolID],
		Side:      string(o.Side),
		Price:     ledger.Format(o.Price),
		Amount:    ledger.Format(o.Amount),
		Total:     ledger.Format(ledger.Mul(o.Price, o.Amount)),
		Status:    string(o.Status),
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

func newOrderViews(orders []models.Order, symbols map[int]string) []OrderView {
	views := make([]OrderView, 0, len(orders))
	for i := range orders {
		views = append(views, newOrderView(&orders[i], symbols))
	}
	return views
}

// TradeView is a trade seen from one participant
type TradeView struct {
	ID          int       `json:"id"`
	SymbolID    int       `json:"symbol_id"`
	Symbol      string    `json:"symbol,omitempty"`
	Side        string    `json:"side"`
	BuyOrderID  int       `json:"buy_order_id"`
	SellOrderID int       `json:"sell_order_id"`
	Price       string    `json:"price"`
	Amount      string    `json:"amount"`
	Total       string    `json:"total"`
	Commission  string    `json:"commission"`
	Received    string    `json:"received"` // asset for the buyer, currency for the seller
	ExecutedAt  time.Time `json:"executed_at"`
}

func newTradeView(t *models.Trade, userID int, symbols map[int]string) TradeView {
	v := TradeView{
		ID:          t.ID,
		SymbolID:    t.SymbolID,
		Symbol:      symbols[t.SymbolID],
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Price:       ledger.Format(t.Price),
		Amount:      ledger.Format(t.Amount),
		Total:       ledger.Format(t.Total),
		Commission:  ledger.Format(t.Commission),
		ExecutedAt:  t.ExecutedAt,
	}
	if t.BuyerID == userID {
		v.Side = string(models.SideBuy)
		v.Received = ledger.Format(t.Amount.Sub(t.Commission))
	} else {
		v.Side = string(models.SideSell)
		v.Received = ledger.Format(t.Total)
	}
	return v
}

type AssetView struct {
	SymbolID     int    `json:"symbol_id"`
	Symbol       string `json:"symbol"`
	Amount       string `json:"amount"`
	LockedAmount string `json:"locked_amount"`
	Available    string `json:"available"`
}

type ProfileView struct {
	ID               int         `json:"id"`
	Username         string      `json:"username"`
	Balance          string      `json:"balance"`
	LockedBalance    string      `json:"locked_balance"`
	AvailableBalance string      `json:"available_balance"`
	Assets           []AssetView `json:"assets"`
}

func newProfileView(u *models.User, assets []models.Asset, symbols map[int]string) ProfileView {
	v := ProfileView{
		ID:               u.ID,
		Username:         u.Username,
		Balance:          ledger.Format(u.Balance),
		LockedBalance:    ledger.Format(u.LockedBalance),
		AvailableBalance: ledger.Format(ledger.Available(u.Balance, u.LockedBalance)),
		Assets:           make([]AssetView, 0, len(assets)),
	}
	for _, a := range assets {
		v.Assets = append(v.Assets, AssetView{
			SymbolID:     a.SymbolID,
			Symbol:       symbols[a.SymbolID],
			Amount:       ledger.Format(a.Amount),
			LockedAmount: ledger.Format(a.LockedAmount),
			Available:    ledger.Format(ledger.Available(a.Amount, a.LockedAmount)),
		})
	}
	return v
}

type placeOrderRequest struct {
	SymbolID int             `json:"symbol_id"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
}
