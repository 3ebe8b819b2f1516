// Package store defines the persistence contracts the exchange core runs on.
//
// Implementations must give Tx methods exclusive row-lock semantics: a row
// read through a Lock* or FindBestCounter call stays locked until the
// enclosing transaction commits or rolls back.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotexchange/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned by MarkFilled/MarkCancelled when the order is no longer open
	ErrStatusConflict = errors.New("order status changed concurrently")

	// ErrDuplicate is returned when a unique key is already taken
	ErrDuplicate = errors.New("already exists")
)

// Store opens atomic transactions
type Store interface {
	// WithTx runs fn in a single transaction. Any error returned by fn rolls back every write made through tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transaction-scoped repository used by placement, matching, settlement and cancellation
type Tx interface {
	GetSymbol(ctx context.Context, symbolID int) (*models.Symbol, error)

	LockUser(ctx context.Context, userID int) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error

	// LockAsset returns ErrNotFound when the user holds no row for the symbol
	LockAsset(ctx context.Context, userID, symbolID int) (*models.Asset, error)
	// LockOrCreateAsset zero-initialises a missing holding before locking it
	LockOrCreateAsset(ctx context.Context, userID, symbolID int) (*models.Asset, error)
	SaveAsset(ctx context.Context, asset *models.Asset) error

	CreateOpenOrder(ctx context.Context, userID, symbolID int, side models.Side, price, amount decimal.Decimal) (*models.Order, error)
	LockOrder(ctx context.Context, orderID int) (*models.Order, error)
	// FindBestCounter returns the best open counter-order for order, locked, or nil when none is eligible
	FindBestCounter(ctx context.Context, order *models.Order) (*models.Order, error)
	MarkFilled(ctx context.Context, order *models.Order) error
	MarkCancelled(ctx context.Context, order *models.Order) error

	CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error)
}

// Queries are the read paths and account bookkeeping used outside the matching core
type Queries interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUser(ctx context.Context, userID int) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserAssets(ctx context.Context, userID int) ([]models.Asset, error)

	ListSymbols(ctx context.Context) ([]models.Symbol, error)

	GetOrder(ctx context.Context, orderID int) (*models.Order, error)
	GetUserOrders(ctx context.Context, userID int) ([]models.Order, error)
	// ListOpenOrders returns the open book, best price first; symbolID 0 means all symbols
	ListOpenOrders(ctx context.Context, symbolID int) ([]models.Order, error)
	GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error)
}

// Funding credits accounts from outside the order flow (seeding, deposits)
type Funding interface {
	CreateSymbol(ctx context.Context, code, name string) (*models.Symbol, error)
	Deposit(ctx context.Context, userID int, amount decimal.Decimal) error
	DepositAsset(ctx context.Context, userID, symbolID int, amount decimal.Decimal) error
}

// Backend is everything the server needs from a storage engine
type Backend interface {
	Store
	Queries
	Funding
	Close(ctx context.Context) error
}

// Counterside returns the side an order matches against
func Counterside(side models.Side) models.Side {
	if side == models.SideBuy {
		return models.SideSell
	}
	return models.SideBuy
}

// Eligible reports whether candidate may be matched against order: same symbol,
// opposite side, different owner, open, identical amount and a compatible price.
func Eligible(order, candidate *models.Order) bool {
	if candidate.SymbolID != order.SymbolID || candidate.UserID == order.UserID {
		return false
	}
	if candidate.Status != models.StatusOpen || candidate.Side != Counterside(order.Side) {
		return false
	}
	if !candidate.Amount.Equal(order.Amount) {
		return false
	}
	if order.Side == models.SideBuy {
		return candidate.Price.LessThanOrEqual(order.Price)
	}
	return candidate.Price.GreaterThanOrEqual(order.Price)
}

// Better reports whether a ranks ahead of b as a counter for an order on side:
// best price first, then earliest creation, then lowest id.
func Better(side models.Side, a, b *models.Order) bool {
	if !a.Price.Equal(b.Price) {
		if side == models.SideBuy {
			return a.Price.LessThan(b.Price)
		}
		return a.Price.GreaterThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
