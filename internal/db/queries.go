package db

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

// CreateUser inserts a new user with an empty balance
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING "+userColumns,
		username, passwordHash))
	if pgCode(err) == uniqueViolation {
		return nil, fmt.Errorf("user %q: %w", username, store.ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, userID int) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", userID))
	if err != nil {
		return nil, notFound(err, "user %d", userID)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err != nil {
		return nil, notFound(err, "user %q", username)
	}
	return user, nil
}

// GetUserAssets retrieves every holding of a user
func (db *DB) GetUserAssets(ctx context.Context, userID int) ([]models.Asset, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 ORDER BY symbol_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

// ListSymbols retrieves all tradable symbols
func (db *DB) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+symbolColumns+" FROM symbols ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	defer rows.Close()

	var symbols []models.Symbol
	for rows.Next() {
		s, err := scanSymbol(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, *s)
	}
	return symbols, rows.Err()
}

// GetOrder retrieves an order by id without locking it
func (db *DB) GetOrder(ctx context.Context, orderID int) (*models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if err != nil {
		return nil, notFound(err, "order %d", orderID)
	}
	return o, nil
}

// GetUserOrders retrieves all orders for a user
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	return db.queryOrders(ctx, "SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY id", userID)
}

// ListOpenOrders retrieves the open book, highest price first
func (db *DB) ListOpenOrders(ctx context.Context, symbolID int) ([]models.Order, error) {
	return db.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'open' AND ($1 = 0 OR symbol_id = $1)
		ORDER BY price DESC, id ASC
	`, symbolID)
}

func (db *DB) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetUserTrades retrieves all trades where the user was buyer or seller
func (db *DB) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *tr)
	}
	return trades, rows.Err()
}

// CreateSymbol registers a tradable symbol
func (db *DB) CreateSymbol(ctx context.Context, code, name string) (*models.Symbol, error) {
	s, err := scanSymbol(db.Pool.QueryRow(ctx,
		"INSERT INTO symbols (code, name) VALUES ($1, $2) RETURNING "+symbolColumns, code, name))
	if pgCode(err) == uniqueViolation {
		return nil, fmt.Errorf("symbol %q: %w", code, store.ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create symbol: %w", err)
	}
	return s, nil
}

// Deposit credits a user's currency balance
func (db *DB) Deposit(ctx context.Context, userID int, amount decimal.Decimal) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE users SET balance = balance + $2::numeric WHERE id = $1", userID, amount.String())
	if err != nil {
		return fmt.Errorf("failed to deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	return nil
}

// DepositAsset credits a user's holding, creating it if needed
func (db *DB) DepositAsset(ctx context.Context, userID, symbolID int, amount decimal.Decimal) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO assets (user_id, symbol_id, amount, locked_amount)
		VALUES ($1, $2, $3::numeric, 0)
		ON CONFLICT (user_id, symbol_id) DO UPDATE SET amount = assets.amount + EXCLUDED.amount
	`, userID, symbolID, amount.String())
	if pgCode(err) == foreignKeyViolation {
		return fmt.Errorf("user %d or symbol %d: %w", userID, symbolID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to deposit asset: %w", err)
	}
	return nil
}

// Migrate applies a schema script. Statements must be idempotent.
func (db *DB) Migrate(ctx context.Context, script string) error {
	if _, err := db.Pool.Exec(ctx, script); err != nil {
		return fmt.Errorf("failed to apply migration: %w", err)
	}
	return nil
}
