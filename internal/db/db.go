package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

// Numerics travel as text in both directions so no precision is lost
const (
	userColumns   = "id, username, password_hash, balance::text, locked_balance::text, created_at"
	assetColumns  = "id, user_id, symbol_id, amount::text, locked_amount::text"
	orderColumns  = "id, user_id, symbol_id, side, price::text, amount::text, status, created_at, updated_at"
	tradeColumns  = "id, buy_order_id, sell_order_id, buyer_id, seller_id, symbol_id, price::text, amount::text, total::text, commission::text, executed_at"
	symbolColumns = "id, code, name"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

var _ store.Backend = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// maxTxAttempts bounds how often WithTx reruns fn after a deadlock or serialization failure
const maxTxAttempts = 3

// WithTx runs fn inside a single database transaction. When postgres aborts the
// transaction with a deadlock or serialization failure, fn is run again from the start.
func (db *DB) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = db.runTx(ctx, fn)
		if !retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (db *DB) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	switch pgCode(err) {
	case deadlockDetected, serializationFailure:
		return true
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

type numeric struct {
	raw string
	dst *decimal.Decimal
}

func parseNumerics(fields ...numeric) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("failed to parse numeric %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u               models.User
		balance, locked string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &balance, &locked, &u.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseNumerics(numeric{balance, &u.Balance}, numeric{locked, &u.LockedBalance}); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanAsset(row rowScanner) (*models.Asset, error) {
	var (
		a              models.Asset
		amount, locked string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.SymbolID, &amount, &locked); err != nil {
		return nil, err
	}
	if err := parseNumerics(numeric{amount, &a.Amount}, numeric{locked, &a.LockedAmount}); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o             models.Order
		price, amount string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.SymbolID, &o.Side, &price, &amount, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseNumerics(numeric{price, &o.Price}, numeric{amount, &o.Amount}); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanTrade(row rowScanner) (*models.Trade, error) {
	var (
		tr                               models.Trade
		price, amount, total, commission string
	)
	if err := row.Scan(&tr.ID, &tr.BuyOrderID, &tr.SellOrderID, &tr.BuyerID, &tr.SellerID, &tr.SymbolID,
		&price, &amount, &total, &commission, &tr.ExecutedAt); err != nil {
		return nil, err
	}
	if err := parseNumerics(
		numeric{price, &tr.Price}, numeric{amount, &tr.Amount},
		numeric{total, &tr.Total}, numeric{commission, &tr.Commission},
	); err != nil {
		return nil, err
	}
	return &tr, nil
}

func scanSymbol(row rowScanner) (*models.Symbol, error) {
	var s models.Symbol
	if err := row.Scan(&s.ID, &s.Code, &s.Name); err != nil {
		return nil, err
	}
	return &s, nil
}

// notFound maps pgx.ErrNoRows to store.ErrNotFound
func notFound(err error, what string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(what, args...), store.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", fmt.Sprintf(what, args...), err)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

const (
	uniqueViolation      = "23505"
	foreignKeyViolation  = "23503"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// pgTx implements store.Tx on an open transaction. Every read of a mutable row takes FOR UPDATE.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetSymbol(ctx context.Context, symbolID int) (*models.Symbol, error) {
	s, err := scanSymbol(t.tx.QueryRow(ctx, "SELECT "+symbolColumns+" FROM symbols WHERE id = $1", symbolID))
	if err != nil {
		return nil, notFound(err, "symbol %d", symbolID)
	}
	return s, nil
}

func (t *pgTx) LockUser(ctx context.Context, userID int) (*models.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", userID))
	if err != nil {
		return nil, notFound(err, "user %d", userID)
	}
	return u, nil
}

func (t *pgTx) SaveUser(ctx context.Context, user *models.User) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE users SET balance = $2::numeric, locked_balance = $3::numeric WHERE id = $1",
		user.ID, user.Balance.String(), user.LockedBalance.String())
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", user.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", user.ID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockAsset(ctx context.Context, userID, symbolID int) (*models.Asset, error) {
	a, err := scanAsset(t.tx.QueryRow(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 AND symbol_id = $2 FOR UPDATE",
		userID, symbolID))
	if err != nil {
		return nil, notFound(err, "asset %d/%d", userID, symbolID)
	}
	return a, nil
}

func (t *pgTx) LockOrCreateAsset(ctx context.Context, userID, symbolID int) (*models.Asset, error) {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO assets (user_id, symbol_id, amount, locked_amount) VALUES ($1, $2, 0, 0) ON CONFLICT (user_id, symbol_id) DO NOTHING",
		userID, symbolID)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset %d/%d: %w", userID, symbolID, err)
	}
	return t.LockAsset(ctx, userID, symbolID)
}

func (t *pgTx) SaveAsset(ctx context.Context, asset *models.Asset) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE assets SET amount = $3::numeric, locked_amount = $4::numeric WHERE user_id = $1 AND symbol_id = $2",
		asset.UserID, asset.SymbolID, asset.Amount.String(), asset.LockedAmount.String())
	if err != nil {
		return fmt.Errorf("failed to update asset %d/%d: %w", asset.UserID, asset.SymbolID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %d/%d: %w", asset.UserID, asset.SymbolID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) CreateOpenOrder(ctx context.Context, userID, symbolID int, side models.Side, price, amount decimal.Decimal) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		"INSERT INTO orders (user_id, symbol_id, side, price, amount, status) VALUES ($1, $2, $3, $4::numeric, $5::numeric, 'open') RETURNING "+orderColumns,
		userID, symbolID, string(side), price.String(), amount.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return o, nil
}

func (t *pgTx) LockOrder(ctx context.Context, orderID int) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID))
	if err != nil {
		return nil, notFound(err, "order %d", orderID)
	}
	return o, nil
}

func (t *pgTx) FindBestCounter(ctx context.Context, order *models.Order) (*models.Order, error) {
	// Buy takers want the cheapest sell, sell takers the dearest buy
	priceCmp, priceOrder := "<=", "ASC"
	if !order.IsBuy() {
		priceCmp, priceOrder = ">=", "DESC"
	}

	query := "SELECT " + orderColumns + ` FROM orders
		WHERE symbol_id = $1 AND user_id <> $2 AND status = 'open' AND side = $3
		  AND amount = $4::numeric AND price ` + priceCmp + ` $5::numeric
		ORDER BY price ` + priceOrder + `, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE`

	o, err := scanOrder(t.tx.QueryRow(ctx, query,
		order.SymbolID, order.UserID, string(store.Counterside(order.Side)), order.Amount.String(), order.Price.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find counter order: %w", err)
	}
	return o, nil
}

func (t *pgTx) setStatus(ctx context.Context, order *models.Order, status models.Status) error {
	updated, err := scanOrder(t.tx.QueryRow(ctx,
		"UPDATE orders SET status = $2, updated_at = clock_timestamp() WHERE id = $1 AND status = 'open' RETURNING "+orderColumns,
		order.ID, string(status)))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("order %d: %w", order.ID, store.ErrStatusConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", order.ID, err)
	}
	*order = *updated
	return nil
}

func (t *pgTx) MarkFilled(ctx context.Context, order *models.Order) error {
	return t.setStatus(ctx, order, models.StatusFilled)
}

func (t *pgTx) MarkCancelled(ctx context.Context, order *models.Order) error {
	return t.setStatus(ctx, order, models.StatusCancelled)
}

func (t *pgTx) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	tr, err := scanTrade(t.tx.QueryRow(ctx,
		`INSERT INTO trades (buy_order_id, sell_order_id, buyer_id, seller_id, symbol_id, price, amount, total, commission)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric)
		 RETURNING `+tradeColumns,
		trade.BuyOrderID, trade.SellOrderID, trade.BuyerID, trade.SellerID, trade.SymbolID,
		trade.Price.String(), trade.Amount.String(), trade.Total.String(), trade.Commission.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return tr, nil
}
