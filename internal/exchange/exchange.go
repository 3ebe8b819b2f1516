package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/spotexchange/internal/ledger"
	"github.com/xtrntr/spotexchange/internal/logger"
	"github.com/xtrntr/spotexchange/internal/metrics"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

// Rejections. These are raised before any state change and are safe to show to the client.
var (
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrInsufficientAssets = errors.New("insufficient asset balance")
	ErrNoHoldings         = errors.New("no asset found for this symbol")
	ErrOrderNotOpen       = errors.New("order is not open")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrUnknownSymbol      = errors.New("unknown symbol")
)

// DefaultCommissionRate is charged to the buyer in the traded asset
var DefaultCommissionRate = decimal.RequireFromString("0.015")

// EventSink receives order and trade events after their transaction commits.
// Publishing is fire-and-forget: the exchange never waits on delivery.
type EventSink interface {
	Publish(ctx context.Context, events ...models.Event)
}

// Options configures an Exchange. Zero values fall back to defaults.
type Options struct {
	// CommissionRate nil means DefaultCommissionRate; a zero rate disables the fee
	CommissionRate *decimal.Decimal
	Sink           EventSink
	Logger         *zap.Logger
	Metrics        *metrics.Recorder
}

// Exchange places, matches, settles and cancels orders
type Exchange struct {
	store          store.Store
	commissionRate decimal.Decimal
	sink           EventSink
	log            *zap.Logger
	metrics        *metrics.Recorder
}

// NewExchange creates a new exchange on top of st
func NewExchange(st store.Store, opts Options) *Exchange {
	ex := &Exchange{
		store:          st,
		commissionRate: DefaultCommissionRate,
		sink:           opts.Sink,
		log:            opts.Logger,
		metrics:        opts.Metrics,
	}
	if opts.CommissionRate != nil {
		ex.commissionRate = *opts.CommissionRate
	}
	if ex.log == nil {
		ex.log = zap.NewNop()
	}
	return ex
}

// CommissionRate returns the configured buyer commission
func (e *Exchange) CommissionRate() decimal.Decimal {
	return e.commissionRate
}

// PlaceBuyOrder reserves price*amount of the user's balance, records the order and tries to match it.
// The returned order is either open or already filled.
func (e *Exchange) PlaceBuyOrder(ctx context.Context, userID, symbolID int, price, amount decimal.Decimal) (*models.Order, error) {
	start := time.Now()
	var (
		placed *models.Order
		symbol *models.Symbol
		events eventBuffer
	)

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		events.reset()

		var err error
		symbol, err = e.checkOrder(ctx, tx, symbolID, price, amount)
		if err != nil {
			return err
		}

		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}

		total := ledger.Mul(price, amount)
		if ledger.Available(user.Balance, user.LockedBalance).LessThan(total) {
			return ErrInsufficientFunds
		}
		if err := ledger.ReserveFunds(user, total); err != nil {
			return err
		}
		if err := tx.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("failed to reserve funds: %w", err)
		}

		order, err := tx.CreateOpenOrder(ctx, userID, symbolID, models.SideBuy, price, amount)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		events.order(models.EventOrderCreated, order)

		if _, err := e.match(ctx, tx, order, &events); err != nil {
			return err
		}

		placed, err = tx.LockOrder(ctx, order.ID)
		return err
	})
	e.metrics.ObserveAction("place_buy", start, err)
	if err != nil {
		e.reject(ctx, models.SideBuy, userID, err)
		return nil, err
	}

	e.metrics.OrderPlaced(symbol.Code, string(models.SideBuy))
	e.commit(ctx, symbol, events)
	return placed, nil
}

// PlaceSellOrder reserves amount of the user's holding, records the order and tries to match it
func (e *Exchange) PlaceSellOrder(ctx context.Context, userID, symbolID int, price, amount decimal.Decimal) (*models.Order, error) {
	start := time.Now()
	var (
		placed *models.Order
		symbol *models.Symbol
		events eventBuffer
	)

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		events.reset()

		var err error
		symbol, err = e.checkOrder(ctx, tx, symbolID, price, amount)
		if err != nil {
			return err
		}

		// Every party is locked user first, then holding
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}
		asset, err := tx.LockAsset(ctx, userID, symbolID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoHoldings
		}
		if err != nil {
			return fmt.Errorf("failed to lock asset: %w", err)
		}

		if ledger.Available(asset.Amount, asset.LockedAmount).LessThan(amount) {
			return ErrInsufficientAssets
		}
		if err := ledger.ReserveAsset(asset, amount); err != nil {
			return err
		}
		if err := tx.SaveAsset(ctx, asset); err != nil {
			return fmt.Errorf("failed to reserve asset: %w", err)
		}

		order, err := tx.CreateOpenOrder(ctx, userID, symbolID, models.SideSell, price, amount)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		events.order(models.EventOrderCreated, order)

		if _, err := e.match(ctx, tx, order, &events); err != nil {
			return err
		}

		placed, err = tx.LockOrder(ctx, order.ID)
		return err
	})
	e.metrics.ObserveAction("place_sell", start, err)
	if err != nil {
		e.reject(ctx, models.SideSell, userID, err)
		return nil, err
	}

	e.metrics.OrderPlaced(symbol.Code, string(models.SideSell))
	e.commit(ctx, symbol, events)
	return placed, nil
}

// CancelOrder releases the reservation made when order was placed and marks it cancelled
func (e *Exchange) CancelOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if !order.IsOpen() {
		return nil, ErrOrderNotOpen
	}

	start := time.Now()
	var (
		cancelled *models.Order
		symbol    *models.Symbol
		events    eventBuffer
	)

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		events.reset()

		// Reservation rows first, then the order row
		user, err := tx.LockUser(ctx, order.UserID)
		if err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}
		var asset *models.Asset
		if !order.IsBuy() {
			asset, err = tx.LockAsset(ctx, order.UserID, order.SymbolID)
			if err != nil {
				return fmt.Errorf("failed to lock asset for order %d: %w", order.ID, err)
			}
		}

		current, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}
		if !current.IsOpen() {
			return ErrOrderNotOpen
		}

		if current.IsBuy() {
			if err := ledger.ReleaseFunds(user, ledger.Mul(current.Price, current.Amount)); err != nil {
				return err
			}
			if err := tx.SaveUser(ctx, user); err != nil {
				return fmt.Errorf("failed to release funds: %w", err)
			}
		} else {
			if err := ledger.ReleaseAsset(asset, current.Amount); err != nil {
				return err
			}
			if err := tx.SaveAsset(ctx, asset); err != nil {
				return fmt.Errorf("failed to release asset: %w", err)
			}
		}

		if err := tx.MarkCancelled(ctx, current); err != nil {
			if errors.Is(err, store.ErrStatusConflict) {
				return ErrOrderNotOpen
			}
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		events.order(models.EventOrderCancelled, current)

		symbol, err = tx.GetSymbol(ctx, current.SymbolID)
		if err != nil {
			return fmt.Errorf("failed to load symbol: %w", err)
		}
		cancelled = current
		return nil
	})
	e.metrics.ObserveAction("cancel", start, err)
	if err != nil {
		if !IsRejection(err) {
			logger.FromContext(ctx, e.log).Error("cancel failed", zap.Int("order_id", order.ID), zap.Error(err))
		}
		return nil, err
	}

	e.metrics.OrderCancelled(symbol.Code, string(cancelled.Side))
	e.commit(ctx, symbol, events)
	return cancelled, nil
}

func (e *Exchange) checkOrder(ctx context.Context, tx store.Tx, symbolID int, price, amount decimal.Decimal) (*models.Symbol, error) {
	if err := ledger.Validate(price, ledger.MaxPriceDigits); err != nil {
		return nil, fmt.Errorf("%w: price %v", ErrInvalidOrder, err)
	}
	if err := ledger.Validate(amount, ledger.MaxAmountDigits); err != nil {
		return nil, fmt.Errorf("%w: amount %v", ErrInvalidOrder, err)
	}
	symbol, err := tx.GetSymbol(ctx, symbolID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownSymbol
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load symbol: %w", err)
	}
	return symbol, nil
}

// IsRejection reports whether err is a client-caused precondition failure rather than a fault
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrInsufficientFunds, ErrInsufficientAssets, ErrNoHoldings,
		ErrOrderNotOpen, ErrInvalidOrder, ErrUnknownSymbol,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientAssets):
		return "insufficient_assets"
	case errors.Is(err, ErrNoHoldings):
		return "no_holdings"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, ledger.ErrInvariant):
		return "invariant"
	default:
		return "internal"
	}
}

func (e *Exchange) reject(ctx context.Context, side models.Side, userID int, err error) {
	e.metrics.OrderRejected(string(side), rejectReason(err))
	log := logger.FromContext(ctx, e.log)
	if IsRejection(err) {
		log.Info("order rejected", zap.String("side", string(side)), zap.Int("user_id", userID), zap.Error(err))
		return
	}
	log.Error("order placement failed", zap.String("side", string(side)), zap.Int("user_id", userID), zap.Error(err))
}

// commit runs after a successful transaction: it records trades and hands events to the sink
func (e *Exchange) commit(ctx context.Context, symbol *models.Symbol, events eventBuffer) {
	log := logger.FromContext(ctx, e.log)
	for _, ev := range events {
		if ev.Type != models.EventTradeExecuted {
			continue
		}
		amount, _ := ev.Trade.Amount.Float64()
		e.metrics.TradeExecuted(symbol.Code, amount)
		log.Info("trade executed",
			zap.Int("trade_id", ev.Trade.ID),
			zap.String("symbol", symbol.Code),
			zap.Int("buy_order_id", ev.Trade.BuyOrderID),
			zap.Int("sell_order_id", ev.Trade.SellOrderID),
			zap.String("price", ledger.Format(ev.Trade.Price)),
			zap.String("amount", ledger.Format(ev.Trade.Amount)),
			zap.String("commission", ledger.Format(ev.Trade.Commission)),
		)
	}
	if e.sink != nil && len(events) > 0 {
		e.sink.Publish(ctx, events...)
	}
}
