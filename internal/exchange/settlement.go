package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/spotexchange/internal/ledger"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

// settle executes a matched pair. The trade always prices at the sell order's limit,
// whichever side arrived last. Every touched row is locked before it is written and
// any error aborts the enclosing transaction.
func (e *Exchange) settle(ctx context.Context, tx store.Tx, buy, sell *models.Order, events *eventBuffer) (*models.Trade, error) {
	price := sell.Price
	amount := sell.Amount
	total := ledger.Mul(price, amount)
	commission := ledger.Mul(amount, e.commissionRate)
	buyerReceives := amount.Sub(commission)

	buyer, err := tx.LockUser(ctx, buy.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock buyer: %w", err)
	}
	seller, err := tx.LockUser(ctx, sell.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock seller: %w", err)
	}

	// The buyer reserved at their own limit; release all of it and pay the trade price
	if err := ledger.ReleaseFunds(buyer, ledger.Mul(buy.Price, buy.Amount)); err != nil {
		return nil, err
	}
	if err := ledger.Transfer(&buyer.Balance, &seller.Balance, total); err != nil {
		return nil, fmt.Errorf("buyer %d: %w", buyer.ID, err)
	}
	if err := ledger.CheckUser(buyer); err != nil {
		return nil, err
	}
	if err := ledger.CheckUser(seller); err != nil {
		return nil, err
	}

	sellerAsset, err := tx.LockAsset(ctx, seller.ID, sell.SymbolID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: seller %d has no holding for symbol %d", ledger.ErrInvariant, seller.ID, sell.SymbolID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock seller asset: %w", err)
	}
	if err := ledger.ReleaseAsset(sellerAsset, amount); err != nil {
		return nil, err
	}
	if err := ledger.Debit(&sellerAsset.Amount, amount); err != nil {
		return nil, fmt.Errorf("seller %d asset: %w", seller.ID, err)
	}
	if err := ledger.CheckAsset(sellerAsset); err != nil {
		return nil, err
	}

	buyerAsset, err := tx.LockOrCreateAsset(ctx, buyer.ID, buy.SymbolID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock buyer asset: %w", err)
	}
	if err := ledger.Credit(&buyerAsset.Amount, buyerReceives); err != nil {
		return nil, err
	}

	if err := tx.SaveUser(ctx, buyer); err != nil {
		return nil, fmt.Errorf("failed to update buyer: %w", err)
	}
	if err := tx.SaveUser(ctx, seller); err != nil {
		return nil, fmt.Errorf("failed to update seller: %w", err)
	}
	if err := tx.SaveAsset(ctx, sellerAsset); err != nil {
		return nil, fmt.Errorf("failed to update seller asset: %w", err)
	}
	if err := tx.SaveAsset(ctx, buyerAsset); err != nil {
		return nil, fmt.Errorf("failed to update buyer asset: %w", err)
	}

	if err := tx.MarkFilled(ctx, buy); err != nil {
		return nil, fmt.Errorf("failed to fill buy order %d: %w", buy.ID, err)
	}
	if err := tx.MarkFilled(ctx, sell); err != nil {
		return nil, fmt.Errorf("failed to fill sell order %d: %w", sell.ID, err)
	}
	events.order(models.EventOrderFilled, buy)
	events.order(models.EventOrderFilled, sell)

	trade, err := tx.CreateTrade(ctx, &models.Trade{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buyer.ID,
		SellerID:    seller.ID,
		SymbolID:    buy.SymbolID,
		Price:       price,
		Amount:      amount,
		Total:       total,
		Commission:  commission,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record trade: %w", err)
	}
	events.trade(trade)
	return trade, nil
}
