package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

// match looks for the single best counter-order for order and settles against it.
// It runs inside the caller's transaction and returns nil when order stays on the book.
func (e *Exchange) match(ctx context.Context, tx store.Tx, order *models.Order, events *eventBuffer) (*models.Trade, error) {
	if !order.IsOpen() {
		return nil, nil
	}

	counter, err := tx.FindBestCounter(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("failed to find counter order: %w", err)
	}
	if counter == nil {
		return nil, nil
	}

	// Discovery and execution must act on the same locked row
	counter, err = tx.LockOrder(ctx, counter.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock counter order: %w", err)
	}
	if !counter.IsOpen() {
		return nil, nil
	}

	buy, sell := order, counter
	if !order.IsBuy() {
		buy, sell = counter, order
	}
	return e.settle(ctx, tx, buy, sell, events)
}
