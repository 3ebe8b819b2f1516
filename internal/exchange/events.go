package exchange

import (
	"time"

	"github.com/xtrntr/spotexchange/internal/models"
)

// eventBuffer collects events inside a transaction. They are published only after commit.
type eventBuffer []models.Event

// reset drops events from a previous attempt of the same transaction
func (b *eventBuffer) reset() {
	*b = (*b)[:0]
}

func (b *eventBuffer) order(t models.EventType, o *models.Order) {
	snapshot := *o
	*b = append(*b, models.Event{Type: t, Order: &snapshot, OccurredAt: time.Now().UTC()})
}

func (b *eventBuffer) trade(tr *models.Trade) {
	snapshot := *tr
	*b = append(*b, models.Event{Type: models.EventTradeExecuted, Trade: &snapshot, OccurredAt: time.Now().UTC()})
}
