package notify

import (
	"context"
	"sync"

	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/models"
)

// Fanout hands every event batch to each sink in order
type Fanout []exchange.EventSink

func (f Fanout) Publish(ctx context.Context, events ...models.Event) {
	for _, sink := range f {
		sink.Publish(ctx, events...)
	}
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *Recorder) Publish(ctx context.Context, events ...models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}
