package notify

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xtrntr/spotexchange/internal/models"
)

// Publisher forwards events to NATS. Each channel maps to <prefix>.<channel>,
// e.g. spotexchange.orders or spotexchange.user.42.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

func NewPublisher(url, prefix string, log *zap.Logger, opts ...nats.Option) (*Publisher, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, log: log}, nil
}

// Subject returns the NATS subject for channel
func Subject(prefix, channel string) string {
	if prefix == "" {
		return channel
	}
	return prefix + "." + channel
}

// Publish is at-most-once: failures are logged and dropped
func (p *Publisher) Publish(ctx context.Context, events ...models.Event) {
	for _, ev := range events {
		for _, ch := range Route(ev) {
			data, err := Encode(ch, ev)
			if err != nil {
				p.log.Error("failed to encode event", zap.String("type", string(ev.Type)), zap.Error(err))
				continue
			}
			subj := Subject(p.prefix, ch)
			if err := p.nc.Publish(subj, data); err != nil {
				p.log.Warn("nats publish failed", zap.String("subject", subj), zap.Error(err))
			}
		}
	}
}

// Close flushes pending messages and closes the connection
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Flush()
	p.nc.Close()
	return err
}
