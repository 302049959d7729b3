package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const countTopic = "metrics.count"

// Bus carries count events from connection goroutines to the parent
// registry. Delivery order does not matter; counter addition is
// commutative.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 1024,
		}, watermill.NewSlogLogger(logger)),
		logger: logger,
	}
}

// Count implements Sink for the child side. Serialization failures and
// full buffers only cost a metric sample, never pipeline liveness.
func (b *Bus) Count(ev CountEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Debug("metric event marshal failed", slog.Any("err", err))
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(countTopic, msg); err != nil {
		b.logger.Debug("metric event publish failed", slog.Any("err", err))
	}
}

// Run consumes count events into reg until ctx ends.
func (b *Bus) Run(ctx context.Context, reg *Registry) error {
	msgs, err := b.pubsub.Subscribe(ctx, countTopic)
	if err != nil {
		return fmt.Errorf("metrics bus: subscribe: %w", err)
	}
	for msg := range msgs {
		var ev CountEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			b.logger.Debug("metric event unmarshal failed", slog.Any("err", err))
			msg.Ack()
			continue
		}
		reg.Count(ev)
		msg.Ack()
	}
	return nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}
