// Package audit publishes one disposition event per processed message
// onto a watermill bus, so downstream consumers (abuse desks, mail log
// indexers) see what the gateway decided without scraping syslog.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/webitel/mail-auth-gateway/config"
)

// Event is one per-message disposition record.
type Event struct {
	QueueID    string    `json:"queue_id"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	Results    []string  `json:"results"`
	Code       string    `json:"code"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher is the surface the transports call.
type Publisher interface {
	PublishDisposition(ctx context.Context, ev Event) error
	Close() error
}

type dispatcher struct {
	pub   message.Publisher
	topic string
}

// NewPublisher builds the configured transport: an in-process
// gochannel bus by default, AMQP when audit.transport=amqp.
func NewPublisher(cfg *config.Config, logger *slog.Logger) (Publisher, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	var pub message.Publisher
	switch cfg.Audit.Transport {
	case "", "gochannel":
		pub = gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
	case "amqp":
		amqpCfg := amqp.NewDurablePubSubConfig(cfg.Audit.AMQPURI, nil)
		p, err := amqp.NewPublisher(amqpCfg, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("audit: amqp publisher: %w", err)
		}
		pub = p
	default:
		return nil, fmt.Errorf("audit: unknown transport %q", cfg.Audit.Transport)
	}

	return &dispatcher{pub: pub, topic: cfg.Audit.Topic}, nil
}

func (d *dispatcher) PublishDisposition(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := d.pub.Publish(d.topic, msg); err != nil {
		return fmt.Errorf("audit: publish to %s: %w", d.topic, err)
	}
	return nil
}

func (d *dispatcher) Close() error {
	return d.pub.Close()
}
