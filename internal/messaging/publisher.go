package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lfrezen/insurance/internal/domain"
	"github.com/lfrezen/insurance/internal/logging"
	"github.com/lfrezen/insurance/internal/metrics"
)

// PublishChannel is the subset of *amqp.Channel the publisher needs.
type PublishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends persistent JSON messages to a topic exchange. It does not wait for
// consumer acknowledgement and does not retry.
type Publisher struct {
	ch       PublishChannel
	exchange string
	mu       sync.Mutex

	Now     func() time.Time
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func NewPublisher(ch PublishChannel, exchange string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange, Now: time.Now}
}

// Publish JSON-encodes event and sends it under routingKey with a fresh message id.
func (p *Publisher) Publish(ctx context.Context, event any, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.publish(ctx, uuid.NewString(), routingKey, body)
}

// PublishEnvelope sends a stored outbox message; its id becomes the AMQP message id.
func (p *Publisher) PublishEnvelope(ctx context.Context, msg domain.OutboxMessage) error {
	return p.publish(ctx, msg.ID, msg.RoutingKey, msg.Payload)
}

func (p *Publisher) publish(ctx context.Context, id, routingKey string, body []byte) error {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	p.mu.Lock()
	err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    now().UTC(),
		Body:         body,
	})
	p.mu.Unlock()
	p.Metrics.EventPublished(err)
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", routingKey, p.exchange, err)
	}
	logging.OrDiscard(p.Log).Debug("event published", "routing_key", routingKey, "message_id", id)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}
