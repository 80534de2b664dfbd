package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lfrezen/insurance/internal/domain"
	"github.com/lfrezen/insurance/internal/logging"
	"github.com/lfrezen/insurance/internal/metrics"
)

// ConsumeChannel is the subset of *amqp.Channel the consumer needs.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// ContractCreator performs the idempotent effect of an approval.
type ContractCreator interface {
	CreateForProposal(ctx context.Context, proposalID string) (domain.Contract, error)
}

// Outcome of handling one delivery.
type Outcome string

const (
	OutcomeAcked     Outcome = "acked"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeMalformed Outcome = "malformed"
	OutcomeFailed    Outcome = "failed"
)

var ErrDeliveriesClosed = errors.New("delivery channel closed by broker")

const maxReopenInterval = 30 * time.Second

// approvedMessage holds the only field the consumer requires; other fields are ignored.
type approvedMessage struct {
	ProposalID string `json:"proposal_id"`
}

// Consumer processes proposal.approved deliveries one at a time with manual acknowledgement.
type Consumer struct {
	ch       ConsumeChannel
	queue    string
	prefetch int
	tag      string
	creator  ContractCreator

	// Reopen returns a fresh, declared channel after the broker closed the delivery
	// stream. When nil, Run returns ErrDeliveriesClosed instead of resubscribing.
	Reopen      func() (ConsumeChannel, error)
	ReopenDelay time.Duration

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func NewConsumer(ch ConsumeChannel, t Topology, creator ContractCreator) *Consumer {
	prefetch := t.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		ch:       ch,
		queue:    t.Queue,
		prefetch: prefetch,
		tag:      "contract-service-" + uuid.NewString()[:8],
		creator:  creator,
	}
}

// Run consumes until ctx is cancelled. The in-flight delivery is always finished and
// settled before Run returns. A delivery stream closed by the broker is resubscribed
// through Reopen with exponential backoff.
func (c *Consumer) Run(ctx context.Context) error {
	log := logging.OrDiscard(c.Log)
	deliveries, err := c.subscribe(ctx)
	if err != nil {
		return err
	}
	log.Info("consumer started", "queue", c.queue, "tag", c.tag)
	for {
		select {
		case <-ctx.Done():
			c.stop(log)
			return nil
		case d, ok := <-deliveries:
			if ok {
				c.Handle(context.WithoutCancel(ctx), d)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if c.Reopen == nil {
				return ErrDeliveriesClosed
			}
			log.Warn("delivery channel closed by broker; resubscribing", "queue", c.queue)
			deliveries, err = c.resubscribe(ctx, log)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			log.Info("consumer resubscribed", "queue", c.queue, "tag", c.tag)
		}
	}
}

func (c *Consumer) subscribe(ctx context.Context) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := c.ch.ConsumeWithContext(context.WithoutCancel(ctx), c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	return deliveries, nil
}

// resubscribe retries until a new channel is consuming or ctx is done.
func (c *Consumer) resubscribe(ctx context.Context, log *slog.Logger) (<-chan amqp.Delivery, error) {
	b := backoff.NewExponentialBackOff()
	if c.ReopenDelay > 0 {
		b.InitialInterval = c.ReopenDelay
	}
	b.MaxInterval = maxReopenInterval
	b.MaxElapsedTime = 0
	op := func() (<-chan amqp.Delivery, error) {
		ch, err := c.Reopen()
		if err != nil {
			return nil, err
		}
		_ = c.ch.Close()
		c.ch = ch
		return c.subscribe(ctx)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("resubscribe failed", "err", err, "retry_in", wait)
	}
	return backoff.RetryNotifyWithData(op, backoff.WithContext(b, ctx), notify)
}

func (c *Consumer) stop(log *slog.Logger) {
	if err := c.ch.Cancel(c.tag, false); err != nil {
		log.Warn("cancel consumer failed", "tag", c.tag, "err", err)
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		log.Warn("close consumer channel failed", "err", err)
	}
	log.Info("consumer stopped", "queue", c.queue)
}

// Handle decodes, applies and settles a single delivery.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) Outcome {
	log := logging.OrDiscard(c.Log).With("message_id", d.MessageId, "delivery_tag", d.DeliveryTag)
	outcome := c.handle(ctx, log, d)
	c.Metrics.MessageConsumed(string(outcome))
	return outcome
}

func (c *Consumer) handle(ctx context.Context, log *slog.Logger, d amqp.Delivery) Outcome {
	var msg approvedMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || strings.TrimSpace(msg.ProposalID) == "" {
		log.Error("discarding malformed message", "err", err, "body", truncate(d.Body, 256))
		c.nack(log, d)
		return OutcomeMalformed
	}
	log = log.With("proposal_id", msg.ProposalID)

	contract, err := c.creator.CreateForProposal(ctx, msg.ProposalID)
	switch {
	case err == nil:
		log.Info("contract created from event", "contract_id", contract.ID)
		c.ack(log, d)
		return OutcomeAcked
	case errors.Is(err, domain.ErrAlreadyContracted):
		log.Info("proposal already contracted; acknowledging duplicate delivery")
		c.ack(log, d)
		return OutcomeDuplicate
	default:
		log.Error("contract creation failed; dead-lettering message", "kind", domain.KindOf(err), "err", err)
		c.nack(log, d)
		return OutcomeFailed
	}
}

func (c *Consumer) ack(log *slog.Logger, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		log.Error("ack failed", "err", err)
	}
}

func (c *Consumer) nack(log *slog.Logger, d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		log.Error("nack failed", "err", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
