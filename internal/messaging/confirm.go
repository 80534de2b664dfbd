package messaging

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrPublishNacked means the broker refused responsibility for a message.
	ErrPublishNacked = errors.New("broker nacked publish")
	// ErrUnroutable means a mandatory message matched no queue.
	ErrUnroutable    = errors.New("message not routed to any queue")
	errConfirmClosed = errors.New("channel closed before publish was confirmed")
)

// ConfirmChannel is the subset of *amqp.Channel used for confirmed publishing.
type ConfirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ConfirmingChannel is a PublishChannel that returns only once the broker has confirmed
// the message. Messages are published mandatory; one that comes back unrouted is an
// error. Publishes must not overlap.
type ConfirmingChannel struct {
	ch       ConfirmChannel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	seq      uint64
}

// NewConfirmingChannel puts ch into confirm mode.
func NewConfirmingChannel(ch ConfirmChannel) (*ConfirmingChannel, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &ConfirmingChannel{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
	}, nil
}

// PublishWithContext publishes msg as mandatory, ignoring the flag passed in, and waits
// for its confirmation. Confirmations left over from a publish that gave up waiting are
// skipped by delivery tag.
func (c *ConfirmingChannel) PublishWithContext(ctx context.Context, exchange, key string, _, immediate bool, msg amqp.Publishing) error {
	if err := c.ch.PublishWithContext(ctx, exchange, key, true, immediate, msg); err != nil {
		return err
	}
	c.seq++
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ret, ok := <-c.returns:
			if !ok {
				return errConfirmClosed
			}
			if ret.MessageId == msg.MessageId {
				// The broker still confirms a returned message; consume that ack.
				c.await(ctx)
				return fmt.Errorf("%w: %s %s (%s)", ErrUnroutable, exchange, key, ret.ReplyText)
			}
		case conf, ok := <-c.confirms:
			if !ok {
				return errConfirmClosed
			}
			if conf.DeliveryTag < c.seq {
				continue
			}
			if !conf.Ack {
				return ErrPublishNacked
			}
			return c.drainReturn(msg.MessageId, exchange, key)
		}
	}
}

// drainReturn catches a return the client dispatched just ahead of its ack.
func (c *ConfirmingChannel) drainReturn(id, exchange, key string) error {
	select {
	case ret, ok := <-c.returns:
		if ok && ret.MessageId == id {
			return fmt.Errorf("%w: %s %s (%s)", ErrUnroutable, exchange, key, ret.ReplyText)
		}
	default:
	}
	return nil
}

func (c *ConfirmingChannel) await(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conf, ok := <-c.confirms:
			if !ok || conf.DeliveryTag >= c.seq {
				return
			}
		}
	}
}

func (c *ConfirmingChannel) Close() error {
	return c.ch.Close()
}
