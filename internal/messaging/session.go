package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lfrezen/insurance/internal/logging"
)

// Session holds the process-wide broker connection and redials it once the broker has
// closed it. Channels are cheap; callers open one per role.
type Session struct {
	url  string
	dial func(url string) (*amqp.Connection, error)
	Log  *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewSession dials url. A broker that cannot be reached at startup is an error.
func NewSession(url string) (*Session, error) {
	s := &Session{url: url, dial: Dial}
	conn, err := s.dial(url)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func (s *Session) connection() (*amqp.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}
	logging.OrDiscard(s.Log).Warn("broker connection lost; redialing")
	conn, err := s.dial(s.url)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

// Channel opens a channel on the live connection.
func (s *Session) Channel() (*amqp.Channel, error) {
	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// Healthy reports whether the connection is open, for health output.
func (s *Session) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.conn.IsClosed()
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

var errChannelClosed = errors.New("channel closed")

// ReopeningChannel is a PublishChannel that opens its underlying channel lazily and drops
// it after a failed publish, so the next publish runs on a fresh channel. The failed
// publish itself is not retried; the outbox relay covers it.
type ReopeningChannel struct {
	open func() (PublishChannel, error)

	mu     sync.Mutex
	ch     PublishChannel
	closed bool
}

func NewReopeningChannel(open func() (PublishChannel, error)) *ReopeningChannel {
	return &ReopeningChannel{open: open}
}

// SessionOpener adapts s to NewReopeningChannel. Channels are opened in confirm mode.
func SessionOpener(s *Session) func() (PublishChannel, error) {
	return func() (PublishChannel, error) {
		ch, err := s.Channel()
		if err != nil {
			return nil, err
		}
		cc, err := NewConfirmingChannel(ch)
		if err != nil {
			ch.Close()
			return nil, err
		}
		return cc, nil
	}
}

func (r *ReopeningChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errChannelClosed
	}
	if r.ch == nil {
		ch, err := r.open()
		if err != nil {
			return err
		}
		r.ch = ch
	}
	err := r.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
	if err != nil && ctx.Err() == nil {
		_ = r.ch.Close()
		r.ch = nil
	}
	return err
}

func (r *ReopeningChannel) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.ch == nil {
		return nil
	}
	err := r.ch.Close()
	r.ch = nil
	return err
}
