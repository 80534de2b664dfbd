package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lfrezen/insurance/internal/domain"
	"github.com/lfrezen/insurance/internal/logging"
	"github.com/lfrezen/insurance/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Publisher sends one stored message to the broker.
type Publisher interface {
	PublishEnvelope(ctx context.Context, msg domain.OutboxMessage) error
}

// Relay republishes outbox rows that were committed but never marked published.
type Relay struct {
	Repo      repo.Repo
	Publisher Publisher
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
	Log       *slog.Logger

	// mu serializes Deliver and Flush so a row is not sent twice by this process.
	mu sync.Mutex
}

// Run flushes on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			logging.OrDiscard(r.Log).Warn("outbox flush failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush publishes pending rows oldest first and stops at the first broker failure so
// ordering per aggregate is preserved. It returns the number of rows published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	batch := r.BatchSize
	if batch <= 0 {
		batch = defaultBatch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, err := r.Repo.PendingOutbox(ctx, batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, msg := range pending {
		if err := r.deliver(ctx, msg); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Deliver publishes msg now and records the result on its row. A row a concurrent Flush
// already published is skipped.
func (r *Relay) Deliver(ctx context.Context, msg domain.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, err := r.Repo.GetOutbox(ctx, msg.ID)
	if err != nil {
		return err
	}
	if current.PublishedAt != nil {
		return nil
	}
	return r.deliver(ctx, current)
}

func (r *Relay) deliver(ctx context.Context, msg domain.OutboxMessage) error {
	log := logging.OrDiscard(r.Log).With("outbox_id", msg.ID, "routing_key", msg.RoutingKey, "aggregate_id", msg.AggregateID)
	if err := r.Publisher.PublishEnvelope(ctx, msg); err != nil {
		if markErr := r.Repo.MarkOutboxFailed(context.WithoutCancel(ctx), msg.ID, err); markErr != nil {
			log.Error("record outbox failure", "err", markErr)
		}
		return err
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if err := r.Repo.MarkOutboxPublished(context.WithoutCancel(ctx), msg.ID, now().UTC()); err != nil {
		log.Error("mark outbox published", "err", err)
		return err
	}
	log.Debug("outbox message published")
	return nil
}
