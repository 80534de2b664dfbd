package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lfrezen/insurance/internal/domain"
	"github.com/lfrezen/insurance/internal/repo"
)

// Writer appends integration events to the outbox inside the caller's transaction.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, aggregateID, routingKey string, payload any) (domain.OutboxMessage, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal event payload: %w", err)
	}
	msg := domain.OutboxMessage{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		RoutingKey:  routingKey,
		Payload:     data,
		CreatedAt:   w.Now().UTC(),
	}
	if err := w.Repo.InsertOutboxTx(ctx, tx, msg); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("append outbox: %w", err)
	}
	return msg, nil
}
