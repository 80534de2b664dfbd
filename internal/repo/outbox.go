package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lfrezen/insurance/internal/db"
	"github.com/lfrezen/insurance/internal/domain"
)

func (r Repo) InsertOutboxTx(ctx context.Context, tx *sql.Tx, m domain.OutboxMessage) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO outbox(id,aggregate_id,routing_key,payload,created_at,attempts,last_error) VALUES (?,?,?,?,?,0,'')`),
		m.ID, m.AggregateID, m.RoutingKey, string(m.Payload), db.FormatTime(m.CreatedAt))
	return err
}

// PendingOutbox returns unpublished messages oldest first.
func (r Repo) PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,aggregate_id,routing_key,payload,created_at,attempts,last_error FROM outbox
WHERE published_at IS NULL ORDER BY created_at ASC, id ASC LIMIT ?`), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxMessage
	for rows.Next() {
		var (
			m         domain.OutboxMessage
			payload   string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.AggregateID, &m.RoutingKey, &payload, &createdAt, &m.Attempts, &m.LastError); err != nil {
			return nil, err
		}
		m.Payload = []byte(payload)
		if m.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("outbox %s: created_at: %w", m.ID, err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MarkOutboxPublished is a no-op for rows already marked, so racing relays do not error.
func (r Repo) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE outbox SET published_at=?, attempts=attempts+1, last_error='' WHERE id=? AND published_at IS NULL`),
		db.FormatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := r.DB.QueryRowContext(ctx, r.q(`SELECT 1 FROM outbox WHERE id=?`), id).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	return nil
}

const maxLastError = 1000

func (r Repo) MarkOutboxFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxLastError {
		msg = strings.ToValidUTF8(msg[:maxLastError], "")
	}
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE outbox SET attempts=attempts+1, last_error=? WHERE id=?`), msg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetOutbox(ctx context.Context, id string) (domain.OutboxMessage, error) {
	var (
		m                  domain.OutboxMessage
		payload, createdAt string
		publishedAt        sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,aggregate_id,routing_key,payload,created_at,published_at,attempts,last_error FROM outbox WHERE id=?`), id).
		Scan(&m.ID, &m.AggregateID, &m.RoutingKey, &payload, &createdAt, &publishedAt, &m.Attempts, &m.LastError)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Payload = []byte(payload)
	if m.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return m, err
	}
	if publishedAt.Valid {
		ts, err := db.ParseTime(publishedAt.String)
		if err != nil {
			return m, err
		}
		m.PublishedAt = &ts
	}
	return m, nil
}
