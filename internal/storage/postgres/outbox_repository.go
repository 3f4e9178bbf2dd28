package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
)

const defaultOutboxBatch = 100

// Конечные статусы строки outbox_messages. Из pending строка уходит ровно один раз.
const (
	outboxSent   = "sent"
	outboxFailed = "failed"
)

const (
	insertOutboxSQL = `
INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload, status)
VALUES ($1, $2, $3, $4, $5, 'pending')`

	// id — UUIDv7, поэтому при равном created_at порядок совпадает с порядком записи.
	selectPendingSQL = `
SELECT id, aggregate_type, aggregate_id, event_type, payload
FROM outbox_messages
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT $1`

	backlogSQL = `
SELECT COUNT(*), MIN(created_at)
FROM outbox_messages
WHERE status = 'pending'`

	finishOutboxSQL = `
UPDATE outbox_messages
SET status = $2, attempt_count = attempt_count + 1, updated_at = NOW()
WHERE id = $1 AND status = 'pending'`
)

// outboxRepository хранит события заказов в outbox_messages до публикации в брокер.
type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB()}
}

// Enqueue записывает событие со статусом pending. Пустой ID заменяется на UUIDv7.
func (r *outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.OutboxMessage{}, fmt.Errorf("generate outbox id: %w", err)
		}
		msg.ID = id.String()
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := r.db.ExecContext(opCtx, insertOutboxSQL,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload,
	); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue %s for order %s: %w", msg.EventType, msg.AggregateID, storeError(err))
	}
	return msg, nil
}

// PullPending возвращает до limit событий в порядке записи.
func (r *outboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	rows, err := r.db.QueryContext(opCtx, selectPendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", storeError(err))
	}
	defer rows.Close()

	events := make([]domain.OutboxMessage, 0)
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		events = append(events, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending events: %w", storeError(err))
	}
	return events, nil
}

// Stats возвращает размер backlog и время самого старого pending-события.
func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(opCtx, backlogSQL).Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox backlog: %w", storeError(err))
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

// MarkSent снимает событие с доставки после публикации.
func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.finish(ctx, id, outboxSent)
}

// MarkFailed снимает событие с доставки после DLQ.
func (r *outboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.finish(ctx, id, outboxFailed)
}

// finish переводит pending-событие в конечный статус. Повторная отметка ничего не меняет,
// неизвестный ID возвращает domain.ErrOutboxPublish.
func (r *outboxRepository) finish(ctx context.Context, id, status string) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(opCtx, finishOutboxSQL, id, status)
	if err != nil {
		return fmt.Errorf("mark event %s as %s: %w", id, status, storeError(err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark event %s as %s: %w", id, status, err)
	} else if n == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(opCtx, `SELECT status FROM outbox_messages WHERE id = $1`, id).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("event %s: %w", id, domain.ErrOutboxPublish)
	case err != nil:
		return fmt.Errorf("read event %s status: %w", id, storeError(err))
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
