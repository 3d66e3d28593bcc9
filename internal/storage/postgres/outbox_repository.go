package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	outboxPending = "pending"
	outboxSent    = "sent"
	outboxFailed  = "failed"

	defaultOutboxBatch = 100
)

// OutboxRepository: transactional outbox в таблице outbox_messages.
// Сообщение покидает pending ровно один раз: sent или failed.
type OutboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт outbox поверх пула Store.
func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{db: store.DB()}
}

func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return enqueueOutbox(ctx, r.db, msg)
}

// enqueueOutbox вставляет сообщение. Для уже известного ID возвращается сохранённая версия.
// stockTx передаёт сюда *sql.Tx, чтобы событие фиксировалось вместе с изменением остатков.
func enqueueOutbox(ctx context.Context, q queryer, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	var seq int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO outbox_messages (id, topic, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
		RETURNING seq
	`, msg.ID, msg.Topic, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, time.Now().UTC()).Scan(&seq)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox %s: %w", msg.EventType, err)
	}

	// повтор с тем же ID
	var stored domain.OutboxMessage
	err = q.QueryRowContext(ctx, `
		SELECT id, topic, aggregate_type, aggregate_id, event_type, payload
		FROM outbox_messages WHERE id = $1
	`, msg.ID).Scan(&stored.ID, &stored.Topic, &stored.AggregateType, &stored.AggregateID, &stored.EventType, &stored.Payload)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("load outbox %s: %w", msg.ID, err)
	}
	return stored, nil
}

func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, topic, aggregate_type, aggregate_id, event_type, payload
		FROM outbox_messages
		WHERE status = $1
		ORDER BY seq
		LIMIT $2
	`, outboxPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox: %w", err)
	}
	defer rows.Close()

	batch := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload); err != nil {
			return nil, fmt.Errorf("scan pending outbox: %w", err)
		}
		batch = append(batch, msg)
	}
	return batch, rows.Err()
}

func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at) FROM outbox_messages WHERE status = $1
	`, outboxPending).Scan(&stats.PendingCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox backlog: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(id string) error {
	return r.settle(id, outboxSent)
}

func (r *OutboxRepository) MarkFailed(id string) error {
	return r.settle(id, outboxFailed)
}

// settle переводит pending-сообщение в конечный статус.
// Неизвестный или уже закрытый ID даёт ErrOutboxPublish.
func (r *OutboxRepository) settle(id, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2, settled_at = $3
		WHERE id = $1 AND status = $4
	`, id, status, time.Now().UTC(), outboxPending)
	if err != nil {
		return fmt.Errorf("settle outbox %s as %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle outbox %s as %s: %w", id, status, err)
	}
	if n == 0 {
		return fmt.Errorf("outbox %s is not pending: %w", id, domain.ErrOutboxPublish)
	}
	return nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
