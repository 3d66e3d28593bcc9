package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type outboxState uint8

const (
	outboxPending outboxState = iota
	outboxSent
	outboxFailed
)

type outboxEntry struct {
	msg       domain.OutboxMessage
	state     outboxState
	queuedAt  time.Time
	settledAt time.Time
}

// OutboxRepository: outbox в памяти. Записи лежат в журнале в порядке Enqueue,
// поэтому выборка pending не требует сортировки.
type OutboxRepository struct {
	mu      sync.RWMutex
	journal []*outboxEntry
	byID    map[string]*outboxEntry
	now     func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		byID: make(map[string]*outboxEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue добавляет запись в pending. Запись с уже известным ID не дублируется,
// возвращается сохранённая версия.
func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, ok := r.byID[msg.ID]; ok {
		return stored.msg, nil
	}
	r.append(msg)
	return msg, nil
}

// EnqueueBatch добавляет сообщения одним шагом, под одной блокировкой.
func (r *OutboxRepository) EnqueueBatch(msgs []domain.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if _, ok := r.byID[msg.ID]; ok {
			continue
		}
		r.append(msg)
	}
	return nil
}

func (r *OutboxRepository) append(msg domain.OutboxMessage) {
	entry := &outboxEntry{msg: msg, queuedAt: r.now()}
	r.journal = append(r.journal, entry)
	r.byID[msg.ID] = entry
}

// PullPending отдаёт до limit pending-записей, старые первыми.
func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.OutboxMessage
	for _, e := range r.journal {
		if len(out) == limit {
			break
		}
		if e.state == outboxPending {
			out = append(out, e.msg)
		}
	}
	return out, nil
}

func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, e := range r.journal {
		if e.state != outboxPending {
			continue
		}
		if stats.PendingCount == 0 {
			stats.OldestPendingAt = e.queuedAt
		}
		stats.PendingCount++
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(id string) error {
	return r.settle(id, outboxSent)
}

func (r *OutboxRepository) MarkFailed(id string) error {
	return r.settle(id, outboxFailed)
}

// settle закрывает pending-запись. Повторная отметка и неизвестный ID: ошибка.
func (r *OutboxRepository) settle(id string, state outboxState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	switch {
	case !ok:
		return fmt.Errorf("outbox record %s not found: %w", id, domain.ErrOutboxPublish)
	case e.state != outboxPending:
		return fmt.Errorf("outbox record %s already settled: %w", id, domain.ErrOutboxPublish)
	}
	e.state = state
	e.settledAt = r.now()
	return nil
}

// AllPending — все pending-записи, для тестов.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	msgs, _ := r.PullPending(int(^uint(0) >> 1))
	return msgs
}

// ByEventType: записи типа eventType в любом статусе, в порядке Enqueue. Для тестов.
func (r *OutboxRepository) ByEventType(eventType domain.EventType) []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.OutboxMessage
	for _, e := range r.journal {
		if e.msg.EventType == string(eventType) {
			out = append(out, e.msg)
		}
	}
	return out
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
