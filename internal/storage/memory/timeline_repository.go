package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

var errTimelineSagaRequired = errors.New("timeline event requires saga id")

// TimelineRepository: журнал саг в памяти. Seq сквозной для всех саг, как BIGSERIAL в postgres.
type TimelineRepository struct {
	mu     sync.Mutex
	seq    int64
	bySaga map[string][]domain.TimelineEvent
}

// NewTimelineRepository создаёт пустой журнал.
func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{bySaga: make(map[string][]domain.TimelineEvent)}
}

func (r *TimelineRepository) Append(_ context.Context, event domain.TimelineEvent) (domain.TimelineEvent, error) {
	if event.SagaID == "" {
		return domain.TimelineEvent{}, errTimelineSagaRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	event.Seq = r.seq
	r.bySaga[event.SagaID] = append(r.bySaga[event.SagaID], event)
	return event, nil
}

func (r *TimelineRepository) List(_ context.Context, sagaID string) ([]domain.TimelineEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]domain.TimelineEvent(nil), r.bySaga[sagaID]...), nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
