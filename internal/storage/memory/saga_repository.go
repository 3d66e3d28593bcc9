package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// SagaRepository: in-memory хранилище состояний саг.
type SagaRepository struct {
	mu         sync.RWMutex
	items      map[string]domain.SagaState
	byBusiness map[string]string
}

// NewSagaRepository создаёт пустое хранилище саг.
func NewSagaRepository() *SagaRepository {
	return &SagaRepository{
		items:      make(map[string]domain.SagaState),
		byBusiness: make(map[string]string),
	}
}

func businessKey(sagaType domain.SagaType, businessID string) string {
	return string(sagaType) + "/" + businessID
}

// Create сохраняет новую сагу. Для существующей пары (type, business_id) возвращает ErrSagaExists.
func (r *SagaRepository) Create(_ context.Context, state domain.SagaState) error {
	if state.BusinessID == "" {
		return domain.ErrBusinessIDRequired
	}
	if !state.Type.Valid() {
		return domain.ErrUnknownSagaType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := businessKey(state.Type, state.BusinessID)
	if _, ok := r.byBusiness[key]; ok {
		return domain.ErrSagaExists
	}
	if _, ok := r.items[state.ID]; ok {
		return domain.ErrSagaExists
	}

	state = state.Clone()
	state.Version = 1
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	r.items[state.ID] = state
	r.byBusiness[key] = state.ID
	return nil
}

// Get возвращает сагу по идентификатору.
func (r *SagaRepository) Get(_ context.Context, id string) (domain.SagaState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.items[id]
	if !ok {
		return domain.SagaState{}, domain.ErrSagaNotFound
	}
	return state.Clone(), nil
}

// GetByBusinessID ищет сагу по типу и бизнес-идентификатору.
func (r *SagaRepository) GetByBusinessID(_ context.Context, sagaType domain.SagaType, businessID string) (domain.SagaState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byBusiness[businessKey(sagaType, businessID)]
	if !ok {
		return domain.SagaState{}, domain.ErrSagaNotFound
	}
	return r.items[id].Clone(), nil
}

// Save сохраняет состояние, если версия совпадает с сохранённой.
func (r *SagaRepository) Save(_ context.Context, state domain.SagaState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[state.ID]
	if !ok {
		return domain.ErrSagaNotFound
	}
	if current.Version != state.Version {
		return domain.ErrVersionConflict
	}

	state = state.Clone()
	state.Version++
	state.UpdatedAt = time.Now().UTC()
	r.items[state.ID] = state
	return nil
}

// ListUnfinished возвращает нетерминальные саги без флага Stuck, старые первыми.
func (r *SagaRepository) ListUnfinished(_ context.Context, limit int) ([]domain.SagaState, error) {
	return r.list(limit, func(s domain.SagaState) bool {
		return !s.Status.Terminal() && !s.Stuck
	}), nil
}

// ListStuck возвращает саги, ожидающие вмешательства оператора.
func (r *SagaRepository) ListStuck(_ context.Context, limit int) ([]domain.SagaState, error) {
	return r.list(limit, func(s domain.SagaState) bool {
		return s.Stuck && !s.Status.Terminal()
	}), nil
}

func (r *SagaRepository) list(limit int, match func(domain.SagaState) bool) []domain.SagaState {
	r.mu.RLock()
	result := make([]domain.SagaState, 0)
	for _, s := range r.items {
		if match(s) {
			result = append(result, s.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.Before(result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ domain.SagaRepository = (*SagaRepository)(nil)
