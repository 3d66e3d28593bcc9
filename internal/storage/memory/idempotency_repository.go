package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// IdempotencyRepository держит захваты ключей в памяти процесса.
type IdempotencyRepository struct {
	mu     sync.Mutex
	claims map[string]domain.IdempotencyRecord
	now    func() time.Time
}

// NewIdempotencyRepository создаёт пустое хранилище ключей.
func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{
		claims: make(map[string]domain.IdempotencyRecord),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет часы, по которым считается истечение ключей.
func (r *IdempotencyRepository) WithClock(now func() time.Time) *IdempotencyRepository {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *IdempotencyRepository) Claim(_ context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	now := r.now()
	claim, err := claim.Normalize(now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if held, ok := r.claims[claim.Key]; ok && !held.Expired(now) {
		return held.Clone(), held.ClaimConflict(claim.RequestHash)
	}

	rec := domain.NewInFlightRecord(claim, now)
	r.claims[claim.Key] = rec
	return rec, nil
}

func (r *IdempotencyRepository) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.claims[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return rec.Clone(), nil
}

func (r *IdempotencyRepository) Resolve(_ context.Context, key string, outcome domain.IdempotencyOutcome) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.claims[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	r.claims[key] = rec.Resolve(outcome, r.now())
	return nil
}

func (r *IdempotencyRepository) Release(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	delete(r.claims, key)
	r.mu.Unlock()
	return nil
}

// PurgeExpired удаляет сначала самые старые по сроку ключи.
func (r *IdempotencyRepository) PurgeExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make([]domain.IdempotencyRecord, 0)
	for _, rec := range r.claims {
		if rec.Expired(before) {
			expired = append(expired, rec)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(r.claims, rec.Key)
	}
	return len(expired), nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
