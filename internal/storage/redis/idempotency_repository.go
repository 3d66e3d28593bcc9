package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const defaultKeyPrefix = "checkout:idempotency:"

// storedClaim — JSON-представление записи в значении ключа.
type storedClaim struct {
	Key         string                   `json:"key"`
	RequestHash string                   `json:"request_hash"`
	Status      domain.IdempotencyStatus `json:"status"`
	Code        int                      `json:"code,omitempty"`
	Body        []byte                   `json:"body,omitempty"`
	ExpiresAt   time.Time                `json:"expires_at"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// IdempotencyRepository хранит ключи идемпотентности в Redis.
// Срок жизни записи задаётся TTL ключа, поэтому PurgeExpired ничего не удаляет.
type IdempotencyRepository struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option настраивает IdempotencyRepository.
type Option func(*IdempotencyRepository)

// WithKeyPrefix задаёт префикс ключей Redis.
func WithKeyPrefix(prefix string) Option {
	return func(r *IdempotencyRepository) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// NewIdempotencyRepository создаёт Redis-реализацию IdempotencyRepository.
func NewIdempotencyRepository(client goredis.UniversalClient, opts ...Option) *IdempotencyRepository {
	repo := &IdempotencyRepository{
		client: client,
		prefix: defaultKeyPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

func (r *IdempotencyRepository) redisKey(key string) string {
	return r.prefix + key
}

func (r *IdempotencyRepository) Claim(ctx context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	now := r.now()
	claim, err := claim.Normalize(now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	ttl := claim.ExpiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}

	rec := domain.NewInFlightRecord(claim, now)
	data, err := json.Marshal(fromRecord(rec))
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("encode idempotency claim: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := r.client.SetNX(ctx, r.redisKey(claim.Key), data, ttl).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return rec, nil
	}

	held, err := r.load(ctx, r.client, claim.Key)
	if err != nil {
		// ключ истёк между SETNX и GET
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyTaken
	}
	return held.toRecord(), held.toRecord().ClaimConflict(claim.RequestHash)
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	stored, err := r.load(ctx, r.client, key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return stored.toRecord(), nil
}

// Resolve переписывает значение под WATCH с сохранением TTL.
func (r *IdempotencyRepository) Resolve(ctx context.Context, key string, outcome domain.IdempotencyOutcome) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	redisKey := r.redisKey(key)
	err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
		stored, err := r.load(ctx, tx, key)
		if err != nil {
			return err
		}
		data, err := json.Marshal(fromRecord(stored.toRecord().Resolve(outcome, r.now())))
		if err != nil {
			return fmt.Errorf("encode idempotency outcome: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SetArgs(ctx, redisKey, data, goredis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}, redisKey)
	if errors.Is(err, goredis.TxFailedErr) {
		return fmt.Errorf("resolve idempotency key %s: concurrent update", key)
	}
	return err
}

func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key %s: %w", key, err)
	}
	return nil
}

// PurgeExpired ничего не делает: истёкшие ключи удаляет сам Redis.
func (r *IdempotencyRepository) PurgeExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (r *IdempotencyRepository) load(ctx context.Context, cmd goredis.Cmdable, key string) (storedClaim, error) {
	data, err := cmd.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return storedClaim{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return storedClaim{}, fmt.Errorf("get idempotency key %s: %w", key, err)
	}

	var stored storedClaim
	if err := json.Unmarshal(data, &stored); err != nil {
		return storedClaim{}, fmt.Errorf("decode idempotency key %s: %w", key, err)
	}
	return stored, nil
}

func fromRecord(rec domain.IdempotencyRecord) storedClaim {
	return storedClaim{
		Key:         rec.Key,
		RequestHash: rec.RequestHash,
		Status:      rec.Status,
		Code:        rec.Code,
		Body:        rec.Body,
		ExpiresAt:   rec.ExpiresAt,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func (s storedClaim) toRecord() domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:         s.Key,
		RequestHash: s.RequestHash,
		Status:      s.Status,
		Code:        s.Code,
		Body:        append([]byte(nil), s.Body...),
		ExpiresAt:   s.ExpiresAt,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
