package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const idempotencyColumns = `key, request_hash, status, response_code, response_body, expires_at, created_at, updated_at`

// IdempotencyRepository хранит захваты ключей в таблице idempotency_keys.
// Истёкший ключ перехватывается одним upsert, без отдельной очистки.
type IdempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepository создаёт репозиторий поверх пула Store.
func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *IdempotencyRepository) Claim(ctx context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	now := r.now()
	claim, err := claim.Normalize(now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	for attempt := 0; attempt < 2; attempt++ {
		var key string
		err = r.db.QueryRowContext(ctx, `
			INSERT INTO idempotency_keys (`+idempotencyColumns+`)
			VALUES ($1, $2, $3, 0, NULL, $4, $5, $5)
			ON CONFLICT (key) DO UPDATE SET
				request_hash = EXCLUDED.request_hash,
				status = EXCLUDED.status,
				response_code = 0,
				response_body = NULL,
				expires_at = EXCLUDED.expires_at,
				created_at = EXCLUDED.created_at,
				updated_at = EXCLUDED.updated_at
			WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
			RETURNING key
		`, claim.Key, claim.RequestHash, string(domain.IdempotencyInFlight), claim.ExpiresAt, now).Scan(&key)
		if err == nil {
			return domain.NewInFlightRecord(claim, now), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", err)
		}

		// ключ живой: отдаём текущую запись
		held, getErr := r.Get(ctx, claim.Key)
		if errors.Is(getErr, domain.ErrIdempotencyKeyNotFound) {
			continue
		}
		if getErr != nil {
			return domain.IdempotencyRecord{}, getErr
		}
		return held, held.ClaimConflict(claim.RequestHash)
	}
	return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyTaken
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		rec    domain.IdempotencyRecord
		status string
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key).Scan(
		&rec.Key, &rec.RequestHash, &status, &rec.Code, &rec.Body,
		&rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency key %s: %w", key, err)
	}

	rec.Status = domain.IdempotencyStatus(status)
	if !rec.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %s has unknown status %q", key, status)
	}
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (r *IdempotencyRepository) Resolve(ctx context.Context, key string, outcome domain.IdempotencyOutcome) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $2, response_code = $3, response_body = $4, updated_at = $5
		WHERE key = $1
	`, key, string(outcome.Status), outcome.Code, outcome.Body, r.now())
	if err != nil {
		return fmt.Errorf("resolve idempotency key %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("resolve idempotency key %s: %w", key, err)
	} else if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("release idempotency key %s: %w", key, err)
	}
	return nil
}

// PurgeExpired удаляет до limit ключей с наименьшим expires_at; limit<=0 снимает ограничение.
func (r *IdempotencyRepository) PurgeExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}
	var batch any
	if limit > 0 {
		batch = limit
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)
	`, before, batch)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return int(n), nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
