// Package idempotency обеспечивает однократную обработку событий и очистку просроченных ключей.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	defaultKeyTTL     = 24 * time.Hour
	defaultStaleAfter = 5 * time.Minute
)

var guardDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "checkout_idempotency_events_total",
	Help: "Consumed events grouped by idempotency decision.",
}, []string{"decision"})

// Guard пропускает повторные доставки события с тем же event_id.
// Ключ захватывается до обработки; при ошибке обработки захват снимается, чтобы повторная доставка прошла заново.
type Guard struct {
	repo       domain.IdempotencyRepository
	ttl        time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *log.Entry
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithKeyTTL задаёт срок хранения ключа.
func WithKeyTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithStaleAfter задаёт, через сколько захват в processing считается брошенным.
func WithStaleAfter(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.staleAfter = d
		}
	}
}

// WithGuardClock подменяет источник времени.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithGuardLogger задаёт логгер.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard создаёт Guard поверх хранилища ключей.
func NewGuard(repo domain.IdempotencyRepository, opts ...GuardOption) *Guard {
	g := &Guard{
		repo:       repo,
		ttl:        defaultKeyTTL,
		staleAfter: defaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     log.WithField("component", "idempotency-guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EventKey: ключ идемпотентности события.
func EventKey(eventID string) string {
	return "event:" + eventID
}

// Handle выполняет fn, если событие ещё не обработано.
// processed=false означает, что событие пропущено как дубликат.
// ErrEventInFlight возвращается, пока событие обрабатывает другой обработчик.
func (g *Guard) Handle(ctx context.Context, env domain.Envelope, fn func(ctx context.Context) error) (bool, error) {
	if env.EventID == "" {
		return false, domain.ErrIdempotencyKeyRequired
	}
	key := EventKey(env.EventID)
	logger := g.logger.WithFields(log.Fields{"event_id": env.EventID, "event_type": env.EventType})

	claimed, err := g.claim(ctx, key, fingerprint(env))
	if err != nil {
		return false, err
	}
	if !claimed {
		guardDecisionsTotal.WithLabelValues("duplicate").Inc()
		logger.Debug("duplicate event skipped")
		return false, nil
	}

	if err := fn(ctx); err != nil {
		guardDecisionsTotal.WithLabelValues("failed").Inc()
		if relErr := g.repo.Release(context.WithoutCancel(ctx), key); relErr != nil {
			logger.WithError(relErr).Warn("failed to release idempotency claim")
		}
		return true, err
	}

	if err := g.repo.Resolve(context.WithoutCancel(ctx), key, domain.Completed(0, nil)); err != nil {
		logger.WithError(err).Warn("failed to mark event as processed")
	}
	guardDecisionsTotal.WithLabelValues("processed").Inc()
	return true, nil
}

// claim захватывает ключ. false без ошибки: событие уже обработано.
func (g *Guard) claim(ctx context.Context, key, hash string) (bool, error) {
	now := g.now()
	for attempt := 0; attempt < 2; attempt++ {
		held, err := g.repo.Claim(ctx, domain.IdempotencyClaim{Key: key, RequestHash: hash, ExpiresAt: now.Add(g.ttl)})
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, domain.ErrIdempotencyHashMismatch):
			return false, fmt.Errorf("event %s redelivered with different payload: %w", key, err)
		case !errors.Is(err, domain.ErrIdempotencyKeyTaken):
			return false, err
		}

		switch {
		case held.Status == domain.IdempotencyCompleted:
			return false, nil
		case held.Status == domain.IdempotencyRejected, held.Abandoned(now, g.staleAfter):
			g.logger.WithField("key", key).Warn("taking over abandoned event claim")
			if err := g.repo.Release(ctx, key); err != nil {
				return false, err
			}
		default:
			guardDecisionsTotal.WithLabelValues("in_flight").Inc()
			return false, domain.ErrEventInFlight
		}
	}
	return false, domain.ErrEventInFlight
}

func fingerprint(env domain.Envelope) string {
	sum := sha256.Sum256(append([]byte(env.EventType+":"), env.Payload...))
	return hex.EncodeToString(sum[:])
}
