package reclaim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Notifier доставляет уведомления о скором истечении.
type Notifier interface {
	Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error)
}

// Warner периодически уведомляет о резервах, истекающих в пределах окна.
// Уведомления не влияют на состояние резервов.
type Warner struct {
	reservations domain.ReservationRepository
	notifier     Notifier
	opts         Options

	mu     sync.Mutex
	warned map[string]time.Time
}

// NewWarner создаёт задачу предупреждений.
func NewWarner(reservations domain.ReservationRepository, notifier Notifier, options ...Option) *Warner {
	return &Warner{
		reservations: reservations,
		notifier:     notifier,
		opts:         buildOptions(defaultWarnInterval, "reclaim-warner", options),
		warned:       make(map[string]time.Time),
	}
}

// Run выполняет проход сразу и затем с периодом interval до отмены ctx.
func (w *Warner) Run(ctx context.Context) {
	if w.reservations == nil || w.notifier == nil {
		w.opts.Logger.Warn("expiry warner is disabled: dependencies are nil")
		return
	}

	runEvery(ctx, w.opts.Interval, func() {
		sent, err := w.WarnOnce(ctx, w.opts.Clock())
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			reclaimRunsTotal.WithLabelValues("warn", "partial").Inc()
			w.opts.Logger.WithError(err).Warn("expiry warning run finished with errors")
		default:
			reclaimRunsTotal.WithLabelValues("warn", "ok").Inc()
		}
		if sent > 0 {
			w.opts.Logger.WithField("warned", sent).Debug("near-expiry warnings sent")
		}
	})
}

// WarnOnce отправляет по одному уведомлению на резерв и срок его истечения.
func (w *Warner) WarnOnce(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	expiring, err := w.reservations.ListExpiring(ctx, now, now.Add(w.opts.Window), w.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expiring reservations: %w", err)
	}

	w.forget(now)

	var (
		sent int
		errs *multierror.Error
	)
	for _, r := range expiring {
		if w.alreadyWarned(r) {
			continue
		}
		if err := w.notify(r, now); err != nil {
			w.opts.Logger.WithError(err).WithField("reservation_id", r.ID).Warn("failed to send expiry warning")
			errs = multierror.Append(errs, err)
			continue
		}
		w.remember(r)
		sent++
	}

	if w.opts.Metrics != nil {
		w.opts.Metrics.RecordWarnings(sent)
	}
	return sent, errs.ErrorOrNil()
}

func (w *Warner) notify(r domain.StockReservation, now time.Time) error {
	key := r.Reference
	if key == "" {
		key = r.ID
	}
	expiresAt := r.ExpiresAt
	envelope, err := domain.NewEnvelope(domain.EventReservationExpiringSoon, key, domain.ReservationEvent{
		ReservationID: r.ID,
		ProductID:     r.ProductID,
		CustomerID:    r.CustomerID,
		Reference:     r.Reference,
		Quantity:      r.Quantity,
		Status:        r.Status,
		ExpiresAt:     &expiresAt,
		Reason:        fmt.Sprintf("expires in %s", r.ExpiresAt.Sub(now).Truncate(time.Second)),
	})
	if err != nil {
		return err
	}
	msg, err := envelope.OutboxMessage(domain.TopicInventoryEvents, "reservation")
	if err != nil {
		return err
	}
	if _, err := w.notifier.Enqueue(msg); err != nil {
		return fmt.Errorf("notify reservation %s: %w", r.ID, err)
	}
	w.opts.Logger.WithFields(log.Fields{
		"reservation_id": r.ID,
		"expires_at":     r.ExpiresAt,
	}).Debug("reservation expiring soon")
	return nil
}

func (w *Warner) alreadyWarned(r domain.StockReservation) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.warned[r.ID]
	return ok && at.Equal(r.ExpiresAt)
}

func (w *Warner) remember(r domain.StockReservation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warned[r.ID] = r.ExpiresAt
}

// forget удаляет записи о резервах, срок которых уже прошёл.
func (w *Warner) forget(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, at := range w.warned {
		if !at.After(now) {
			delete(w.warned, id)
		}
	}
}
