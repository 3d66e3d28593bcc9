package reclaim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

var reclaimRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "checkout_reclaim_runs_total",
	Help: "Total number of reclamation runs grouped by task and result.",
}, []string{"task", "result"})

// Expirer освобождает просроченный резерв.
type Expirer interface {
	Expire(ctx context.Context, reservationID string) (domain.StockReservation, error)
}

// SweepResult: итог одного прохода.
type SweepResult struct {
	Expired int
	Failed  int
}

// Sweeper периодически переводит просроченные PENDING-резервы в EXPIRED.
type Sweeper struct {
	reservations domain.ReservationRepository
	expirer      Expirer
	opts         Options
}

// NewSweeper создаёт задачу истечения резервов.
func NewSweeper(reservations domain.ReservationRepository, expirer Expirer, options ...Option) *Sweeper {
	return &Sweeper{
		reservations: reservations,
		expirer:      expirer,
		opts:         buildOptions(defaultSweepInterval, "reclaim-sweeper", options),
	}
}

// Run выполняет проход сразу и затем с периодом interval до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.reservations == nil || s.expirer == nil {
		s.opts.Logger.Warn("reservation sweeper is disabled: dependencies are nil")
		return
	}

	runEvery(ctx, s.opts.Interval, func() {
		result, err := s.SweepOnce(ctx, s.opts.Clock())
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			reclaimRunsTotal.WithLabelValues("sweep", "partial").Inc()
			s.opts.Logger.WithError(err).WithField("failed", result.Failed).Warn("expiry sweep finished with errors")
		default:
			reclaimRunsTotal.WithLabelValues("sweep", "ok").Inc()
		}
		if result.Expired > 0 {
			s.opts.Logger.WithField("expired", result.Expired).Info("expired stale reservations")
		}
	})
}

// SweepOnce истекает все резервы с ExpiresAt <= now. Ошибка по одному резерву
// не прерывает проход; ошибки агрегируются в возвращаемом значении.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (SweepResult, error) {
	var (
		result SweepResult
		errs   *multierror.Error
	)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, err := s.reservations.ListExpired(ctx, now, s.opts.BatchSize)
		if err != nil {
			return result, fmt.Errorf("list expired reservations: %w", err)
		}

		expiredInBatch := 0
		for _, r := range batch {
			if err := s.expireOne(ctx, r); err != nil {
				result.Failed++
				errs = multierror.Append(errs, err)
				continue
			}
			expiredInBatch++
		}
		result.Expired += expiredInBatch

		// Неудачные резервы вернутся в следующей выборке; без прогресса выходим.
		if len(batch) < s.opts.BatchSize || expiredInBatch == 0 {
			break
		}
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordSweep(result.Expired, result.Failed, now)
	}
	return result, errs.ErrorOrNil()
}

func (s *Sweeper) expireOne(ctx context.Context, r domain.StockReservation) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("expire reservation %s: panic: %v", r.ID, recovered)
		}
	}()

	if _, err := s.expirer.Expire(ctx, r.ID); err != nil {
		s.opts.Logger.WithError(err).WithFields(log.Fields{
			"reservation_id": r.ID,
			"product_id":     r.ProductID,
		}).Warn("failed to expire reservation")
		return fmt.Errorf("expire reservation %s: %w", r.ID, err)
	}
	return nil
}
