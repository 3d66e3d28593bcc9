package saga

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// RecoveryWorker периодически возобновляет незавершённые саги,
// например оставшиеся после перезапуска процесса.
type RecoveryWorker struct {
	sagas      domain.SagaRepository
	dispatcher *Dispatcher
	interval   time.Duration
	batchSize  int
	logger     *log.Entry
}

// NewRecoveryWorker создаёт воркер восстановления.
func NewRecoveryWorker(sagas domain.SagaRepository, dispatcher *Dispatcher, interval time.Duration, logger *log.Entry) *RecoveryWorker {
	if logger == nil {
		logger = log.WithField("component", "saga-recovery")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RecoveryWorker{
		sagas:      sagas,
		dispatcher: dispatcher,
		interval:   interval,
		batchSize:  500,
		logger:     logger,
	}
}

// Run выполняет восстановление сразу и затем по таймеру до отмены ctx.
func (w *RecoveryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.RecoverOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.WithError(err).Warn("saga recovery pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RecoverOnce передаёт диспетчеру незавершённые саги, которые сейчас не исполняются.
func (w *RecoveryWorker) RecoverOnce(ctx context.Context) (int, error) {
	states, err := w.sagas.ListUnfinished(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, state := range states {
		ok, err := w.dispatcher.Submit(state.ID)
		if err != nil {
			return submitted, err
		}
		if ok {
			submitted++
		}
	}
	if submitted > 0 {
		w.logger.WithField("count", submitted).Info("resumed unfinished sagas")
	}
	return submitted, nil
}
