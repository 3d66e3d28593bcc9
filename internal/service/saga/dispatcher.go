package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Runner доводит сагу до конечного состояния или остановки.
type Runner interface {
	Run(ctx context.Context, sagaID string) (domain.SagaState, error)
}

// ErrDispatcherClosed — диспетчер остановлен и новые саги не принимает.
var ErrDispatcherClosed = errors.New("saga dispatcher is closed")

// Dispatcher запускает каждую сагу в отдельной горутине.
// Одновременно выполняется не больше maxParallel саг, одна сага не исполняется дважды.
type Dispatcher struct {
	runner Runner
	logger *log.Entry
	sem    chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher создаёт диспетчер.
func NewDispatcher(runner Runner, maxParallel int, logger *log.Entry) *Dispatcher {
	if logger == nil {
		logger = log.WithField("component", "saga-dispatcher")
	}
	if maxParallel <= 0 {
		maxParallel = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		runner:   runner,
		logger:   logger,
		sem:      make(chan struct{}, maxParallel),
		inFlight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit ставит сагу в исполнение. Возвращает false, если сага уже исполняется.
func (d *Dispatcher) Submit(sagaID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false, ErrDispatcherClosed
	}
	if _, ok := d.inFlight[sagaID]; ok {
		return false, nil
	}
	d.inFlight[sagaID] = struct{}{}
	d.wg.Add(1)
	go d.run(sagaID)
	return true, nil
}

// InFlight сообщает, исполняется ли сага.
func (d *Dispatcher) InFlight(sagaID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[sagaID]
	return ok
}

func (d *Dispatcher) run(sagaID string) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, sagaID)
		d.mu.Unlock()
	}()

	select {
	case d.sem <- struct{}{}:
	case <-d.ctx.Done():
		return
	}
	defer func() { <-d.sem }()

	logger := d.logger.WithField("saga_id", sagaID)
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", fmt.Sprint(r)).Error("saga run panicked")
		}
	}()

	started := time.Now()
	state, err := d.runner.Run(d.ctx, sagaID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("saga run interrupted by shutdown")
			return
		}
		logger.WithError(err).Error("saga run failed")
		return
	}
	logger.WithFields(log.Fields{
		"status":   state.Status,
		"stuck":    state.Stuck,
		"duration": time.Since(started),
	}).Debug("saga run finished")
}

// Shutdown перестаёт принимать саги и ждёт завершения текущих.
// Если ctx истекает раньше, исполняющиеся саги прерываются без компенсации.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
