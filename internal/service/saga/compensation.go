package saga

import (
	"context"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Compensation: обратное действие выполненного шага.
type Compensation func(ctx context.Context, sc StepContext) error

// noop: шаг без содержательной отмены.
func noop(context.Context, StepContext) error { return nil }

// Executor: таблица компенсаций. Вызывается только оркестратором при откате.
type Executor struct {
	table   map[domain.SagaStep]Compensation
	policy  RetryPolicy
	timeout time.Duration
	logger  *log.Entry
}

// NewExecutor строит таблицу компенсаций для всех шагов.
func NewExecutor(c Collaborators, policy RetryPolicy, timeout time.Duration, logger *log.Entry) *Executor {
	if logger == nil {
		logger = log.WithField("component", "saga-compensation")
	}
	e := &Executor{policy: policy, timeout: timeout, logger: logger}
	e.table = map[domain.SagaStep]Compensation{
		domain.StepValidateProducts: noop,
		domain.StepReserveInventory: func(ctx context.Context, sc StepContext) error {
			_, err := c.Inventory.CancelByReference(ctx, sc.State.BusinessID, "saga compensation")
			return err
		},
		domain.StepApplyDiscounts: noop,
		domain.StepCreateOrder: func(ctx context.Context, sc StepContext) error {
			ref := sc.State.Output(OutputOrderRef)
			if ref == "" {
				ref = sc.State.BusinessID
			}
			return c.Orders.Cancel(ctx, sc.CompensationKey(domain.StepCreateOrder), ref, compensationReason(sc))
		},
		domain.StepProcessPayment:   refund(c, domain.StepProcessPayment),
		domain.StepAuthorizePayment: refund(c, domain.StepAuthorizePayment),
		// Подтверждённые резервы освобождает компенсация reserve-inventory.
		domain.StepConfirmReservation: noop,
		domain.StepAwardLoyaltyPoints: func(ctx context.Context, sc StepContext) error {
			points, _ := strconv.ParseInt(sc.State.Output(OutputPoints), 10, 64)
			if points <= 0 {
				return nil
			}
			return c.Loyalty.Deduct(ctx, sc.CompensationKey(domain.StepAwardLoyaltyPoints), sc.Request.CustomerID, points)
		},
		domain.StepReleaseReservation:  noop,
		domain.StepRefundPayment:       noop,
		domain.StepRevokeLoyaltyPoints: noop,
		domain.StepCancelOrder:         noop,
	}
	return e
}

func refund(c Collaborators, step domain.SagaStep) Compensation {
	return func(ctx context.Context, sc StepContext) error {
		paymentID := sc.State.Output(OutputPaymentID)
		if paymentID == "" {
			return nil
		}
		amount, _ := strconv.ParseInt(sc.State.Output(OutputAmount), 10, 64)
		return c.Payments.Refund(ctx, sc.CompensationKey(step), paymentID, amount)
	}
}

// Execute выполняет компенсацию шага с политикой повторов и таймаутом.
func (e *Executor) Execute(ctx context.Context, step domain.SagaStep, sc StepContext) error {
	compensate, ok := e.table[step]
	if !ok {
		return fmt.Errorf("no compensation registered for step %q", step)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	logger := e.logger.WithFields(log.Fields{
		"saga_id": sc.State.ID,
		"step":    step,
	})
	return e.policy.Do(ctx, logger, retryCompensation, func(ctx context.Context) error {
		return compensate(ctx, sc)
	})
}

func compensationReason(sc StepContext) string {
	if sc.State.LastError != "" {
		return "saga compensation: " + sc.State.LastError
	}
	return "saga compensation"
}
