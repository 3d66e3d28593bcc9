package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
	"github.com/vladislavdragonenkov/checkout/internal/service/reservation"
)

// ErrCheckoutInProgress: отмена пришла раньше, чем завершилось оформление заказа.
// Событие обрабатывается повторно позже.
var ErrCheckoutInProgress = fmt.Errorf("checkout saga still in progress: %w", domain.ErrCollaboratorTemporary)

// SagaStarter создаёт саги по событиям.
type SagaStarter interface {
	Begin(ctx context.Context, sagaType domain.SagaType, businessID string, payload any) (domain.SagaState, bool, error)
}

// SagaSubmitter запускает сагу асинхронно.
type SagaSubmitter interface {
	Submit(sagaID string) (bool, error)
}

// Inventory: операции резервов, вызываемые событиями.
type Inventory interface {
	ReserveForOrder(ctx context.Context, hold reservation.OrderHold) ([]domain.StockReservation, error)
	ConfirmByReference(ctx context.Context, reference string) ([]domain.StockReservation, error)
	CancelByReference(ctx context.Context, reference, reason string) ([]domain.StockReservation, error)
}

// Router разбирает конверты потребляемых событий и вызывает нужную операцию.
// Каждое событие проходит через Guard, поэтому повторная доставка не меняет состояние.
type Router struct {
	guard     *idempotency.Guard
	starter   SagaStarter
	submitter SagaSubmitter
	sagas     domain.SagaRepository
	inventory Inventory
	outbox    domain.OutboxRepository
	logger    *log.Entry
}

// NewRouter создаёт маршрутизатор событий.
func NewRouter(
	guard *idempotency.Guard,
	starter SagaStarter,
	submitter SagaSubmitter,
	sagas domain.SagaRepository,
	inventory Inventory,
	outbox domain.OutboxRepository,
	logger *log.Entry,
) *Router {
	if logger == nil {
		logger = log.WithField("component", "event-router")
	}
	return &Router{
		guard:     guard,
		starter:   starter,
		submitter: submitter,
		sagas:     sagas,
		inventory: inventory,
		outbox:    outbox,
		logger:    logger,
	}
}

// Handle: MessageHandler для Consumer.
func (r *Router) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	env, err := ParseEnvelope(message)
	if err != nil {
		return Permanent(err)
	}
	return r.HandleEnvelope(ctx, env)
}

// HandleEnvelope обрабатывает событие ровно один раз по event_id.
func (r *Router) HandleEnvelope(ctx context.Context, env domain.Envelope) error {
	_, err := r.guard.Handle(ctx, env, func(ctx context.Context) error {
		return r.dispatch(ctx, env)
	})
	if errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		return Permanent(err)
	}
	return err
}

func (r *Router) dispatch(ctx context.Context, env domain.Envelope) error {
	logger := r.logger.WithFields(log.Fields{
		"event_id":   env.EventID,
		"event_type": env.EventType,
		"key":        env.CorrelationKey,
	})

	switch env.EventType {
	case domain.EventOrderCreated:
		var req domain.CheckoutRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		return r.startSaga(ctx, domain.SagaTypeCheckout, req, logger)

	case domain.EventOrderCancelled:
		var req domain.CheckoutRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		if err := r.checkoutSettled(ctx, req.OrderID); err != nil {
			return err
		}
		return r.startSaga(ctx, domain.SagaTypeCancellation, req, logger)

	case domain.EventInventoryReservationRequested:
		var req domain.ReservationRequestedEvent
		if err := decode(env, &req); err != nil {
			return err
		}
		return r.reserve(ctx, req, logger)

	case domain.EventPaymentCompleted:
		var ev domain.PaymentEvent
		if err := decode(env, &ev); err != nil {
			return err
		}
		_, err := r.inventory.ConfirmByReference(ctx, ev.OrderID)
		if errors.Is(err, domain.ErrReservationNotFound) || errors.Is(err, domain.ErrInvalidState) {
			logger.WithError(err).Warn("payment completed but reservations cannot be confirmed")
			return nil
		}
		return err

	case domain.EventPaymentFailed:
		var ev domain.PaymentEvent
		if err := decode(env, &ev); err != nil {
			return err
		}
		reason := "payment failed"
		if ev.Reason != "" {
			reason += ": " + ev.Reason
		}
		_, err := r.inventory.CancelByReference(ctx, ev.OrderID, reason)
		return err

	default:
		logger.Debug("event type is not handled")
		return nil
	}
}

func (r *Router) startSaga(ctx context.Context, sagaType domain.SagaType, req domain.CheckoutRequest, logger *log.Entry) error {
	if req.OrderID == "" {
		return Permanent(domain.ErrBusinessIDRequired)
	}
	state, created, err := r.starter.Begin(ctx, sagaType, req.OrderID, req)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return nil
	}
	if _, err := r.submitter.Submit(state.ID); err != nil {
		return err
	}
	logger.WithFields(log.Fields{
		"saga_id":   state.ID,
		"saga_type": sagaType,
		"created":   created,
	}).Info("saga submitted")
	return nil
}

// checkoutSettled не даёт начать отмену, пока сага оформления того же заказа исполняется.
func (r *Router) checkoutSettled(ctx context.Context, orderID string) error {
	checkout, err := r.sagas.GetByBusinessID(ctx, domain.SagaTypeCheckout, orderID)
	if errors.Is(err, domain.ErrSagaNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !checkout.Status.Terminal() && !checkout.Stuck {
		return ErrCheckoutInProgress
	}
	return nil
}

func (r *Router) reserve(ctx context.Context, req domain.ReservationRequestedEvent, logger *log.Entry) error {
	hold := reservation.OrderHold{
		OrderID:    req.OrderID,
		CustomerID: req.CustomerID,
		Items:      req.Items,
	}
	if req.TTLMinutes != nil {
		ttl := time.Duration(*req.TTLMinutes) * time.Minute
		hold.TTL = &ttl
	}

	_, err := r.inventory.ReserveForOrder(ctx, hold)
	if err == nil {
		return nil
	}
	switch domain.ErrorCode(err) {
	case domain.CodeInsufficientStock, domain.CodeProductNotFound, domain.CodeValidation:
		logger.WithError(err).Info("reservation request rejected")
		return r.emitReservationFailed(req, err)
	default:
		return err
	}
}

func (r *Router) emitReservationFailed(req domain.ReservationRequestedEvent, cause error) error {
	env, err := domain.NewEnvelope(domain.EventInventoryReservationFailed, req.OrderID, domain.ReservationEvent{
		CustomerID: req.CustomerID,
		Reference:  req.OrderID,
		Reason:     domain.ErrorCode(cause) + ": " + cause.Error(),
	})
	if err != nil {
		return err
	}
	msg, err := env.OutboxMessage(domain.TopicInventoryEvents, "reservation")
	if err != nil {
		return err
	}
	_, err = r.outbox.Enqueue(msg)
	return err
}

func decode(env domain.Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", env.EventType, err))
	}
	return nil
}
