package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType: тип доменного события в канале событий.
type EventType string

const (
	// Потребляемые события.
	EventOrderCreated                  EventType = "order-created"
	EventOrderCancelled                EventType = "order-cancelled"
	EventInventoryReservationRequested EventType = "inventory-reservation-requested"
	EventPaymentCompleted              EventType = "payment-completed"
	EventPaymentFailed                 EventType = "payment-failed"

	// Публикуемые события.
	EventInventoryReserved          EventType = "inventory-reserved"
	EventInventoryReservationFailed EventType = "inventory-reservation-failed"
	EventInventoryReleased          EventType = "inventory-released"
	EventInventoryConfirmed         EventType = "inventory-confirmed"
	EventReservationExpiringSoon    EventType = "reservation-expiring-soon"

	// События саги.
	EventSagaStarted           EventType = "saga-started"
	EventSagaCompleted         EventType = "saga-completed"
	EventSagaFailed            EventType = "saga-failed"
	EventSagaCompensated       EventType = "saga-compensated"
	EventSagaCompensationStuck EventType = "saga-compensation-stuck"
)

// Топики канала событий.
const (
	TopicOrderEvents       = "checkout.order.events"
	TopicPaymentEvents     = "checkout.payment.events"
	TopicInventoryCommands = "checkout.inventory.commands"
	TopicInventoryEvents   = "checkout.inventory.events"
	TopicSagaEvents        = "checkout.saga.events"
	TopicOperatorQueue     = "checkout.operator"
	TopicDeadLetterQueue   = "checkout.dlq"
)

// Envelope: конверт события. CorrelationKey задаёт порядок и ключ партиции.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      EventType       `json:"event_type"`
	CorrelationKey string          `json:"correlation_key"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload"`
}

// NewEnvelope упаковывает payload в конверт с новым event_id.
func NewEnvelope(eventType EventType, correlationKey string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		CorrelationKey: correlationKey,
		OccurredAt:     time.Now().UTC(),
		Payload:        data,
	}, nil
}

// OutboxMessage превращает конверт в запись outbox для топика.
func (e Envelope) OutboxMessage(topic, aggregateType string) (OutboxMessage, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		ID:            e.EventID,
		Topic:         topic,
		AggregateType: aggregateType,
		AggregateID:   e.CorrelationKey,
		EventType:     string(e.EventType),
		Payload:       data,
	}, nil
}

// ReservationEvent: payload событий inventory-*.
type ReservationEvent struct {
	ReservationID string            `json:"reservation_id,omitempty"`
	ProductID     string            `json:"product_id,omitempty"`
	CustomerID    string            `json:"customer_id,omitempty"`
	Reference     string            `json:"reference,omitempty"`
	Quantity      int64             `json:"quantity,omitempty"`
	Status        ReservationStatus `json:"status,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// ReservationRequestedEvent: payload inventory-reservation-requested.
type ReservationRequestedEvent struct {
	OrderID    string     `json:"order_id"`
	CustomerID string     `json:"customer_id"`
	Items      []LineItem `json:"items"`
	TTLMinutes *int       `json:"ttl_minutes,omitempty"`
}

// PaymentEvent: payload payment-completed / payment-failed.
type PaymentEvent struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SagaEvent: payload событий saga-*.
type SagaEvent struct {
	SagaID     string     `json:"saga_id"`
	SagaType   SagaType   `json:"saga_type"`
	BusinessID string     `json:"business_id"`
	Status     SagaStatus `json:"status"`
	Step       SagaStep   `json:"step,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// DeadLetter — запись в DLQ: исходное сообщение и причина отказа.
// Формат общий для outbox worker, consumer и утилиты повторной отправки.
type DeadLetter struct {
	ID          string    `json:"id"`
	OriginTopic string    `json:"origin_topic"`
	Key         string    `json:"key,omitempty"`
	EventType   string    `json:"event_type,omitempty"`
	Source      string    `json:"source"`
	Payload     []byte    `json:"payload"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	FailedAt    time.Time `json:"failed_at"`
}

// Источники записей DLQ.
const (
	DeadLetterSourceOutbox   = "outbox"
	DeadLetterSourceConsumer = "consumer"
)
