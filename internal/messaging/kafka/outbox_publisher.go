package kafka

import (
	"fmt"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// OutboxPublisher отправляет сообщения outbox в топик, указанный в самом сообщении.
type OutboxPublisher struct {
	producer     *Producer
	defaultTopic string
}

// NewOutboxPublisher создаёт паблишер. defaultTopic используется для сообщений без топика.
func NewOutboxPublisher(producer *Producer, defaultTopic string) *OutboxPublisher {
	if defaultTopic == "" {
		defaultTopic = domain.TopicInventoryEvents
	}
	return &OutboxPublisher{producer: producer, defaultTopic: defaultTopic}
}

// Publish отправляет payload без перекодирования: это уже сериализованный конверт.
func (p *OutboxPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	topic := msg.Topic
	if topic == "" {
		topic = p.defaultTopic
	}
	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}

	return p.producer.Send(topic, key, msg.Payload, map[string]string{
		HeaderEventID:   msg.ID,
		HeaderEventType: msg.EventType,
	})
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
