package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Заголовки сообщений.
const (
	HeaderEventID       = "x-event-id"
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
)

// ConsumedTopics: топики, которые слушает сервис.
func ConsumedTopics() []string {
	return []string{
		domain.TopicOrderEvents,
		domain.TopicPaymentEvents,
		domain.TopicInventoryCommands,
	}
}

// ParseEnvelope разбирает конверт события из сообщения.
func ParseEnvelope(message *sarama.ConsumerMessage) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal(message.Value, &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.EventID == "" || env.EventType == "" {
		return domain.Envelope{}, fmt.Errorf("envelope without event_id or event_type")
	}
	return env, nil
}

// ParseDeadLetter разбирает запись DLQ.
func ParseDeadLetter(message *sarama.ConsumerMessage) (domain.DeadLetter, error) {
	var letter domain.DeadLetter
	if err := json.Unmarshal(message.Value, &letter); err != nil {
		return domain.DeadLetter{}, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	if letter.OriginTopic == "" {
		return domain.DeadLetter{}, fmt.Errorf("dead letter without origin topic")
	}
	return letter, nil
}

func header(message *sarama.ConsumerMessage, key string) string {
	for _, h := range message.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}
