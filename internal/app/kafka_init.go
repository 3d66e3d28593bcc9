package app

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer, если брокеры заданы. Пустой список даёт nil, nil.
func initKafkaProducer(cfg KafkaConfig, logger *log.Entry) (*kafka.Producer, error) {
	brokers := cfg.BrokerList()
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// initKafkaConsumer подписывает router на потребляемые топики.
func initKafkaConsumer(cfg KafkaConfig, router *kafka.Router, producer *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	brokers := cfg.BrokerList()
	if len(brokers) == 0 || router == nil {
		return nil, nil
	}

	opts := []kafka.ConsumerOption{kafka.WithConsumerLogger(logger.WithField("component", "kafka-consumer"))}
	if producer != nil {
		opts = append(opts, kafka.WithDLQ(producer))
	}
	return kafka.NewConsumer(brokers, cfg.GroupID, kafka.ConsumedTopics(), router.Handle, opts...)
}

// closeKafka закрывает producer, если он создан.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// kafkaChecker сообщает о состоянии канала событий. Kafka необязателен, поэтому сбой даёт degraded.
func kafkaChecker(producer *kafka.Producer) health.Checker {
	return health.NewOptionalChecker("kafka", func(context.Context) error {
		if producer == nil {
			return errKafkaDisabled
		}
		return nil
	})
}

var errKafkaDisabled = errors.New("kafka is not configured")

// logPublisher заменяет Kafka в локальном режиме: события outbox только пишутся в лог.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(msg domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"topic":      msg.Topic,
		"event_type": msg.EventType,
		"event_id":   msg.ID,
		"key":        msg.AggregateID,
	}).Debug("outbox event (kafka disabled)")
	return nil
}

var _ domain.OutboxPublisher = logPublisher{}
