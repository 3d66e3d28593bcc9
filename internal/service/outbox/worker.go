// Package outbox доставляет записи transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

var (
	publishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_outbox_publish_attempts_total",
		Help: "Outbox publish attempts by topic and result.",
	}, []string{"topic", "result"})
	backlogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_outbox_pending_records",
		Help: "Pending records in the transactional outbox.",
	})
	backlogAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending outbox record.",
	})
)

// Settings: параметры опроса и доставки.
type Settings struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	// Parallelism ограничивает число агрегатов, доставляемых одновременно.
	Parallelism int
}

// DefaultSettings подходят для одного инстанса сервиса.
func DefaultSettings() Settings {
	return Settings{
		PollInterval:   time.Second,
		BatchSize:      100,
		MaxAttempts:    3,
		RetryBaseDelay: 50 * time.Millisecond,
		Parallelism:    4,
	}
}

func (s Settings) normalized() Settings {
	def := DefaultSettings()
	if s.PollInterval <= 0 {
		s.PollInterval = def.PollInterval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = def.BatchSize
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = def.MaxAttempts
	}
	if s.RetryBaseDelay < 0 {
		s.RetryBaseDelay = 0
	}
	if s.Parallelism <= 0 {
		s.Parallelism = 1
	}
	return s
}

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDeadLetters включает перенос в DLQ после исчерпания попыток.
// Без него недоставленная запись остаётся pending.
func WithDeadLetters(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.deadLetters = publisher }
}

// Worker публикует pending-записи outbox.
// Записи одного агрегата уходят строго по порядку seq; разные агрегаты доставляются параллельно.
type Worker struct {
	repo        domain.OutboxRepository
	publisher   domain.OutboxPublisher
	deadLetters domain.OutboxPublisher
	logger      *log.Entry
	settings    Settings
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, settings Settings, opts ...Option) *Worker {
	w := &Worker{
		repo:      repo,
		publisher: publisher,
		logger:    log.WithField("component", "outbox-worker"),
		settings:  settings.normalized(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: no repository or publisher")
		return
	}

	ticker := time.NewTicker(w.settings.PollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce доставляет один батч и возвращает число записей, помеченных sent.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	w.observeBacklog()

	batch, err := w.repo.PullPending(w.settings.BatchSize)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending outbox records")
		return 0
	}
	if len(batch) == 0 {
		return 0
	}

	var (
		sent atomic.Int64
		g    errgroup.Group
	)
	g.SetLimit(w.settings.Parallelism)
	for _, stream := range streams(batch) {
		g.Go(func() error {
			sent.Add(int64(w.drain(ctx, stream)))
			return nil
		})
	}
	_ = g.Wait()

	w.observeBacklog()
	return int(sent.Load())
}

// streams делит батч на очереди по агрегату, сохраняя порядок внутри очереди.
// Запись без AggregateID образует отдельную очередь.
func streams(batch []domain.OutboxMessage) [][]domain.OutboxMessage {
	var (
		out   [][]domain.OutboxMessage
		index = make(map[string]int)
	)
	for _, msg := range batch {
		if msg.AggregateID == "" {
			out = append(out, []domain.OutboxMessage{msg})
			continue
		}
		i, ok := index[msg.AggregateID]
		if !ok {
			i = len(out)
			index[msg.AggregateID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], msg)
	}
	return out
}

type outcome int

const (
	delivered outcome = iota
	deadLettered
	// запись осталась pending, хвост очереди ждёт следующего цикла
	deferred
	// опубликована, но отметка sent не записалась
	unmarked
)

func (w *Worker) drain(ctx context.Context, stream []domain.OutboxMessage) int {
	sent := 0
	for _, msg := range stream {
		if ctx.Err() != nil {
			return sent
		}
		switch w.deliver(ctx, msg) {
		case delivered:
			sent++
		case deferred:
			return sent
		}
	}
	return sent
}

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) outcome {
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":    msg.ID,
		"event_type":   msg.EventType,
		"topic":        msg.Topic,
		"aggregate_id": msg.AggregateID,
	})

	publishErr := w.publish(ctx, msg)
	if publishErr == nil {
		if err := w.repo.MarkSent(msg.ID); err != nil {
			logger.WithError(err).Warn("mark outbox record sent")
			return unmarked
		}
		return delivered
	}
	if ctx.Err() != nil {
		return deferred
	}

	logger.WithError(publishErr).Error("outbox record not delivered")
	publishResults.WithLabelValues(msg.Topic, "failed").Inc()
	if w.deadLetters == nil {
		return deferred
	}
	if err := w.toDeadLetters(msg, publishErr); err != nil {
		logger.WithError(err).Warn("move outbox record to dlq")
		publishResults.WithLabelValues(msg.Topic, "dlq_failed").Inc()
		return deferred
	}
	if err := w.repo.MarkFailed(msg.ID); err != nil {
		logger.WithError(err).Warn("mark outbox record failed")
	}
	return deadLettered
}

// publish повторяет отправку с экспоненциальной задержкой.
func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) error {
	err := retry.Do(
		func() error {
			if err := w.publisher.Publish(msg); err != nil {
				publishResults.WithLabelValues(msg.Topic, "retry_error").Inc()
				return err
			}
			publishResults.WithLabelValues(msg.Topic, "sent").Inc()
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(w.settings.MaxAttempts)),
		retry.Delay(w.settings.RetryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("%d attempts: %w", w.settings.MaxAttempts, err)
	}
	return nil
}

// toDeadLetters кладёт в DLQ запись в формате, который читает dlq-reprocess.
func (w *Worker) toDeadLetters(msg domain.OutboxMessage, cause error) error {
	letter := domain.DeadLetter{
		ID:          msg.ID,
		OriginTopic: msg.Topic,
		Key:         msg.AggregateID,
		EventType:   msg.EventType,
		Source:      domain.DeadLetterSourceOutbox,
		Payload:     msg.Payload,
		Error:       cause.Error(),
		Attempts:    w.settings.MaxAttempts,
		FailedAt:    time.Now().UTC(),
	}
	if letter.OriginTopic == "" {
		letter.OriginTopic = domain.TopicInventoryEvents
	}
	raw, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	return w.deadLetters.Publish(domain.OutboxMessage{
		ID:            msg.ID,
		Topic:         domain.TopicDeadLetterQueue,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       raw,
	})
}

func (w *Worker) observeBacklog() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("outbox backlog stats")
		return
	}
	backlogSize.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		backlogAge.Set(0)
		return
	}
	backlogAge.Set(max(0, time.Since(stats.OldestPendingAt).Seconds()))
}
