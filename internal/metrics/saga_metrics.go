package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики оркестратора саг.
type SagaMetrics struct {
	// Счётчики исходов по типу саги
	sagaStarted     *prometheus.CounterVec
	sagaCompleted   *prometheus.CounterVec
	sagaFailed      *prometheus.CounterVec
	sagaCompensated *prometheus.CounterVec
	sagaStuck       *prometheus.CounterVec

	// Гистограммы времени выполнения
	sagaDuration *prometheus.HistogramVec
	stepDuration *prometheus.HistogramVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	// Gauge для активных саг
	activeSagas prometheus.Gauge
}

// NewSagaMetrics создаёт метрики в DefaultRegisterer.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики в переданном registerer (изолированные тесты).
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		sagaStarted: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_saga_started_total",
			Help: "Total number of sagas started",
		}, []string{"type"})),
		sagaCompleted: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_saga_completed_total",
			Help: "Total number of sagas completed successfully",
		}, []string{"type"})),
		sagaFailed: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_saga_failed_total",
			Help: "Total number of sagas that hit a failing step",
		}, []string{"type", "step"})),
		sagaCompensated: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_saga_compensated_total",
			Help: "Total number of sagas fully compensated",
		}, []string{"type"})),
		sagaStuck: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_saga_stuck_total",
			Help: "Total number of sagas handed over to the operator queue",
		}, []string{"type"})),
		sagaDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkout_saga_duration_seconds",
			Help:    "Duration of saga runs in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"})),
		stepDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkout_saga_step_duration_seconds",
			Help:    "Duration of individual saga steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"step", "result"})),
		timelineEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_saga_timeline_events_total",
			Help: "Total number of saga timeline events recorded",
		})),
		outboxEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_saga_outbox_events_total",
			Help: "Total number of saga events enqueued to outbox",
		})),
		activeSagas: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "checkout_saga_active",
			Help: "Number of saga runs currently in flight",
		})),
	}
}

// RecordSagaStarted увеличивает счётчик запущенных саг.
func (m *SagaMetrics) RecordSagaStarted(sagaType string) {
	m.sagaStarted.WithLabelValues(sagaType).Inc()
}

// RecordSagaCompleted увеличивает счётчик завершённых саг.
func (m *SagaMetrics) RecordSagaCompleted(sagaType string) {
	m.sagaCompleted.WithLabelValues(sagaType).Inc()
}

// RecordSagaFailed фиксирует шаг, на котором сага перешла к компенсации.
func (m *SagaMetrics) RecordSagaFailed(sagaType, step string) {
	m.sagaFailed.WithLabelValues(sagaType, step).Inc()
}

// RecordSagaCompensated увеличивает счётчик полностью компенсированных саг.
func (m *SagaMetrics) RecordSagaCompensated(sagaType string) {
	m.sagaCompensated.WithLabelValues(sagaType).Inc()
}

// RecordSagaStuck увеличивает счётчик саг, переданных оператору.
func (m *SagaMetrics) RecordSagaStuck(sagaType string) {
	m.sagaStuck.WithLabelValues(sagaType).Inc()
}

// RecordSagaInFlightStarted увеличивает количество активных прогонов.
func (m *SagaMetrics) RecordSagaInFlightStarted() {
	m.activeSagas.Inc()
}

// RecordSagaInFlightFinished уменьшает количество активных прогонов.
func (m *SagaMetrics) RecordSagaInFlightFinished() {
	m.activeSagas.Dec()
}

// RecordSagaDuration записывает время прогона саги.
func (m *SagaMetrics) RecordSagaDuration(sagaType string, duration time.Duration) {
	m.sagaDuration.WithLabelValues(sagaType).Observe(duration.Seconds())
}

// RecordStepDuration записывает время выполнения шага (result: ok, failed, timeout, compensated).
func (m *SagaMetrics) RecordStepDuration(step, result string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step, result).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *SagaMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *SagaMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
