package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReservationMetrics содержит метрики резервов и планировщика истечения.
type ReservationMetrics struct {
	operations  *prometheus.CounterVec
	expired     prometheus.Counter
	warnings    prometheus.Counter
	sweepErrors prometheus.Counter
	lastSweep   prometheus.Gauge
}

// NewReservationMetrics создаёт метрики в DefaultRegisterer.
func NewReservationMetrics() *ReservationMetrics {
	return NewReservationMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewReservationMetricsWithRegisterer создаёт метрики в переданном registerer.
func NewReservationMetricsWithRegisterer(registerer prometheus.Registerer) *ReservationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ReservationMetrics{
		operations: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_reservation_operations_total",
			Help: "Reservation manager operations by operation and result code",
		}, []string{"op", "result"})),
		expired: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_reservation_sweep_expired_total",
			Help: "Total number of reservations expired by the sweeper",
		})),
		warnings: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_reservation_expiry_warnings_total",
			Help: "Total number of near-expiry warnings emitted",
		})),
		sweepErrors: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_reservation_sweep_errors_total",
			Help: "Total number of per-reservation sweep failures",
		})),
		lastSweep: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "checkout_reservation_last_sweep_timestamp_seconds",
			Help: "Unix time of the last completed expiry sweep",
		})),
	}
}

// RecordOperation учитывает вызов менеджера резервов; result: код ошибки или "ok".
func (m *ReservationMetrics) RecordOperation(op, result string) {
	m.operations.WithLabelValues(op, result).Inc()
}

// RecordSweep фиксирует итог прохода планировщика.
func (m *ReservationMetrics) RecordSweep(expired, failed int, at time.Time) {
	m.expired.Add(float64(expired))
	m.sweepErrors.Add(float64(failed))
	m.lastSweep.Set(float64(at.Unix()))
}

// RecordWarnings учитывает отправленные предупреждения.
func (m *ReservationMetrics) RecordWarnings(count int) {
	m.warnings.Add(float64(count))
}
