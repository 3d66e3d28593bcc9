package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := gauge.Write(metric); err != nil {
		t.Fatalf("failed to write gauge: %v", err)
	}
	return metric.Gauge.GetValue()
}

func TestNewSagaMetrics(t *testing.T) {
	metrics := NewSagaMetricsWithRegisterer(prometheus.NewRegistry())

	if metrics.sagaStarted == nil || metrics.sagaCompleted == nil || metrics.sagaFailed == nil {
		t.Fatal("outcome counters should not be nil")
	}
	if metrics.sagaCompensated == nil || metrics.sagaStuck == nil {
		t.Fatal("compensation counters should not be nil")
	}
	if metrics.sagaDuration == nil || metrics.stepDuration == nil {
		t.Fatal("histograms should not be nil")
	}
	if metrics.activeSagas == nil {
		t.Fatal("activeSagas gauge should not be nil")
	}
}

func TestSagaMetrics_ReRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewSagaMetricsWithRegisterer(reg)
	second := NewSagaMetricsWithRegisterer(reg)

	first.RecordSagaStarted("CHECKOUT")
	second.RecordSagaStarted("CHECKOUT")

	if got := counterValue(t, first.sagaStarted, "CHECKOUT"); got != 2 {
		t.Fatalf("expected shared counter value 2, got %f", got)
	}
}

func TestSagaMetrics_Outcomes(t *testing.T) {
	metrics := NewSagaMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordSagaStarted("CHECKOUT")
	metrics.RecordSagaFailed("CHECKOUT", "process-payment")
	metrics.RecordSagaCompensated("CHECKOUT")
	metrics.RecordSagaStuck("AUTHORIZATION")
	metrics.RecordSagaCompleted("CANCELLATION")

	cases := []struct {
		name   string
		vec    *prometheus.CounterVec
		labels []string
	}{
		{"started", metrics.sagaStarted, []string{"CHECKOUT"}},
		{"failed", metrics.sagaFailed, []string{"CHECKOUT", "process-payment"}},
		{"compensated", metrics.sagaCompensated, []string{"CHECKOUT"}},
		{"stuck", metrics.sagaStuck, []string{"AUTHORIZATION"}},
		{"completed", metrics.sagaCompleted, []string{"CANCELLATION"}},
	}
	for _, tc := range cases {
		if got := counterValue(t, tc.vec, tc.labels...); got != 1 {
			t.Errorf("%s: expected 1, got %f", tc.name, got)
		}
	}
}

func TestSagaMetrics_InFlight(t *testing.T) {
	metrics := NewSagaMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordSagaInFlightStarted()
	metrics.RecordSagaInFlightStarted()
	metrics.RecordSagaInFlightFinished()

	if got := gaugeValue(t, metrics.activeSagas); got != 1 {
		t.Fatalf("expected 1 active saga, got %f", got)
	}
}

func TestSagaMetrics_Durations(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewSagaMetricsWithRegisterer(reg)

	metrics.RecordSagaDuration("CHECKOUT", 150*time.Millisecond)
	metrics.RecordStepDuration("reserve-inventory", "ok", 5*time.Millisecond)
	metrics.RecordStepDuration("process-payment", "timeout", 10*time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	counts := map[string]uint64{}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			if h := m.GetHistogram(); h != nil {
				counts[family.GetName()] += h.GetSampleCount()
			}
		}
	}
	if counts["checkout_saga_duration_seconds"] != 1 {
		t.Errorf("expected 1 saga duration sample, got %d", counts["checkout_saga_duration_seconds"])
	}
	if counts["checkout_saga_step_duration_seconds"] != 2 {
		t.Errorf("expected 2 step duration samples, got %d", counts["checkout_saga_step_duration_seconds"])
	}
}

func TestReservationMetrics(t *testing.T) {
	metrics := NewReservationMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordOperation("reserve", "ok")
	metrics.RecordOperation("reserve", "INSUFFICIENT_STOCK")
	metrics.RecordOperation("reserve", "ok")

	if got := counterValue(t, metrics.operations, "reserve", "ok"); got != 2 {
		t.Fatalf("expected 2 ok reserves, got %f", got)
	}

	at := time.Unix(1700000000, 0)
	metrics.RecordSweep(3, 1, at)
	metrics.RecordWarnings(4)

	if got := gaugeValue(t, metrics.lastSweep); got != float64(at.Unix()) {
		t.Fatalf("unexpected last sweep %f", got)
	}

	metric := &dto.Metric{}
	if err := metrics.expired.Write(metric); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if metric.Counter.GetValue() != 3 {
		t.Fatalf("expected 3 expired, got %f", metric.Counter.GetValue())
	}
	metric = &dto.Metric{}
	if err := metrics.warnings.Write(metric); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if metric.Counter.GetValue() != 4 {
		t.Fatalf("expected 4 warnings, got %f", metric.Counter.GetValue())
	}
}

func TestRegister_PanicsOnTypeConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	register(reg, prometheus.NewCounter(prometheus.CounterOpts{Name: "checkout_conflict_total", Help: "conflict"}))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for a gauge registered over a counter")
		}
	}()
	register(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: "checkout_conflict_total", Help: "conflict"}))
}
