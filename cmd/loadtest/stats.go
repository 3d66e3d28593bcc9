package main

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

type sample struct {
	took    time.Duration
	outcome string
	ok      bool
}

// recorder копит замеры сценариев целиком и отдельных запросов.
type recorder struct {
	mu        sync.Mutex
	scenarios []sample
	steps     map[string][]sample
}

func newRecorder() *recorder {
	return &recorder{steps: make(map[string][]sample)}
}

func (r *recorder) finish(took time.Duration, outcome string, ok bool) {
	r.mu.Lock()
	r.scenarios = append(r.scenarios, sample{took: took, outcome: outcome, ok: ok})
	r.mu.Unlock()
}

func (r *recorder) observe(step string, took time.Duration, outcome string, ok bool) {
	r.mu.Lock()
	r.steps[step] = append(r.steps[step], sample{took: took, outcome: outcome, ok: ok})
	r.mu.Unlock()
}

type totals struct {
	Total     int64   `json:"total"`
	OK        int64   `json:"ok"`
	Failed    int64   `json:"failed"`
	ErrorRate float64 `json:"error_rate"`
}

// latency в миллисекундах.
type latency struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	P99  float64 `json:"p99"`
	Max  float64 `json:"max"`
}

func (l latency) String() string {
	return fmt.Sprintf("min=%.2f mean=%.2f p50=%.2f p90=%.2f p99=%.2f max=%.2f",
		l.Min, l.Mean, l.P50, l.P90, l.P99, l.Max)
}

type stepSummary struct {
	totals
	Outcomes  map[string]int64 `json:"outcomes"`
	LatencyMs latency          `json:"latency_ms"`
}

type summary struct {
	StartedAt      time.Time              `json:"started_at"`
	ElapsedSeconds float64                `json:"elapsed_seconds"`
	Throughput     float64                `json:"scenarios_per_second"`
	Scenarios      stepSummary            `json:"scenarios"`
	Steps          map[string]stepSummary `json:"steps"`
	Stock          *verification          `json:"stock,omitempty"`
}

func (r *recorder) summarize(started time.Time, elapsed time.Duration) summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := summary{
		StartedAt:      started.UTC(),
		ElapsedSeconds: elapsed.Seconds(),
		Scenarios:      aggregate(r.scenarios),
		Steps:          make(map[string]stepSummary, len(r.steps)),
	}
	if elapsed > 0 {
		s.Throughput = float64(s.Scenarios.Total) / elapsed.Seconds()
	}
	for name, samples := range r.steps {
		s.Steps[name] = aggregate(samples)
	}
	return s
}

func aggregate(samples []sample) stepSummary {
	out := stepSummary{Outcomes: make(map[string]int64)}
	took := make([]time.Duration, 0, len(samples))
	for _, smp := range samples {
		out.Total++
		if smp.ok {
			out.OK++
		} else {
			out.Failed++
		}
		out.Outcomes[smp.outcome]++
		took = append(took, smp.took)
	}
	if out.Total > 0 {
		out.ErrorRate = float64(out.Failed) / float64(out.Total)
	}
	out.LatencyMs = distribution(took)
	return out
}

// distribution сортирует took на месте.
func distribution(took []time.Duration) latency {
	if len(took) == 0 {
		return latency{}
	}
	slices.Sort(took)

	var sum time.Duration
	for _, d := range took {
		sum += d
	}
	return latency{
		Min:  millis(took[0]),
		Mean: millis(sum / time.Duration(len(took))),
		P50:  millis(quantile(took, 0.50)),
		P90:  millis(quantile(took, 0.90)),
		P99:  millis(quantile(took, 0.99)),
		Max:  millis(took[len(took)-1]),
	}
}

// quantile по методу ближайшего ранга, sorted отсортирован по возрастанию.
func quantile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[min(max(rank, 0), len(sorted)-1)]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
