// Package health отдаёт liveness и readiness пробы checkout-сервиса.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Check — результат одной проверки.
type Check struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Response: тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент в пределах ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

// probe: Checker поверх функции ping.
// Ошибка некритичного компонента понижает статус до degraded.
type probe struct {
	name     string
	ping     func(ctx context.Context) error
	critical bool
}

func (p probe) Check(ctx context.Context) Check {
	started := time.Now()
	err := p.ping(ctx)
	check := Check{Name: p.name, Status: StatusHealthy, Duration: time.Since(started)}
	if err == nil {
		return check
	}

	check.Message = err.Error()
	check.Status = StatusDegraded
	if p.critical {
		check.Status = StatusUnhealthy
	}
	return check
}

// NewPingChecker: компонент, без которого сервис не принимает трафик (postgres, хранилище).
func NewPingChecker(name string, ping func(ctx context.Context) error) Checker {
	return probe{name: name, ping: ping, critical: true}
}

// NewOptionalChecker: компонент, без которого сервис деградирует, но работает (kafka).
func NewOptionalChecker(name string, ping func(ctx context.Context) error) Checker {
	return probe{name: name, ping: ping}
}

// NewSimpleChecker: критичная проверка, которой не нужен ctx.
func NewSimpleChecker(name string, fn func() error) Checker {
	return NewPingChecker(name, func(context.Context) error { return fn() })
}

// NewBacklogChecker сообщает degraded, когда старейшая pending-запись outbox старше maxAge.
// Отставание публикации не мешает резервировать товар, поэтому unhealthy не выставляется.
func NewBacklogChecker(name string, stats func() (domain.OutboxStats, error), maxAge time.Duration) Checker {
	return NewOptionalChecker(name, func(context.Context) error {
		s, err := stats()
		if err != nil {
			return err
		}
		if s.PendingCount == 0 || s.OldestPendingAt.IsZero() {
			return nil
		}
		if age := time.Since(s.OldestPendingAt); age > maxAge {
			return fmt.Errorf("%d pending records, oldest is %s old", s.PendingCount, age.Truncate(time.Second))
		}
		return nil
	})
}

// Handler собирает проверки и обслуживает /healthz, /livez и /readyz.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	version  string
	timeout  time.Duration
	started  time.Time
}

func NewHandler(version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		version:  version,
		timeout:  2 * time.Second,
		started:  time.Now(),
	}
}

// RegisterChecker добавляет или заменяет проверку с именем name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	h.checkers[name] = checker
	h.mu.Unlock()
}

func (h *Handler) Mount(mux *http.ServeMux) {
	mux.Handle("/healthz", h)
	mux.HandleFunc("/livez", LivenessHandler)
	mux.HandleFunc("/readyz", h.ReadinessHandler)
}

// Evaluate выполняет все проверки параллельно и возвращает худший статус.
func (h *Handler) Evaluate(ctx context.Context) (map[string]Check, Status) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	checkers := make([]Checker, 0, len(h.checkers))
	for name, c := range h.checkers {
		names = append(names, name)
		checkers = append(checkers, c)
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	checks := make(map[string]Check, len(results))
	for i, check := range results {
		checks[names[i]] = check
		if check.Status.rank() > overall.rank() {
			overall = check.Status
		}
	}
	return checks, overall
}

// ServeHTTP отдаёт подробный отчёт: 503 только при unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks, overall := h.Evaluate(r.Context())

	code := http.StatusOK
	if overall == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{
		Status:        overall,
		Timestamp:     time.Now().UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler: degraded остаётся ready.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if _, overall := h.Evaluate(r.Context()); overall == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
