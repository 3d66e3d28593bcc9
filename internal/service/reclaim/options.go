package reclaim

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	defaultSweepInterval = 60 * time.Second
	defaultWarnInterval  = 5 * time.Minute
	defaultWarnWindow    = 10 * time.Minute
	defaultBatchSize     = 200
)

// Clock возвращает текущее время; подменяется в тестах.
type Clock func() time.Time

// Options задаёт параметры задач планировщика.
type Options struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	Window    time.Duration
	Clock     Clock
	Metrics   *metrics.ReservationMetrics
}

// Option настраивает Sweeper и Warner.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithInterval задаёт период запуска.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithBatchSize задаёт размер выборки за один запрос к хранилищу.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) {
		opts.BatchSize = batchSize
	}
}

// WithWindow задаёт окно предупреждения до истечения (только для Warner).
func WithWindow(window time.Duration) Option {
	return func(opts *Options) {
		opts.Window = window
	}
}

// WithClock подменяет источник времени.
func WithClock(clock Clock) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// WithMetrics включает метрики резервов.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

func buildOptions(defaultInterval time.Duration, component string, options []Option) Options {
	opts := Options{
		Interval:  defaultInterval,
		BatchSize: defaultBatchSize,
		Window:    defaultWarnWindow,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", component)
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Window <= 0 {
		opts.Window = defaultWarnWindow
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return opts
}

// runEvery вызывает fn сразу и затем по тикеру до отмены ctx.
func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	fn()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
