package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
	"github.com/vladislavdragonenkov/checkout/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/checkout/internal/storage/redis"
)

// runtimeDependencies: хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	stock        domain.StockStore
	reservations domain.ReservationRepository
	sagas        domain.SagaRepository
	timeline     domain.TimelineRepository
	outbox       domain.OutboxRepository
	idempotency  domain.IdempotencyRepository

	// storageChecker проверяет основное хранилище для /readyz.
	storageChecker health.Checker
	// checkers: дополнительные проверки по имени (redis).
	checkers map[string]health.Checker
	closeFn  func() error
}

// Close освобождает подключения.
func (d *runtimeDependencies) Close() error {
	if d == nil || d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}

// initRuntimeDependencies собирает хранилища: memory или postgres, плюс redis для ключей идемпотентности.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	var (
		deps *runtimeDependencies
		err  error
	)
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		deps = initMemoryStorage()
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		deps, err = initPostgresStorage(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if len(splitList(cfg.RedisAddr)) == 0 {
		return deps, nil
	}

	client, err := redisstore.Open(ctx, redisstore.Config{
		Addrs:    redisstore.ParseAddrs(cfg.RedisAddr),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		closeErr := deps.Close()
		return nil, errors.Join(fmt.Errorf("open redis: %w", err), closeErr)
	}
	deps.idempotency = redisstore.NewIdempotencyRepository(client)
	deps.checkers["redis"] = health.NewPingChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	deps.closeFn = chainClose(deps.closeFn, client.Close)
	logger.WithField("addrs", cfg.RedisAddr).Info("idempotency keys stored in redis")
	return deps, nil
}

func initMemoryStorage() *runtimeDependencies {
	outbox := memory.NewOutboxRepository()
	stock := memory.NewStockStore(outbox)
	return &runtimeDependencies{
		stock:          stock,
		reservations:   stock,
		sagas:          memory.NewSagaRepository(),
		timeline:       memory.NewTimelineRepository(),
		outbox:         outbox,
		idempotency:    memory.NewIdempotencyRepository(),
		storageChecker: health.NewSimpleChecker("storage", func() error { return nil }),
		checkers:       make(map[string]health.Checker),
		closeFn:        func() error { return nil },
	}
}

func initPostgresStorage(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	store, err := postgres.Open(ctx, cfg.PostgresDSN,
		postgres.WithMaxOpenConns(cfg.PostgresMaxConns),
		postgres.WithStatementTimeout(cfg.PostgresStatementTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.PostgresAutoMigrate {
		if err := store.Migrator().Up(ctx, 0); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	stock := postgres.NewStockStore(store)
	logger.Info("using postgres storage")
	return &runtimeDependencies{
		stock:          stock,
		reservations:   stock,
		sagas:          postgres.NewSagaRepository(store),
		timeline:       postgres.NewTimelineRepository(store),
		outbox:         postgres.NewOutboxRepository(store),
		idempotency:    postgres.NewIdempotencyRepository(store),
		storageChecker: health.NewPingChecker("storage", store.Ping),
		checkers:       make(map[string]health.Checker),
		closeFn:        store.Close,
	}, nil
}

// chainClose закрывает ресурсы в обратном порядке и собирает все ошибки.
func chainClose(first, next func() error) func() error {
	return func() error {
		var result *multierror.Error
		if next != nil {
			if err := next(); err != nil && !errors.Is(err, goredis.ErrClosed) {
				result = multierror.Append(result, err)
			}
		}
		if first != nil {
			if err := first(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	}
}
