package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const applicationName = "checkout-service"

var errStoreClosed = errors.New("postgres store is not initialized")

// PoolOptions: параметры пула соединений.
type PoolOptions struct {
	MaxOpen      int
	MaxIdle      int
	MaxLifetime  time.Duration
	MaxIdleTime  time.Duration
	PingTimeout  time.Duration
	StatementTTL time.Duration
}

// DefaultPoolOptions рассчитаны на один инстанс сервиса и sweeper в нём же.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxOpen:      20,
		MaxIdle:      10,
		MaxLifetime:  30 * time.Minute,
		MaxIdleTime:  5 * time.Minute,
		PingTimeout:  5 * time.Second,
		StatementTTL: 15 * time.Second,
	}
}

// Option меняет PoolOptions при открытии.
type Option func(*PoolOptions)

// WithMaxOpenConns ограничивает число открытых соединений.
func WithMaxOpenConns(n int) Option {
	return func(o *PoolOptions) {
		if n > 0 {
			o.MaxOpen = n
			if o.MaxIdle > n {
				o.MaxIdle = n
			}
		}
	}
}

// WithStatementTimeout задаёт statement_timeout сессии.
func WithStatementTimeout(d time.Duration) Option {
	return func(o *PoolOptions) {
		if d > 0 {
			o.StatementTTL = d
		}
	}
}

// Store держит пул соединений checkout-базы: остатки, резервы, саги, outbox.
type Store struct {
	db   *sql.DB
	opts PoolOptions
}

// Open разбирает DSN средствами pgx, открывает пул и проверяет доступность базы.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	options := DefaultPoolOptions()
	for _, opt := range opts {
		opt(&options)
	}

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = make(map[string]string)
	}
	if _, ok := connCfg.RuntimeParams["application_name"]; !ok {
		connCfg.RuntimeParams["application_name"] = applicationName
	}
	connCfg.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", options.StatementTTL.Milliseconds())

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(options.MaxOpen)
	db.SetMaxIdleConns(options.MaxIdle)
	db.SetConnMaxLifetime(options.MaxLifetime)
	db.SetConnMaxIdleTime(options.MaxIdleTime)

	store := &Store{db: db, opts: options}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// DB нужен репозиториям пакета и тестам.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping используется health-чекером хранилища.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreClosed
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.opts.PingTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// Close закрывает пул. Повторный вызов безопасен.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
