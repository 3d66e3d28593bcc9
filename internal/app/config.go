package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix: префикс переменных окружения сервиса.
	EnvPrefix = "CHECKOUT"
	// ConfigFileEnv указывает путь к необязательному файлу конфигурации.
	ConfigFileEnv = "CHECKOUT_CONFIG"
	// DotEnvFile загружается в окружение, если существует.
	DotEnvFile = ".env"
)

// Поддерживаемые хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config: настройки запуска сервиса.
type Config struct {
	ServiceName     string        `mapstructure:"service_name"`
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	StorageDriver            string        `mapstructure:"storage_driver"`
	PostgresDSN              string        `mapstructure:"postgres_dsn"`
	PostgresAutoMigrate      bool          `mapstructure:"postgres_auto_migrate"`
	PostgresMaxConns         int           `mapstructure:"postgres_max_conns"`
	PostgresStatementTimeout time.Duration `mapstructure:"postgres_statement_timeout"`

	// RedisAddr: список адресов через запятую. Пустое значение оставляет ключи идемпотентности в основном хранилище.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Reservation   ReservationConfig   `mapstructure:"reservation"`
	Reclaim       ReclaimConfig       `mapstructure:"reclaim"`
	Saga          SagaConfig          `mapstructure:"saga"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Log           LogConfig           `mapstructure:"log"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency"`
	Outbox        OutboxConfig        `mapstructure:"outbox"`
}

// KafkaConfig: канал событий. Пустой Brokers отключает Kafka.
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	GroupID string `mapstructure:"group_id"`
}

// ReservationConfig — параметры менеджера резервов.
type ReservationConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// ReclaimConfig: параметры планировщика истечения.
type ReclaimConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	WarnInterval  time.Duration `mapstructure:"warn_interval"`
	WarnWindow    time.Duration `mapstructure:"warn_window"`
	BatchSize     int           `mapstructure:"batch_size"`
}

// SagaConfig: параметры оркестратора.
type SagaConfig struct {
	StepTimeout      time.Duration   `mapstructure:"step_timeout"`
	Retry            SagaRetryConfig `mapstructure:"retry"`
	MaxParallel      int             `mapstructure:"max_parallel"`
	RecoveryInterval time.Duration   `mapstructure:"recovery_interval"`
	BreakerFailures  int             `mapstructure:"breaker_failures"`
	BreakerReset     time.Duration   `mapstructure:"breaker_reset"`
}

// SagaRetryConfig: повторы шагов и компенсаций.
type SagaRetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// CollaboratorsConfig: адреса внешних сервисов. Пустой адрес заменяется in-process моком.
type CollaboratorsConfig struct {
	PaymentURL  string        `mapstructure:"payment_url"`
	OrderURL    string        `mapstructure:"order_url"`
	LoyaltyURL  string        `mapstructure:"loyalty_url"`
	CatalogURL  string        `mapstructure:"catalog_url"`
	DiscountURL string        `mapstructure:"discount_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// TracingConfig: экспорт трейсов. Пустой Endpoint отключает экспорт.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// LogConfig: уровень и формат логов.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IdempotencyConfig — хранение ключей идемпотентности.
type IdempotencyConfig struct {
	TTL              time.Duration `mapstructure:"ttl"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	CleanupBatchSize int           `mapstructure:"cleanup_batch_size"`
}

// OutboxConfig: публикация transactional outbox.
type OutboxConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	Parallelism    int           `mapstructure:"parallelism"` // агрегатов публикуется одновременно
}

// DefaultConfig возвращает настройки для локального запуска без внешней инфраструктуры.
func DefaultConfig() Config {
	return Config{
		ServiceName:     "checkout-service",
		HTTPAddr:        ":8080",
		GRPCAddr:        ":50051",
		MetricsAddr:     ":9090",
		ShutdownTimeout: 10 * time.Second,
		StorageDriver:   StorageDriverMemory,

		PostgresMaxConns:         20,
		PostgresStatementTimeout: 15 * time.Second,
		Kafka: KafkaConfig{
			GroupID: "checkout-service",
		},
		Reservation: ReservationConfig{
			DefaultTTL: 15 * time.Minute,
		},
		Reclaim: ReclaimConfig{
			SweepInterval: time.Minute,
			WarnInterval:  5 * time.Minute,
			WarnWindow:    10 * time.Minute,
			BatchSize:     200,
		},
		Saga: SagaConfig{
			StepTimeout: 10 * time.Second,
			Retry: SagaRetryConfig{
				MaxAttempts:  3,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     2 * time.Second,
			},
			MaxParallel:      64,
			RecoveryInterval: 30 * time.Second,
			BreakerFailures:  5,
			BreakerReset:     30 * time.Second,
		},
		Collaborators: CollaboratorsConfig{
			Timeout: 5 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "checkout-service",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Idempotency: IdempotencyConfig{
			TTL:              24 * time.Hour,
			CleanupInterval:  10 * time.Minute,
			CleanupBatchSize: 500,
		},
		Outbox: OutboxConfig{
			PollInterval:   time.Second,
			BatchSize:      100,
			MaxAttempts:    10,
			RetryBaseDelay: time.Second,
			Parallelism:    4,
		},
	}
}

// LoadConfig собирает конфигурацию: значения по умолчанию, файл из CHECKOUT_CONFIG,
// .env и переменные окружения с префиксом CHECKOUT_. Более поздний источник перекрывает ранний.
func LoadConfig() (Config, error) {
	return LoadConfigFromViper(viper.New())
}

// LoadConfigFromViper: то же, что LoadConfig, поверх переданной сессии viper.
func LoadConfigFromViper(v *viper.Viper) (Config, error) {
	// .env необязателен
	_ = godotenv.Load(DotEnvFile)

	for key, value := range defaultValues(DefaultConfig()) {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// defaultValues раскладывает настройки по ключам viper. Без явного SetDefault
// AutomaticEnv не видит вложенные ключи при Unmarshal.
func defaultValues(cfg Config) map[string]any {
	return map[string]any{
		"service_name":     cfg.ServiceName,
		"http_addr":        cfg.HTTPAddr,
		"grpc_addr":        cfg.GRPCAddr,
		"metrics_addr":     cfg.MetricsAddr,
		"shutdown_timeout": cfg.ShutdownTimeout,

		"storage_driver":        cfg.StorageDriver,
		"postgres_dsn":          cfg.PostgresDSN,
		"postgres_auto_migrate": cfg.PostgresAutoMigrate,

		"postgres_max_conns":         cfg.PostgresMaxConns,
		"postgres_statement_timeout": cfg.PostgresStatementTimeout,

		"redis_addr":     cfg.RedisAddr,
		"redis_password": cfg.RedisPassword,
		"redis_db":       cfg.RedisDB,

		"kafka.brokers":  cfg.Kafka.Brokers,
		"kafka.group_id": cfg.Kafka.GroupID,

		"reservation.default_ttl": cfg.Reservation.DefaultTTL,

		"reclaim.sweep_interval": cfg.Reclaim.SweepInterval,
		"reclaim.warn_interval":  cfg.Reclaim.WarnInterval,
		"reclaim.warn_window":    cfg.Reclaim.WarnWindow,
		"reclaim.batch_size":     cfg.Reclaim.BatchSize,

		"saga.step_timeout":        cfg.Saga.StepTimeout,
		"saga.retry.max_attempts":  cfg.Saga.Retry.MaxAttempts,
		"saga.retry.initial_delay": cfg.Saga.Retry.InitialDelay,
		"saga.retry.max_delay":     cfg.Saga.Retry.MaxDelay,
		"saga.max_parallel":        cfg.Saga.MaxParallel,
		"saga.recovery_interval":   cfg.Saga.RecoveryInterval,
		"saga.breaker_failures":    cfg.Saga.BreakerFailures,
		"saga.breaker_reset":       cfg.Saga.BreakerReset,

		"collaborators.payment_url":  cfg.Collaborators.PaymentURL,
		"collaborators.order_url":    cfg.Collaborators.OrderURL,
		"collaborators.loyalty_url":  cfg.Collaborators.LoyaltyURL,
		"collaborators.catalog_url":  cfg.Collaborators.CatalogURL,
		"collaborators.discount_url": cfg.Collaborators.DiscountURL,
		"collaborators.timeout":      cfg.Collaborators.Timeout,

		"tracing.endpoint":     cfg.Tracing.Endpoint,
		"tracing.service_name": cfg.Tracing.ServiceName,

		"log.level":  cfg.Log.Level,
		"log.format": cfg.Log.Format,

		"idempotency.ttl":                cfg.Idempotency.TTL,
		"idempotency.cleanup_interval":   cfg.Idempotency.CleanupInterval,
		"idempotency.cleanup_batch_size": cfg.Idempotency.CleanupBatchSize,

		"outbox.poll_interval":    cfg.Outbox.PollInterval,
		"outbox.batch_size":       cfg.Outbox.BatchSize,
		"outbox.max_attempts":     cfg.Outbox.MaxAttempts,
		"outbox.retry_base_delay": cfg.Outbox.RetryBaseDelay,
		"outbox.parallelism":      cfg.Outbox.Parallelism,
	}
}

var errPostgresDSNRequired = errors.New("postgres_dsn is required for postgres storage")

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.GRPCAddr, validation.Required),
		validation.Field(&c.MetricsAddr, validation.Required),
		validation.Field(&c.ShutdownTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.StorageDriver, validation.Required, validation.In(StorageDriverMemory, StorageDriverPostgres)),
		// блокировка заказа держит соединение, пока товары меняются через другое
		validation.Field(&c.PostgresMaxConns, validation.Required, validation.Min(2)),
		validation.Field(&c.PostgresStatementTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.RedisDB, validation.Min(0)),
		validation.Field(&c.Reservation),
		validation.Field(&c.Reclaim),
		validation.Field(&c.Saga),
		validation.Field(&c.Collaborators),
		validation.Field(&c.Log),
		validation.Field(&c.Idempotency),
		validation.Field(&c.Outbox),
	); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.StorageDriver == StorageDriverPostgres && strings.TrimSpace(c.PostgresDSN) == "" {
		return fmt.Errorf("invalid config: %w", errPostgresDSNRequired)
	}
	if c.Kafka.Enabled() && strings.TrimSpace(c.Kafka.GroupID) == "" {
		return fmt.Errorf("invalid config: kafka.group_id is required when kafka.brokers is set")
	}
	return nil
}

// Validate для ReservationConfig.
func (c ReservationConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DefaultTTL, validation.Required, validation.Min(time.Second)),
	)
}

// Validate для ReclaimConfig.
func (c ReclaimConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SweepInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.WarnInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.WarnWindow, validation.Required),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
	)
}

// Validate для SagaConfig.
func (c SagaConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.StepTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxParallel, validation.Required, validation.Min(1)),
		validation.Field(&c.RecoveryInterval, validation.Required),
		validation.Field(&c.BreakerFailures, validation.Min(0)),
		validation.Field(&c.Retry),
	)
}

// Validate для SagaRetryConfig.
func (c SagaRetryConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.InitialDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxDelay, validation.Min(c.InitialDelay)),
	)
}

// Validate для CollaboratorsConfig.
func (c CollaboratorsConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Timeout, validation.Required),
	)
}

// Validate для LogConfig.
func (c LogConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.Required, validation.In("trace", "debug", "info", "warn", "warning", "error", "fatal", "panic")),
		validation.Field(&c.Format, validation.In("text", "json")),
	)
}

// Validate для IdempotencyConfig.
func (c IdempotencyConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.TTL, validation.Required),
		validation.Field(&c.CleanupInterval, validation.Required),
		validation.Field(&c.CleanupBatchSize, validation.Required, validation.Min(1)),
	)
}

// Validate для OutboxConfig.
func (c OutboxConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.PollInterval, validation.Required),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.Parallelism, validation.Required, validation.Min(1)),
	)
}

// Enabled сообщает, настроен ли Kafka.
func (c KafkaConfig) Enabled() bool {
	return len(c.BrokerList()) > 0
}

// BrokerList разбирает список брокеров через запятую.
func (c KafkaConfig) BrokerList() []string {
	return splitList(c.Brokers)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
