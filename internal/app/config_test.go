package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":50051" || cfg.MetricsAddr != ":9090" {
		t.Fatalf("unexpected addresses: %+v", cfg)
	}
	if cfg.StorageDriver != StorageDriverMemory {
		t.Fatalf("expected memory storage by default, got %q", cfg.StorageDriver)
	}
	if cfg.Reservation.DefaultTTL != 15*time.Minute {
		t.Fatalf("expected default ttl 15m, got %s", cfg.Reservation.DefaultTTL)
	}
	if cfg.Saga.MaxParallel != 64 || cfg.Saga.Retry.MaxAttempts != 3 {
		t.Fatalf("unexpected saga defaults: %+v", cfg.Saga)
	}
	if cfg.Kafka.Enabled() {
		t.Fatal("kafka must be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown storage", func(c *Config) { c.StorageDriver = "mysql" }, "StorageDriver"},
		{"postgres without dsn", func(c *Config) { c.StorageDriver = StorageDriverPostgres }, "postgres_dsn"},
		{"empty http addr", func(c *Config) { c.HTTPAddr = "" }, "HTTPAddr"},
		{"zero postgres conns", func(c *Config) { c.PostgresMaxConns = 0 }, "PostgresMaxConns"},
		{"single postgres conn", func(c *Config) { c.PostgresMaxConns = 1 }, "PostgresMaxConns"},
		{"zero parallel", func(c *Config) { c.Saga.MaxParallel = 0 }, "MaxParallel"},
		{"max delay below initial", func(c *Config) { c.Saga.Retry.MaxDelay = time.Millisecond }, "MaxDelay"},
		{"zero batch", func(c *Config) { c.Reclaim.BatchSize = 0 }, "BatchSize"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "Level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "Format"},
		{"kafka without group", func(c *Config) { c.Kafka.Brokers = "k:9092"; c.Kafka.GroupID = "" }, "group_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("CHECKOUT_HTTP_ADDR", "127.0.0.1:18080")
	t.Setenv("CHECKOUT_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("CHECKOUT_SAGA_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("CHECKOUT_RECLAIM_SWEEP_INTERVAL", "15s")
	t.Setenv("CHECKOUT_COLLABORATORS_PAYMENT_URL", "http://payments.local")

	cfg, err := LoadConfigFromViper(viper.New())
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:18080", cfg.HTTPAddr)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.BrokerList())
	require.Equal(t, 5, cfg.Saga.Retry.MaxAttempts)
	require.Equal(t, 15*time.Second, cfg.Reclaim.SweepInterval)
	require.Equal(t, "http://payments.local", cfg.Collaborators.PaymentURL)
	// остальное берётся из значений по умолчанию
	require.Equal(t, DefaultConfig().GRPCAddr, cfg.GRPCAddr)
	require.Equal(t, DefaultConfig().Idempotency.TTL, cfg.Idempotency.TTL)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkout.yaml")
	content := `
grpc_addr: "127.0.0.1:15051"
reservation:
  default_ttl: 5m
saga:
  max_parallel: 8
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(ConfigFileEnv, path)
	t.Setenv("CHECKOUT_SAGA_MAX_PARALLEL", "16")

	cfg, err := LoadConfigFromViper(viper.New())
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:15051", cfg.GRPCAddr)
	require.Equal(t, 5*time.Minute, cfg.Reservation.DefaultTTL)
	require.Equal(t, "debug", cfg.Log.Level)
	// окружение перекрывает файл
	require.Equal(t, 16, cfg.Saga.MaxParallel)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("CHECKOUT_STORAGE_DRIVER", StorageDriverPostgres)
	t.Setenv("CHECKOUT_POSTGRES_DSN", "")

	_, err := LoadConfigFromViper(viper.New())
	require.ErrorIs(t, err, errPostgresDSNRequired)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := LoadConfigFromViper(viper.New())
	require.Error(t, err)
	require.Contains(t, err.Error(), "read config file")
}

func TestKafkaConfigBrokerList(t *testing.T) {
	t.Parallel()

	if got := (KafkaConfig{Brokers: " , "}).BrokerList(); len(got) != 0 {
		t.Fatalf("expected empty broker list, got %v", got)
	}
	cfg := KafkaConfig{Brokers: "a:1,b:2"}
	if !cfg.Enabled() || len(cfg.BrokerList()) != 2 {
		t.Fatalf("unexpected broker list %v", cfg.BrokerList())
	}
}

func TestConfigureLogging(t *testing.T) {
	level, formatter := log.GetLevel(), log.StandardLogger().Formatter
	t.Cleanup(func() {
		log.SetLevel(level)
		log.SetFormatter(formatter)
	})

	require.NoError(t, ConfigureLogging(LogConfig{Level: "debug", Format: "json"}))
	require.Equal(t, log.DebugLevel, log.GetLevel())
	require.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	require.Error(t, ConfigureLogging(LogConfig{Level: "loud"}))
}
