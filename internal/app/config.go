package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/kitchen/internal/catalog"
	"github.com/vladislavdragonenkov/kitchen/internal/service/kitchen"
)

const (
	// StorageDriverMemory хранит заказы в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverRedis хранит заказы в Redis.
	StorageDriverRedis = "redis"
	// StorageDriverPostgres хранит заказы в PostgreSQL.
	StorageDriverPostgres = "postgres"

	// EventsBrokerNone отключает публикацию событий.
	EventsBrokerNone = "none"
	// EventsBrokerKafka публикует события в Kafka.
	EventsBrokerKafka = "kafka"
	// EventsBrokerRabbitMQ публикует события в RabbitMQ.
	EventsBrokerRabbitMQ = "rabbitmq"
)

// Переменные окружения, переопределяющие конфигурацию.
const (
	EnvConfigFile          = "KITCHEN_CONFIG"
	envHTTPAddr            = "KITCHEN_HTTP_ADDR"
	envMetricsAddr         = "KITCHEN_METRICS_ADDR"
	envGRPCAddr            = "KITCHEN_GRPC_ADDR"
	envStorageDriver       = "KITCHEN_STORAGE_DRIVER"
	envRedisURL            = "KITCHEN_REDIS_URL"
	envPostgresDSN         = "KITCHEN_POSTGRES_DSN"
	envPostgresAutoMigrate = "KITCHEN_POSTGRES_AUTO_MIGRATE"
	envTableCount          = "KITCHEN_TABLE_COUNT"
	envProcessingTimeMin   = "KITCHEN_PROCESSING_TIME_MIN"
	envProcessingTimeMax   = "KITCHEN_PROCESSING_TIME_MAX"
	envRequestTimeout      = "KITCHEN_REQUEST_TIMEOUT"
	envEventsBroker        = "KITCHEN_EVENTS_BROKER"
	envKafkaBrokers        = "KITCHEN_KAFKA_BROKERS"
	envRabbitMQURL         = "KITCHEN_RABBITMQ_URL"
	envOutboxPollInterval  = "KITCHEN_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize     = "KITCHEN_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts   = "KITCHEN_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay    = "KITCHEN_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending    = "KITCHEN_OUTBOX_MAX_PENDING"
)

// Config описывает настройки запуска сервиса кухни.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	StorageDriver       string `yaml:"storage_driver"`
	RedisURL            string `yaml:"redis_url"`
	PostgresDSN         string `yaml:"postgres_dsn"`
	PostgresAutoMigrate bool   `yaml:"postgres_auto_migrate"`

	TableCount        int           `yaml:"table_count"`
	ProcessingTimeMin time.Duration `yaml:"processing_time_min"`
	ProcessingTimeMax time.Duration `yaml:"processing_time_max"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`

	EventsBroker string `yaml:"events_broker"`
	// KafkaBrokers — список адресов через запятую.
	KafkaBrokers string `yaml:"kafka_brokers"`
	RabbitMQURL  string `yaml:"rabbitmq_url"`

	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay"`
	// OutboxMaxPending — порог backlog, после которого readiness переходит в unhealthy.
	// 0 отключает проверку.
	OutboxMaxPending int `yaml:"outbox_max_pending"`
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		StorageDriver:       StorageDriverMemory,
		RedisURL:            "redis://localhost:6379/0",
		PostgresAutoMigrate: true,
		TableCount:          catalog.DefaultTableCount,
		ProcessingTimeMin:   kitchen.DefaultProcessingTimeMin,
		ProcessingTimeMax:   kitchen.DefaultProcessingTimeMax,
		RequestTimeout:      10 * time.Second,
		EventsBroker:        EventsBrokerNone,
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    50 * time.Millisecond,
		OutboxMaxPending:    10000,
	}
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis url is required for redis storage"))
		}
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	switch c.EventsBroker {
	case EventsBrokerNone, "":
	case EventsBrokerKafka:
		if len(c.KafkaBrokerList()) == 0 {
			errs = append(errs, errors.New("kafka brokers are required for kafka events broker"))
		}
	case EventsBrokerRabbitMQ:
		if c.RabbitMQURL == "" {
			errs = append(errs, errors.New("rabbitmq url is required for rabbitmq events broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported events broker %q", c.EventsBroker))
	}
	if c.TableCount <= 0 || c.TableCount > catalog.MaxTableCount {
		errs = append(errs, fmt.Errorf("table count must be in range 1..%d", catalog.MaxTableCount))
	}
	if _, err := kitchen.NewUniformEstimator(c.ProcessingTimeMin, c.ProcessingTimeMax); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// KafkaBrokerList разбирает KafkaBrokers в список адресов.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// LoadConfig собирает конфигурацию: значения по умолчанию, затем YAML-файл
// из KITCHEN_CONFIG (если задан), затем переменные окружения.
// Некорректные значения окружения не прерывают запуск и возвращаются как предупреждения.
func LoadConfig(lookup func(string) (string, bool)) (Config, []string, error) {
	cfg := DefaultConfig()
	if path, ok := lookup(EnvConfigFile); ok && strings.TrimSpace(path) != "" {
		if err := loadConfigFile(strings.TrimSpace(path), &cfg); err != nil {
			return Config{}, nil, err
		}
	}
	warnings := applyEnv(&cfg, lookup)
	return cfg, warnings, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) []string {
	var warnings []string
	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("invalid %s=%q: %v, using default", key, value, err))
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	lower := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.ToLower(strings.TrimSpace(v))
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	positiveInt := func(key string, dst *int, allowZero bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil && (parsed < 0 || (parsed == 0 && !allowZero)) {
			err = errors.New("out of range")
		}
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	duration := func(key string, dst *time.Duration, allowZero bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err == nil && (parsed < 0 || (parsed == 0 && !allowZero)) {
			err = errors.New("out of range")
		}
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}

	str(envHTTPAddr, &cfg.HTTPAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)
	str(envGRPCAddr, &cfg.GRPCAddr)
	lower(envStorageDriver, &cfg.StorageDriver)
	str(envRedisURL, &cfg.RedisURL)
	str(envPostgresDSN, &cfg.PostgresDSN)
	boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	positiveInt(envTableCount, &cfg.TableCount, false)
	duration(envProcessingTimeMin, &cfg.ProcessingTimeMin, false)
	duration(envProcessingTimeMax, &cfg.ProcessingTimeMax, false)
	duration(envRequestTimeout, &cfg.RequestTimeout, false)
	lower(envEventsBroker, &cfg.EventsBroker)
	str(envKafkaBrokers, &cfg.KafkaBrokers)
	str(envRabbitMQURL, &cfg.RabbitMQURL)
	duration(envOutboxPollInterval, &cfg.OutboxPollInterval, false)
	positiveInt(envOutboxBatchSize, &cfg.OutboxBatchSize, false)
	positiveInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, false)
	duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, true)
	positiveInt(envOutboxMaxPending, &cfg.OutboxMaxPending, true)

	return warnings
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("unsupported boolean value")
	}
}
