package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mapLookup(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, ":50051", cfg.GRPCAddr)
	require.Equal(t, ":9090", cfg.MetricsAddr)
	require.Equal(t, StorageDriverMemory, cfg.StorageDriver)
	require.Equal(t, EventsBrokerNone, cfg.EventsBroker)
	require.True(t, cfg.PostgresAutoMigrate)
	require.Equal(t, 4999, cfg.TableCount)
	require.Equal(t, 5*time.Minute, cfg.ProcessingTimeMin)
	require.Equal(t, 15*time.Minute, cfg.ProcessingTimeMax)
	require.Positive(t, cfg.RequestTimeout)
	require.Positive(t, cfg.OutboxPollInterval)
	require.Positive(t, cfg.OutboxBatchSize)
	require.Positive(t, cfg.OutboxMaxAttempts)
	require.GreaterOrEqual(t, cfg.OutboxRetryDelay, time.Duration(0))
	require.Positive(t, cfg.OutboxMaxPending)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Comparison(t *testing.T) {
	cfg1 := DefaultConfig()
	cfg2 := DefaultConfig()

	// Config сравним по значению
	require.True(t, cfg1 == cfg2)

	cfg2.GRPCAddr = ":8081"
	require.False(t, cfg1 == cfg2)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults"},
		{name: "redis", mutate: func(c *Config) { c.StorageDriver = StorageDriverRedis }},
		{
			name:    "redis without url",
			mutate:  func(c *Config) { c.StorageDriver = StorageDriverRedis; c.RedisURL = "" },
			wantErr: "redis url is required",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.StorageDriver = StorageDriverPostgres },
			wantErr: "postgres dsn is required",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.StorageDriver = "sqlite" },
			wantErr: "unsupported storage driver",
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.EventsBroker = EventsBrokerKafka; c.KafkaBrokers = " , " },
			wantErr: "kafka brokers are required",
		},
		{
			name:    "rabbitmq without url",
			mutate:  func(c *Config) { c.EventsBroker = EventsBrokerRabbitMQ },
			wantErr: "rabbitmq url is required",
		},
		{
			name:    "unknown broker",
			mutate:  func(c *Config) { c.EventsBroker = "nats" },
			wantErr: "unsupported events broker",
		},
		{
			name:    "too many tables",
			mutate:  func(c *Config) { c.TableCount = 70000 },
			wantErr: "table count",
		},
		{
			name:    "inverted processing range",
			mutate:  func(c *Config) { c.ProcessingTimeMin = 20 * time.Minute },
			wantErr: "processing time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_KafkaBrokerList(t *testing.T) {
	cfg := Config{KafkaBrokers: "broker1:9092, broker2:9092,,broker3:9092 "}
	require.Equal(t, []string{"broker1:9092", "broker2:9092", "broker3:9092"}, cfg.KafkaBrokerList())
	require.Empty(t, Config{}.KafkaBrokerList())
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, warnings, err := LoadConfig(mapLookup(nil))
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	cfg, warnings, err := LoadConfig(mapLookup(map[string]string{
		envHTTPAddr:            "127.0.0.1:8000",
		envGRPCAddr:            "localhost:50052",
		envMetricsAddr:         "localhost:9191",
		envStorageDriver:       " ReDiS ",
		envRedisURL:            " redis://cache:6379/2 ",
		envPostgresAutoMigrate: "off",
		envTableCount:          "100",
		envProcessingTimeMin:   "1m",
		envProcessingTimeMax:   "2m",
		envRequestTimeout:      "3s",
		envEventsBroker:        "KAFKA",
		envKafkaBrokers:        "k1:9092,k2:9092",
		envOutboxPollInterval:  "2s",
		envOutboxBatchSize:     "42",
		envOutboxMaxAttempts:   "7",
		envOutboxRetryDelay:    "0s",
		envOutboxMaxPending:    "0",
	}))
	require.NoError(t, err)
	require.Empty(t, warnings)

	require.Equal(t, "127.0.0.1:8000", cfg.HTTPAddr)
	require.Equal(t, "localhost:50052", cfg.GRPCAddr)
	require.Equal(t, "localhost:9191", cfg.MetricsAddr)
	require.Equal(t, StorageDriverRedis, cfg.StorageDriver)
	require.Equal(t, "redis://cache:6379/2", cfg.RedisURL)
	require.False(t, cfg.PostgresAutoMigrate)
	require.Equal(t, 100, cfg.TableCount)
	require.Equal(t, time.Minute, cfg.ProcessingTimeMin)
	require.Equal(t, 2*time.Minute, cfg.ProcessingTimeMax)
	require.Equal(t, 3*time.Second, cfg.RequestTimeout)
	require.Equal(t, EventsBrokerKafka, cfg.EventsBroker)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokerList())
	require.Equal(t, 2*time.Second, cfg.OutboxPollInterval)
	require.Equal(t, 42, cfg.OutboxBatchSize)
	require.Equal(t, 7, cfg.OutboxMaxAttempts)
	require.Zero(t, cfg.OutboxRetryDelay)
	require.Zero(t, cfg.OutboxMaxPending)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_InvalidEnvFallsBackToDefaults(t *testing.T) {
	defaults := DefaultConfig()

	cfg, warnings, err := LoadConfig(mapLookup(map[string]string{
		envPostgresAutoMigrate: "not-bool",
		envTableCount:          "0",
		envProcessingTimeMin:   "soon",
		envRequestTimeout:      "-1s",
		envOutboxPollInterval:  "-1s",
		envOutboxBatchSize:     "0",
		envOutboxMaxAttempts:   "bad",
		envOutboxRetryDelay:    "invalid",
		envOutboxMaxPending:    "-2",
	}))
	require.NoError(t, err)
	require.Len(t, warnings, 9)
	require.Equal(t, defaults, cfg)
	for _, w := range warnings {
		require.True(t, strings.HasPrefix(w, "invalid KITCHEN_"), w)
	}
}

func TestLoadConfig_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kitchen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":8181"
storage_driver: postgres
postgres_dsn: postgres://kitchen:kitchen@db:5432/kitchen
table_count: 50
processing_time_min: 30s
processing_time_max: 90s
events_broker: rabbitmq
rabbitmq_url: amqp://guest:guest@mq:5672/
`), 0o600))

	cfg, warnings, err := LoadConfig(mapLookup(map[string]string{
		EnvConfigFile: path,
		envHTTPAddr:   ":8282",
	}))
	require.NoError(t, err)
	require.Empty(t, warnings)

	require.Equal(t, ":8282", cfg.HTTPAddr, "env wins over file")
	require.Equal(t, StorageDriverPostgres, cfg.StorageDriver)
	require.Equal(t, "postgres://kitchen:kitchen@db:5432/kitchen", cfg.PostgresDSN)
	require.Equal(t, 50, cfg.TableCount)
	require.Equal(t, 30*time.Second, cfg.ProcessingTimeMin)
	require.Equal(t, 90*time.Second, cfg.ProcessingTimeMax)
	require.Equal(t, EventsBrokerRabbitMQ, cfg.EventsBroker)
	require.Equal(t, ":50051", cfg.GRPCAddr, "unset keys keep defaults")
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileErrors(t *testing.T) {
	_, _, err := LoadConfig(mapLookup(map[string]string{
		EnvConfigFile: filepath.Join(t.TempDir(), "missing.yaml"),
	}))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("table_count: [1, 2"), 0o600))
	_, _, err = LoadConfig(mapLookup(map[string]string{EnvConfigFile: path}))
	require.Error(t, err)
}
