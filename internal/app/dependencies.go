package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kitchen/internal/catalog"
	"github.com/vladislavdragonenkov/kitchen/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/kitchen/internal/health"
	"github.com/vladislavdragonenkov/kitchen/internal/storage/memory"
	"github.com/vladislavdragonenkov/kitchen/internal/storage/postgres"
	"github.com/vladislavdragonenkov/kitchen/internal/storage/redis"
)

const storageSlowThreshold = 200 * time.Millisecond

// runtimeDependencies содержит хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	catalog        *catalog.Catalog
	repo           domain.OrderRepository
	outboxRepo     domain.OutboxRepository
	storageChecker healthcheck.Checker
	closeFn        func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
		return
	}
	logger.Info("storage closed")
}

// initRuntimeDependencies строит каталог и хранилище заказов для выбранного драйвера.
// Каталог засевается в Redis и PostgreSQL при каждом запуске, повторный засев ничего не меняет.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	tableCount := cfg.TableCount
	if tableCount == 0 {
		tableCount = catalog.DefaultTableCount
	}
	cat, err := catalog.New(tableCount, catalog.DefaultMenu)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			catalog:    cat,
			repo:       memory.NewOrderRepository(cat),
			outboxRepo: memory.NewOutboxRepository(),
			storageChecker: healthcheck.NewSimpleChecker("storage", func(context.Context) error {
				return nil
			}),
		}, nil

	case StorageDriverRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis url is required for storage driver %q", StorageDriverRedis)
		}
		store, err := redis.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		if err := store.SeedCatalog(ctx, cat); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed redis catalog: %w", err)
		}
		logger.WithField("tables", cat.TableCount()).Info("using redis storage")
		return &runtimeDependencies{
			catalog:        cat,
			repo:           redis.NewOrderRepository(store, cat, redis.WithLogger(logger.WithField("layer", "storage"))),
			outboxRepo:     memory.NewOutboxRepository(),
			storageChecker: healthcheck.NewPingChecker("redis", store, storageSlowThreshold),
			closeFn:        store.Close,
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres dsn is required for storage driver %q", StorageDriverPostgres)
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
		}
		if err := store.SeedCatalog(ctx, cat); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed postgres catalog: %w", err)
		}
		logger.WithFields(log.Fields{
			"tables":       cat.TableCount(),
			"auto_migrate": cfg.PostgresAutoMigrate,
		}).Info("using postgres storage")
		return &runtimeDependencies{
			catalog:        cat,
			repo:           postgres.NewOrderRepository(store, cat),
			outboxRepo:     postgres.NewOutboxRepository(store),
			storageChecker: healthcheck.NewPingChecker("postgres", store, storageSlowThreshold),
			closeFn:        store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// outboxStaleAfter — возраст самого старого pending-события, после которого outbox помечается degraded.
const outboxStaleAfter = 5 * time.Minute

// outboxChecker переводит readiness в unhealthy, когда backlog превышает maxPending.
func outboxChecker(repo domain.OutboxRepository, maxPending int) healthcheck.Checker {
	return healthcheck.NewBacklogChecker("outbox", func(ctx context.Context) (healthcheck.Backlog, error) {
		stats, err := repo.Stats(ctx)
		if err != nil {
			return healthcheck.Backlog{}, err
		}
		return healthcheck.Backlog{Pending: stats.PendingCount, OldestAt: stats.OldestPendingAt}, nil
	}, maxPending, outboxStaleAfter)
}
