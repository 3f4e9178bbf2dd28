// Package redis хранит заказы кухни в Redis: запись заказа, индекс стола
// и справочник меню живут в отдельных ключах.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/kitchen/internal/catalog"
	"github.com/vladislavdragonenkov/kitchen/internal/domain"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxRetries      = 3
	defaultMinRetryBackoff = 8 * time.Millisecond
	defaultMaxRetryBackoff = 512 * time.Millisecond
	defaultPoolSize        = 50

	tablesKey = "catalog:tables"
	menusKey  = "catalog:menus"
)

func menuNameKey(id domain.MenuID) string {
	return "catalog:menus:" + strconv.FormatUint(uint64(id), 10)
}

func tableIndexKey(id domain.TableID) string {
	return "tables:" + strconv.FormatUint(uint64(id), 10)
}

func orderKey(tableID domain.TableID, orderID string) string {
	return tableIndexKey(tableID) + ":" + orderID
}

// Store оборачивает клиент Redis.
type Store struct {
	client *goredis.Client
}

// Open подключается к Redis по URL вида redis://host:port/db и проверяет доступность.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MaxRetries = defaultMaxRetries
	opts.MinRetryBackoff = defaultMinRetryBackoff
	opts.MaxRetryBackoff = defaultMaxRetryBackoff
	opts.DialTimeout = defaultConnTimeout
	if opts.PoolSize == 0 {
		opts.PoolSize = defaultPoolSize
	}

	store := NewStore(goredis.NewClient(opts))
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return store, nil
}

// NewStore оборачивает уже созданный клиент.
func NewStore(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Ping проверяет доступность Redis.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("redis store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.client.Ping(pingCtx).Err()
}

// SeedCatalog записывает столы и меню каталога. Повторный вызов ничего не меняет.
func (s *Store) SeedCatalog(ctx context.Context, c *catalog.Catalog) error {
	tables := c.Tables()
	tableMembers := make([]any, 0, len(tables))
	for _, id := range tables {
		tableMembers = append(tableMembers, uint64(id))
	}

	menus := c.ListMenus()
	menuMembers := make([]any, 0, len(menus))
	for _, item := range menus {
		menuMembers = append(menuMembers, uint64(item.ID))
	}

	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, tablesKey, tableMembers...)
		pipe.SAdd(ctx, menusKey, menuMembers...)
		for _, item := range menus {
			pipe.Set(ctx, menuNameKey(item.ID), item.Name, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed catalog: %w", storeError(err))
	}
	return nil
}

// Close закрывает клиент.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// storeError приводит ошибку клиента к таксономии домена.
// Отмена контекста не считается недоступностью хранилища.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return domain.Unavailable(err)
	}
}
