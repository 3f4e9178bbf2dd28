package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
)

// tableShard хранит заказы одного стола. Записи и индекс меняются под одной блокировкой.
type tableShard struct {
	mu      sync.RWMutex
	records map[string]domain.Order
	// index отсортирован по (created_at, id).
	index []domain.Order
}

// orderRepositoryInMemory — in-memory реализация OrderRepository с блокировкой на уровне стола.
type orderRepositoryInMemory struct {
	catalog domain.Catalog
	shards  sync.Map // domain.TableID -> *tableShard
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository(catalog domain.Catalog) domain.OrderRepository {
	return &orderRepositoryInMemory{catalog: catalog}
}

func (r *orderRepositoryInMemory) shard(tableID domain.TableID) *tableShard {
	if s, ok := r.shards.Load(tableID); ok {
		return s.(*tableShard)
	}
	s, _ := r.shards.LoadOrStore(tableID, &tableShard{records: make(map[string]domain.Order)})
	return s.(*tableShard)
}

// StoreOrders сохраняет заказы стола; заказы с неизвестной позицией меню возвращаются в rejected.
// Повтор ID уже сохранённого заказа прерывает батч с domain.ErrDuplicateOrder.
func (r *orderRepositoryInMemory) StoreOrders(ctx context.Context, tableID domain.TableID, orders []domain.Order) ([]domain.Order, error) {
	if !r.catalog.IsValidTable(tableID) {
		return nil, domain.ErrInvalidTable
	}

	s := r.shard(tableID)
	rejected := make([]domain.Order, 0)
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return rejected, err
		}
		order.TableID = tableID
		if err := domain.CheckCandidate(order); err != nil {
			return rejected, err
		}

		accepted, err := s.insert(order, r.catalog.IsValidMenu(order.MenuID))
		if err != nil {
			return rejected, fmt.Errorf("store order %s: %w", order.ID, err)
		}
		if !accepted {
			rejected = append(rejected, order)
		}
	}
	return rejected, nil
}

// insert проверяет дубликат и позицию меню под блокировкой стола.
func (s *tableShard) insert(order domain.Order, menuValid bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[order.ID]; exists {
		return false, domain.ErrDuplicateOrder
	}
	if !menuValid {
		return false, nil
	}
	s.records[order.ID] = order
	pos, _ := slices.BinarySearchFunc(s.index, order, domain.CompareOrders)
	s.index = slices.Insert(s.index, pos, order)
	return true, nil
}

// GetOrders возвращает копию индекса стола.
func (r *orderRepositoryInMemory) GetOrders(ctx context.Context, tableID domain.TableID) ([]domain.Order, error) {
	if !r.catalog.IsValidTable(tableID) {
		return nil, domain.ErrInvalidTable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := r.shard(tableID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, len(s.index))
	copy(result, s.index)
	return result, nil
}

// RemoveOrder удаляет заказ из записи и индекса и возвращает его.
func (r *orderRepositoryInMemory) RemoveOrder(ctx context.Context, tableID domain.TableID, orderID string) (domain.Order, error) {
	if !r.catalog.IsValidTable(tableID) {
		return domain.Order{}, domain.ErrInvalidTable
	}
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	s := r.shard(tableID)
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.records[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	delete(s.records, orderID)
	if pos, found := slices.BinarySearchFunc(s.index, order, domain.CompareOrders); found {
		s.index = slices.Delete(s.index, pos, pos+1)
	}
	return order, nil
}

// ListMenus возвращает меню из каталога.
func (r *orderRepositoryInMemory) ListMenus(ctx context.Context) ([]domain.MenuItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.catalog.ListMenus(), nil
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
