package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
)

// orderRepository хранит заказы в таблице orders. Строка таблицы одновременно
// является записью заказа и элементом индекса стола (table_id, created_at, id).
type orderRepository struct {
	db      *sql.DB
	catalog domain.Catalog
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store, catalog domain.Catalog) domain.OrderRepository {
	return &orderRepository{db: store.DB(), catalog: catalog}
}

// StoreOrders пишет каждый заказ отдельным INSERT: строка появляется только если
// позиция меню есть в catalog_menus, иначе заказ уходит в rejected.
func (r *orderRepository) StoreOrders(ctx context.Context, tableID domain.TableID, orders []domain.Order) ([]domain.Order, error) {
	if !r.catalog.IsValidTable(tableID) {
		return nil, domain.ErrInvalidTable
	}

	rejected := make([]domain.Order, 0)
	for _, order := range orders {
		order.TableID = tableID
		if err := domain.CheckCandidate(order); err != nil {
			return rejected, err
		}
		inserted, err := r.insertOrder(ctx, order)
		if err != nil {
			return rejected, err
		}
		if !inserted {
			rejected = append(rejected, order)
		}
	}
	return rejected, nil
}

func (r *orderRepository) insertOrder(ctx context.Context, order domain.Order) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(opCtx, `
		INSERT INTO orders (id, table_id, menu_id, created_at, processing_time, status)
		SELECT $1::text, $2::integer, $3::integer, $4::bigint, $5::bigint, $6::text
		WHERE EXISTS (SELECT 1 FROM catalog_menus WHERE id = $3::integer)
	`,
		order.ID, int32(order.TableID), int32(order.MenuID),
		order.CreatedAt, order.ProcessingTime, string(order.Status),
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return false, fmt.Errorf("insert order %s: %w", order.ID, domain.ErrDuplicateOrder)
		case isForeignKeyViolation(err):
			// Позиция меню проверяется в WHERE EXISTS, значит в catalog_tables нет стола.
			return false, fmt.Errorf("insert order %s: %w", order.ID, domain.ErrInvalidTable)
		}
		return false, fmt.Errorf("insert order %s: %w", order.ID, storeError(err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for order %s: %w", order.ID, err)
	}
	if affected == 1 {
		return true, nil
	}

	// Строки нет: либо неизвестная позиция меню, либо ID уже занят.
	var exists bool
	if err := r.db.QueryRowContext(opCtx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check order %s: %w", order.ID, storeError(err))
	}
	if exists {
		return false, fmt.Errorf("insert order %s: %w", order.ID, domain.ErrDuplicateOrder)
	}
	return false, nil
}

// GetOrders возвращает заказы стола по возрастанию created_at.
func (r *orderRepository) GetOrders(ctx context.Context, tableID domain.TableID) ([]domain.Order, error) {
	if !r.catalog.IsValidTable(tableID) {
		return nil, domain.ErrInvalidTable
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(opCtx, `
		SELECT id, table_id, menu_id, created_at, processing_time, status
		FROM orders
		WHERE table_id = $1
		ORDER BY created_at, id
	`, int32(tableID))
	if err != nil {
		return nil, fmt.Errorf("query orders of table %d: %w", tableID, storeError(err))
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", storeError(err))
	}

	return orders, nil
}

// RemoveOrder удаляет заказ одним DELETE ... RETURNING.
func (r *orderRepository) RemoveOrder(ctx context.Context, tableID domain.TableID, orderID string) (domain.Order, error) {
	if !r.catalog.IsValidTable(tableID) {
		return domain.Order{}, domain.ErrInvalidTable
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(opCtx, `
		DELETE FROM orders
		WHERE table_id = $1 AND id = $2
		RETURNING id, table_id, menu_id, created_at, processing_time, status
	`, int32(tableID), orderID)

	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// ListMenus возвращает меню по возрастанию ID.
func (r *orderRepository) ListMenus(ctx context.Context) ([]domain.MenuItem, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(opCtx, `SELECT id, name FROM catalog_menus ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query menus: %w", storeError(err))
	}
	defer rows.Close()

	items := make([]domain.MenuItem, 0)
	for rows.Next() {
		var (
			id   int32
			item domain.MenuItem
		)
		if err := rows.Scan(&id, &item.Name); err != nil {
			return nil, fmt.Errorf("scan menu: %w", err)
		}
		item.ID = domain.MenuID(id)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate menus: %w", storeError(err))
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order   domain.Order
		tableID int32
		menuID  int32
		status  string
	)
	if err := row.Scan(&order.ID, &tableID, &menuID, &order.CreatedAt, &order.ProcessingTime, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("scan order: %w", storeError(err))
	}
	order.TableID = domain.TableID(tableID)
	order.MenuID = domain.MenuID(menuID)
	order.Status = domain.OrderStatus(status)
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
