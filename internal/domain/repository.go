package domain

import "context"

// OrderRepository — единственный компонент, который изменяет сохранённые заказы.
// Ссылочная целостность (стол, позиция меню) проверяется при каждой записи.
type OrderRepository interface {
	// StoreOrders сохраняет заказы стола. Каждый заказ пишется атомарно:
	// проверка меню, запись, добавление в индекс стола. Заказы с неизвестным
	// menu_id не оставляют следов и возвращаются в rejected.
	StoreOrders(ctx context.Context, tableID TableID, orders []Order) (rejected []Order, err error)
	// GetOrders возвращает заказы стола по возрастанию created_at.
	GetOrders(ctx context.Context, tableID TableID) ([]Order, error)
	// RemoveOrder атомарно удаляет заказ и возвращает его последнее состояние.
	RemoveOrder(ctx context.Context, tableID TableID, orderID string) (Order, error)
	// ListMenus возвращает каталог меню.
	ListMenus(ctx context.Context) ([]MenuItem, error)
}

// Catalog отвечает на вопросы о допустимых столах и позициях меню.
type Catalog interface {
	IsValidTable(id TableID) bool
	IsValidMenu(id MenuID) bool
	ListMenus() []MenuItem
}
