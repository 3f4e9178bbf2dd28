package domain

import (
	"cmp"
	"errors"
	"fmt"
)

// TableID — номер стола, небольшое положительное число.
type TableID uint16

// MenuID — идентификатор позиции меню.
type MenuID uint16

// OrderStatus описывает жизненный цикл заказа на кухне.
type OrderStatus string

const (
	// OrderStatusProcessing — заказ принят кухней и готовится.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusReady — блюдо готово к выдаче.
	OrderStatusReady OrderStatus = "READY"
	// OrderStatusCancelled — заказ отменён столом.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusProcessing, OrderStatusReady, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Order — одна позиция меню, заказанная столом.
type Order struct {
	// ID — UUIDv7, лексикографический порядок совпадает с порядком создания.
	ID      string  `json:"id"`
	TableID TableID `json:"table_id"`
	MenuID  MenuID  `json:"menu_id"`
	// CreatedAt — unix-время создания в секундах.
	CreatedAt int64 `json:"created_at"`
	// ProcessingTime — оценка времени приготовления в секундах.
	ProcessingTime int64       `json:"processing_time"`
	Status         OrderStatus `json:"status"`
}

// MenuItem — запись каталога меню.
type MenuItem struct {
	ID   MenuID `json:"id"`
	Name string `json:"name"`
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error
	if o.ID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if o.TableID == 0 {
		errs = append(errs, ErrInvalidTable)
	}
	if o.ProcessingTime <= 0 {
		errs = append(errs, ErrProcessingTimeInvalid)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrOrderStatusInvalid)
	}
	return errs
}

// CheckCandidate проверяет заказ перед записью в репозиторий.
func CheckCandidate(o Order) error {
	if errs := o.ValidateInvariants(); len(errs) > 0 {
		return fmt.Errorf("order %q: %w", o.ID, errors.Join(errs...))
	}
	return nil
}

// CompareOrders задаёт порядок индекса стола: created_at, затем id.
func CompareOrders(a, b Order) int {
	if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
