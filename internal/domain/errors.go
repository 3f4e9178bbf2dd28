package domain

import "errors"

var (
	// ErrInvalidTable возвращается, если стол отсутствует в каталоге.
	ErrInvalidTable = errors.New("table is invalid")
	// ErrInvalidMenuItem — позиция меню отсутствует в каталоге.
	// Отдаётся не как ошибка вызова, а через список отклонённых заказов.
	ErrInvalidMenuItem = errors.New("menu item is invalid")
	// ErrOrderNotFound возвращается, если у стола нет заказа с таким ID.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOrder — у стола уже есть заказ с таким ID; существующий заказ не меняется.
	ErrDuplicateOrder = errors.New("order with the same id already exists")
	// ErrStorageUnavailable — временная ошибка хранилища, запрос можно повторить.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrMenuIDsRequired — запрос без единой позиции меню.
	ErrMenuIDsRequired = errors.New("menu_ids must contain at least one item")
	// ErrOrderIDRequired — у заказа не заполнен идентификатор.
	ErrOrderIDRequired = errors.New("order id is required")
	// ErrProcessingTimeInvalid — время приготовления должно быть положительным.
	ErrProcessingTimeInvalid = errors.New("processing_time must be greater than zero")
	// ErrOrderStatusInvalid — неизвестный статус заказа.
	ErrOrderStatusInvalid = errors.New("order status is invalid")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsStorageUnavailable проверяет, является ли ошибка временной ошибкой хранилища.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsNotFound проверяет, что заказ не найден.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsInvalidRequest проверяет ошибки, которые исправляются на стороне клиента.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidTable) || errors.Is(err, ErrMenuIDsRequired)
}

// Unavailable оборачивает ошибку драйвера хранилища в ErrStorageUnavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return errors.Join(ErrStorageUnavailable, err)
}
