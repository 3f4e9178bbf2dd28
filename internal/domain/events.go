package domain

// Типы событий заказа, которые кухня публикует через outbox.
const (
	EventOrderPlaced    = "order.placed"
	EventOrderRejected  = "order.rejected"
	EventOrderCancelled = "order.cancelled"

	AggregateOrder = "order"
)

// OrderEvent — полезная нагрузка события заказа.
type OrderEvent struct {
	EventType string `json:"event_type"`
	Order     Order  `json:"order"`
	Reason    string `json:"reason,omitempty"`
	// OccurredAt — unix-время события в секундах.
	OccurredAt int64 `json:"occurred_at"`
}
