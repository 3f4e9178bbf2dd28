package kafka

// Topics событий кухни.
const (
	TopicOrderEvents = "kitchen.order.events"
	// TopicDeadLetterQueue получает события, которые не удалось доставить после всех попыток.
	TopicDeadLetterQueue = "kitchen.order.dlq"
)

// Заголовки сообщения. По ним consumer фильтрует события, не разбирая тело.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOutboxID      = "x-outbox-id"
	HeaderTableID       = "x-table-id"
)
