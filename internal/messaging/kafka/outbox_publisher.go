package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
)

// Envelope — событие outbox в том виде, в котором его читает consumer.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

func NewEnvelope(event domain.OutboxMessage) Envelope {
	return Envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   time.Now().UTC(),
	}
}

// OutboxTopicPublisher отправляет события outbox в один topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт publisher; пустой topic означает TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{producer: producer, topic: topic}
}

// Publish отправляет событие с ключом по ID заказа.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka outbox publisher is not initialized")
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}
	value, err := json.Marshal(NewEnvelope(event))
	if err != nil {
		return fmt.Errorf("encode outbox envelope %s: %w", event.ID, err)
	}
	return p.producer.send(ctx, p.topic, key, value, recordHeaders(event))
}

// recordHeaders добавляет x-table-id, если payload — событие заказа.
func recordHeaders(event domain.OutboxMessage) []sarama.RecordHeader {
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderEventType), Value: []byte(event.EventType)},
		{Key: []byte(HeaderAggregateType), Value: []byte(event.AggregateType)},
		{Key: []byte(HeaderOutboxID), Value: []byte(event.ID)},
	}

	var payload domain.OrderEvent
	if err := json.Unmarshal(event.Payload, &payload); err == nil && payload.Order.TableID > 0 {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(HeaderTableID),
			Value: []byte(strconv.Itoa(int(payload.Order.TableID))),
		})
	}
	return headers
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
