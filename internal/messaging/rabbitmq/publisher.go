// Package rabbitmq публикует события заказов из outbox в topic exchange RabbitMQ.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
)

const (
	// ExchangeOrderEvents — topic exchange событий заказов, routing key равен типу события.
	ExchangeOrderEvents = "kitchen.order.events"
	// ExchangeDeadLetter — exchange для событий, не опубликованных после retry.
	ExchangeDeadLetter = "kitchen.order.dlq"

	publishTimeout = 10 * time.Second
)

// channel — подмножество *amqp.Channel, которое нужно паблишеру.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// connection — подмножество *amqp.Connection.
type connection interface {
	Close() error
}

// dialFunc открывает соединение и канал.
type dialFunc func(url string) (connection, channel, error)

func dialAMQP(url string) (connection, channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	return conn, ch, nil
}

// Publisher реализует domain.OutboxPublisher поверх RabbitMQ.
// При закрытом канале переподключается перед публикацией.
type Publisher struct {
	mu       sync.Mutex
	url      string
	exchange string
	dial     dialFunc
	conn     connection
	ch       channel
	logger   *log.Entry
}

// NewPublisher подключается к RabbitMQ и объявляет exchange.
func NewPublisher(url, exchange string, logger *log.Entry) (*Publisher, error) {
	return newPublisher(url, exchange, logger, dialAMQP)
}

func newPublisher(url, exchange string, logger *log.Entry, dial dialFunc) (*Publisher, error) {
	if exchange == "" {
		exchange = ExchangeOrderEvents
	}
	if logger == nil {
		logger = log.WithField("component", "rabbitmq-publisher")
	}

	p := &Publisher{
		url:      url,
		exchange: exchange,
		dial:     dial,
		logger:   logger,
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect вызывается под p.mu либо до публикации паблишера.
func (p *Publisher) connect() error {
	conn, ch, err := p.dial(p.url)
	if err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	p.conn = conn
	p.ch = ch
	return nil
}

// Publish отправляет событие с routing key, равным типу события.
func (p *Publisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil {
		return errors.New("rabbitmq publisher is not initialized")
	}

	body, err := json.Marshal(struct {
		ID            string          `json:"id"`
		AggregateType string          `json:"aggregate_type"`
		AggregateID   string          `json:"aggregate_id"`
		EventType     string          `json:"event_type"`
		Payload       json.RawMessage `json:"payload"`
	}{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
	})
	if err != nil {
		return fmt.Errorf("marshal outbox message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		p.closeLocked()
		if err := p.connect(); err != nil {
			return fmt.Errorf("reconnect rabbitmq: %w", err)
		}
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(
		publishCtx,
		p.exchange,      // exchange
		event.EventType, // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Type:         event.EventType,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"exchange":    p.exchange,
			"routing_key": event.EventType,
			"outbox_id":   event.ID,
		}).Error("failed to publish message to rabbitmq")
		return fmt.Errorf("publish to rabbitmq: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"exchange":    p.exchange,
		"routing_key": event.EventType,
		"size":        len(body),
	}).Debug("message published to rabbitmq")
	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close закрывает канал и соединение.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

var _ domain.OutboxPublisher = (*Publisher)(nil)
