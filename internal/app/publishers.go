package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
	"github.com/vladislavdragonenkov/kitchen/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/kitchen/internal/messaging/rabbitmq"
)

// eventPublishers — основной publisher outbox и publisher для DLQ.
type eventPublishers struct {
	events  domain.OutboxPublisher
	dlq     domain.OutboxPublisher
	closeFn func()
}

func (p *eventPublishers) close() {
	if p != nil && p.closeFn != nil {
		p.closeFn()
	}
}

// initEventPublishers подключается к брокеру событий. Для EventsBrokerNone
// возвращает пустой набор: outbox worker в этом случае не запускается.
func initEventPublishers(cfg Config, logger *log.Entry) (*eventPublishers, error) {
	switch cfg.EventsBroker {
	case EventsBrokerNone, "":
		return &eventPublishers{}, nil

	case EventsBrokerKafka:
		producer, err := initKafkaProducer(cfg.KafkaBrokerList(), logger)
		if err != nil {
			return nil, err
		}
		return &eventPublishers{
			events:  kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
			dlq:     kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue),
			closeFn: func() { closeKafkaProducer(producer, logger) },
		}, nil

	case EventsBrokerRabbitMQ:
		events, err := rabbitmq.NewPublisher(cfg.RabbitMQURL, rabbitmq.ExchangeOrderEvents, logger)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		dlq, err := rabbitmq.NewPublisher(cfg.RabbitMQURL, rabbitmq.ExchangeDeadLetter, logger)
		if err != nil {
			_ = events.Close()
			return nil, fmt.Errorf("connect rabbitmq dlq: %w", err)
		}
		logger.WithField("exchange", rabbitmq.ExchangeOrderEvents).Info("rabbitmq publisher initialized")
		return &eventPublishers{
			events: events,
			dlq:    dlq,
			closeFn: func() {
				closeRabbitPublisher(events, logger)
				closeRabbitPublisher(dlq, logger)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported events broker %q", cfg.EventsBroker)
	}
}

// initKafkaProducer создаёт Kafka producer для списка брокеров.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are not configured")
	}

	producer, err := kafka.NewProducer(brokers, logger)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// closeKafkaProducer закрывает Kafka producer если он не nil.
func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

func closeRabbitPublisher(publisher *rabbitmq.Publisher, logger *log.Entry) {
	if publisher == nil {
		return
	}

	if err := publisher.Close(); err != nil {
		logger.WithError(err).Warn("failed to close rabbitmq publisher")
	}
}
