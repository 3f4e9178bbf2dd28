// Package outbox доставляет события заказов кухни из outbox в брокер.
//
// События одного заказа уходят в порядке записи: если событие заказа не удалось
// доставить, следующие события того же заказа в батче остаются в outbox до
// следующего цикла и не обгоняют его.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
	"github.com/vladislavdragonenkov/kitchen/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	// maxCatchUpBatches ограничивает число батчей подряд без паузы, когда backlog растёт.
	maxCatchUpBatches = 10
)

// Исходы доставки события, они же значения label outcome.
const (
	outcomeSent       = "sent"
	outcomeRetry      = "retry"
	outcomeDeadLetter = "dead_letter"
	outcomeHeld       = "held"
)

// BatchResult — итог одного цикла доставки.
type BatchResult struct {
	Pulled       int
	Sent         int
	DeadLettered int
	// Held — события, отложенные из-за неудачи предыдущего события того же заказа.
	Held int
}

// Full сообщает, что outbox вернул полный батч и backlog, вероятно, не исчерпан.
func (r BatchResult) Full(batchSize int) bool {
	return batchSize > 0 && r.Pulled >= batchSize
}

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithMetrics задаёт метрики доставки и backlog.
func WithMetrics(m *metrics.KitchenMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithDLQPublisher задаёт publisher для событий, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

// WithPollInterval задаёт паузу между циклами.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) { w.pollInterval = interval }
}

// WithBatchSize задаёт размер батча.
func WithBatchSize(size int) Option {
	return func(w *Worker) { w.batchSize = size }
}

// WithMaxAttempts задаёт число попыток публикации до DLQ.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) { w.maxAttempts = attempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками, дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = delay }
}

// Worker публикует pending-события заказов.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlq            domain.OutboxPublisher
	logger         *log.Entry
	metrics        *metrics.KitchenMetrics
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

// NewWorker создаёт воркер. Неположительные параметры заменяются значениями по умолчанию.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		now:            time.Now,
	}
	for _, option := range options {
		option(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.retryBaseDelay < 0 {
		w.retryBaseDelay = 0
	}
	return w
}

// Run обрабатывает outbox до отмены ctx. После полного батча следующий
// забирается сразу, но не больше maxCatchUpBatches раз подряд.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		for batch := 1; batch <= maxCatchUpBatches; batch++ {
			result := w.ProcessOnce(ctx)
			if ctx.Err() != nil || !result.Full(w.batchSize) {
				break
			}
		}
		timer.Reset(w.pollInterval)
	}
}

// ProcessOnce забирает один батч и пытается доставить каждое событие.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var result BatchResult
	if ctx.Err() != nil {
		return result
	}
	defer w.refreshBacklog(ctx)

	events, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending order events failed")
		return result
	}
	result.Pulled = len(events)

	blocked := make(map[string]struct{})
	for _, event := range events {
		if ctx.Err() != nil {
			return result
		}
		if _, ok := blocked[event.AggregateID]; ok {
			result.Held++
			w.metrics.RecordOutboxDelivery(event.EventType, outcomeHeld)
			continue
		}

		if err := w.publish(ctx, event); err != nil {
			blocked[event.AggregateID] = struct{}{}
			if ctx.Err() != nil {
				// Событие остаётся pending и уйдёт после рестарта.
				return result
			}
			w.deadLetter(ctx, event, err)
			result.DeadLettered++
			continue
		}

		if err := w.repo.MarkSent(ctx, event.ID); err != nil {
			w.eventLogger(event).WithError(err).Warn("mark order event as sent failed")
		}
		result.Sent++
	}
	return result
}

// publish делает до maxAttempts попыток с экспоненциальной паузой.
func (w *Worker) publish(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, w.retryBackoff(attempt-1)); err != nil {
				return err
			}
		}

		lastErr = w.publisher.Publish(ctx, event)
		if lastErr == nil {
			w.metrics.RecordOutboxDelivery(event.EventType, outcomeSent)
			return nil
		}
		w.metrics.RecordOutboxDelivery(event.EventType, outcomeRetry)
	}
	return fmt.Errorf("publish %s after %d attempts: %w", event.EventType, w.maxAttempts, lastErr)
}

// deadLetter отправляет событие в DLQ и помечает его failed.
// Ошибка DLQ только логируется: событие всё равно снимается с доставки.
func (w *Worker) deadLetter(ctx context.Context, event domain.OutboxMessage, cause error) {
	logger := w.eventLogger(event).WithError(cause)
	logger.Error("order event moved to dead letter")
	w.metrics.RecordOutboxDelivery(event.EventType, outcomeDeadLetter)

	if w.dlq != nil {
		msg, err := newDeadLetter(event, cause, w.now())
		if err == nil {
			err = w.dlq.Publish(ctx, msg)
		}
		if err != nil {
			logger.WithField("dlq_error", err.Error()).Warn("publish to dead letter failed")
		}
	}
	if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
		w.eventLogger(event).WithError(err).Warn("mark order event as failed failed")
	}
}

func (w *Worker) eventLogger(event domain.OutboxMessage) *log.Entry {
	return w.logger.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"order_id":   event.AggregateID,
		"event_type": event.EventType,
	})
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(context.WithoutCancel(ctx))
	if err != nil {
		w.logger.WithError(err).Warn("collect outbox backlog failed")
		return
	}
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = w.now().Sub(stats.OldestPendingAt)
	}
	w.metrics.SetOutboxBacklog(stats.PendingCount, age)
}

// retryBackoff возвращает паузу перед повтором номер n (с единицы): base * 2^(n-1).
func (w *Worker) retryBackoff(n int) time.Duration {
	if w.retryBaseDelay <= 0 || n < 1 {
		return 0
	}
	const maxDelay = time.Duration(1<<63 - 1)
	delay := w.retryBaseDelay
	for i := 1; i < n; i++ {
		if delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// deadLetterEnvelope — тело сообщения в DLQ: исходное событие и причина отказа.
type deadLetterEnvelope struct {
	OutboxID     string          `json:"outbox_id"`
	OrderID      string          `json:"order_id"`
	EventType    string          `json:"event_type"`
	Event        json.RawMessage `json:"event"`
	PublishError string          `json:"publish_error"`
	DeadAt       time.Time       `json:"dead_at"`
}

func newDeadLetter(event domain.OutboxMessage, cause error, at time.Time) (domain.OutboxMessage, error) {
	raw := json.RawMessage(event.Payload)
	if !json.Valid(raw) {
		quoted, err := json.Marshal(string(event.Payload))
		if err != nil {
			return domain.OutboxMessage{}, err
		}
		raw = quoted
	}

	body, err := json.Marshal(deadLetterEnvelope{
		OutboxID:     event.ID,
		OrderID:      event.AggregateID,
		EventType:    event.EventType,
		Event:        raw,
		PublishError: cause.Error(),
		DeadAt:       at.UTC(),
	})
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("encode dead letter: %w", err)
	}

	msg := event
	msg.Payload = body
	return msg, nil
}
