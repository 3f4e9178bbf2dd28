// Package kitchen принимает заказы столов, проверяет их по каталогу
// и передаёт в репозиторий заказов.
package kitchen

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
	"github.com/vladislavdragonenkov/kitchen/internal/metrics"
)

// reconcileTimeout ограничивает чтение стола после частично неудачной записи.
const reconcileTimeout = 2 * time.Second

// Placement — результат размещения заказов стола.
type Placement struct {
	Accepted []domain.Order
	Rejected []domain.Order
}

// Service — сервис заказов кухни.
type Service struct {
	catalog   domain.Catalog
	orders    domain.OrderRepository
	outbox    domain.OutboxRepository
	logger    *log.Entry
	metrics   *metrics.KitchenMetrics
	estimator Estimator
	now       func() time.Time
	newID     func() (uuid.UUID, error)
}

// Option настраивает Service.
type Option func(*Service)

// WithOutbox включает публикацию событий заказов через outbox.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(s *Service) {
		s.outbox = outbox
	}
}

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics задаёт метрики сервиса.
func WithMetrics(m *metrics.KitchenMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithEstimator задаёт оценку времени приготовления.
func WithEstimator(estimator Estimator) Option {
	return func(s *Service) {
		s.estimator = estimator
	}
}

// WithClock подменяет источник времени (используется в тестах).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService создаёт сервис заказов.
func NewService(catalog domain.Catalog, orders domain.OrderRepository, options ...Option) *Service {
	s := &Service{
		catalog: catalog,
		orders:  orders,
		now:     time.Now,
		newID:   uuid.NewV7,
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "kitchen")
	}
	if s.estimator == nil {
		s.estimator = DefaultEstimator()
	}
	return s
}

// PlaceOrders создаёт по заказу на каждую позицию menuIDs и сохраняет их.
// Заказы с неизвестной позицией меню возвращаются в Placement.Rejected и не сохраняются.
func (s *Service) PlaceOrders(ctx context.Context, tableID domain.TableID, menuIDs []domain.MenuID) (placement Placement, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("place_orders", err, time.Since(start)) }()

	if !s.catalog.IsValidTable(tableID) {
		return Placement{}, domain.ErrInvalidTable
	}
	if len(menuIDs) == 0 {
		return Placement{}, domain.ErrMenuIDsRequired
	}

	createdAt := s.now().Unix()
	candidates := make([]domain.Order, 0, len(menuIDs))
	for _, menuID := range menuIDs {
		id, err := s.newID()
		if err != nil {
			return Placement{}, fmt.Errorf("generate order id: %w", err)
		}
		candidates = append(candidates, domain.Order{
			ID:             id.String(),
			TableID:        tableID,
			MenuID:         menuID,
			CreatedAt:      createdAt,
			ProcessingTime: processingSeconds(s.estimator()),
			Status:         domain.OrderStatusProcessing,
		})
	}

	rejected, err := s.orders.StoreOrders(ctx, tableID, candidates)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"table_id": tableID,
			"orders":   len(candidates),
			"rejected": len(rejected),
		}).Warn("store orders failed")
		s.emitStoredPrefix(ctx, tableID, candidates, rejected)
		return Placement{}, err
	}

	accepted := subtractOrders(candidates, rejected)

	s.metrics.RecordPlaced(len(accepted), len(rejected))
	s.logger.WithFields(log.Fields{
		"table_id": tableID,
		"accepted": len(accepted),
		"rejected": len(rejected),
	}).Debug("orders placed")

	for _, order := range accepted {
		s.emitEvent(ctx, domain.EventOrderPlaced, order, "")
	}
	for _, order := range rejected {
		s.emitEvent(ctx, domain.EventOrderRejected, order, domain.ErrInvalidMenuItem.Error())
	}

	return Placement{Accepted: accepted, Rejected: rejected}, nil
}

// emitStoredPrefix публикует события для заказов, которые успели записаться до ошибки
// батча. Какие именно записаны, выясняется повторным чтением стола.
func (s *Service) emitStoredPrefix(ctx context.Context, tableID domain.TableID, candidates, rejected []domain.Order) {
	if s.outbox == nil {
		return
	}

	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()
	current, err := s.orders.GetOrders(readCtx, tableID)
	if err != nil {
		s.logger.WithError(err).WithField("table_id", tableID).
			Error("cannot read table after failed store, events of stored orders are lost")
		return
	}

	stored := make(map[string]struct{}, len(current))
	for _, order := range current {
		stored[order.ID] = struct{}{}
	}
	accepted := make([]domain.Order, 0)
	for _, order := range candidates {
		if _, ok := stored[order.ID]; ok {
			accepted = append(accepted, order)
		}
	}

	s.metrics.RecordPlaced(len(accepted), len(rejected))
	for _, order := range accepted {
		s.emitEvent(ctx, domain.EventOrderPlaced, order, "")
	}
	for _, order := range rejected {
		s.emitEvent(ctx, domain.EventOrderRejected, order, domain.ErrInvalidMenuItem.Error())
	}
}

// subtractOrders возвращает заказы all, которых нет в removed, сохраняя порядок.
func subtractOrders(all, removed []domain.Order) []domain.Order {
	skip := make(map[string]struct{}, len(removed))
	for _, order := range removed {
		skip[order.ID] = struct{}{}
	}
	out := make([]domain.Order, 0, len(all))
	for _, order := range all {
		if _, ok := skip[order.ID]; !ok {
			out = append(out, order)
		}
	}
	return out
}

// ListOrders возвращает заказы стола по возрастанию created_at.
func (s *Service) ListOrders(ctx context.Context, tableID domain.TableID) (orders []domain.Order, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("list_orders", err, time.Since(start)) }()

	if !s.catalog.IsValidTable(tableID) {
		return nil, domain.ErrInvalidTable
	}
	return s.orders.GetOrders(ctx, tableID)
}

// CancelOrder удаляет заказ стола и возвращает его последнее состояние.
func (s *Service) CancelOrder(ctx context.Context, tableID domain.TableID, orderID string) (order domain.Order, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("cancel_order", err, time.Since(start)) }()

	if !s.catalog.IsValidTable(tableID) {
		return domain.Order{}, domain.ErrInvalidTable
	}
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	order, err = s.orders.RemoveOrder(ctx, tableID, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordCancelled()
	cancelled := order
	cancelled.Status = domain.OrderStatusCancelled
	s.emitEvent(ctx, domain.EventOrderCancelled, cancelled, "")
	return order, nil
}

// ListMenus возвращает меню кухни.
func (s *Service) ListMenus(ctx context.Context) (items []domain.MenuItem, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("list_menus", err, time.Since(start)) }()

	return s.orders.ListMenus(ctx)
}

// emitEvent пишет событие в outbox. Ошибка записи не влияет на результат запроса.
func (s *Service) emitEvent(ctx context.Context, eventType string, order domain.Order, reason string) {
	if s.outbox == nil {
		return
	}

	fields := log.Fields{
		"order_id": order.ID,
		"table_id": order.TableID,
		"event":    eventType,
	}
	payload, err := json.Marshal(domain.OrderEvent{
		EventType:  eventType,
		Order:      order,
		Reason:     reason,
		OccurredAt: s.now().Unix(),
	})
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("marshal event failed")
		s.metrics.RecordOutboxEnqueueFailure()
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       payload,
	}
	if _, err := s.outbox.Enqueue(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.WithError(err).WithFields(fields).Warn("enqueue event failed")
		s.metrics.RecordOutboxEnqueueFailure()
	}
}

func processingSeconds(d time.Duration) int64 {
	seconds := int64(d / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}
