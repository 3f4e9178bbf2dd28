package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// KitchenMetrics содержит метрики сервиса заказов кухни.
type KitchenMetrics struct {
	// Счётчики заказов
	ordersPlaced    prometheus.Counter
	ordersRejected  prometheus.Counter
	ordersCancelled prometheus.Counter

	// Outbox: ошибки постановки, доставка и backlog
	outboxEnqueueFailures prometheus.Counter
	outboxDeliveries      *prometheus.CounterVec
	outboxPending         prometheus.Gauge
	outboxOldestAge       prometheus.Gauge

	// Время выполнения операций сервиса
	operationDuration *prometheus.HistogramVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInFlight        prometheus.Gauge
}

// NewKitchenMetrics создаёт метрики в DefaultRegisterer.
func NewKitchenMetrics() *KitchenMetrics {
	return NewKitchenMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewKitchenMetricsWithRegisterer создаёт метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewKitchenMetricsWithRegisterer(registerer prometheus.Registerer) *KitchenMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &KitchenMetrics{
		ordersPlaced: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kitchen_orders_placed_total",
			Help: "Total number of orders accepted by the kitchen",
		}),
		ordersRejected: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kitchen_orders_rejected_total",
			Help: "Total number of orders rejected because of unknown menu items",
		}),
		ordersCancelled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kitchen_orders_cancelled_total",
			Help: "Total number of cancelled orders",
		}),
		outboxEnqueueFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "kitchen_outbox_enqueue_failures_total",
			Help: "Total number of order events that could not be written to outbox",
		}),
		outboxDeliveries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "kitchen_outbox_deliveries_total",
			Help: "Outbox delivery outcomes grouped by event type",
		}, []string{"event_type", "outcome"}),
		outboxPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "kitchen_outbox_pending_events",
			Help: "Number of order events waiting for delivery",
		}),
		outboxOldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "kitchen_outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest undelivered order event in seconds",
		}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "kitchen_operation_duration_seconds",
			Help:    "Duration of kitchen service operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation", "result"}),
		httpRequests: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "kitchen_http_requests_total",
			Help: "Total number of HTTP requests grouped by route and status",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "kitchen_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "kitchen_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordPlaced учитывает принятые и отклонённые заказы одного запроса.
func (m *KitchenMetrics) RecordPlaced(accepted, rejected int) {
	if m == nil {
		return
	}
	m.ordersPlaced.Add(float64(accepted))
	m.ordersRejected.Add(float64(rejected))
}

// RecordCancelled увеличивает счётчик отменённых заказов.
func (m *KitchenMetrics) RecordCancelled() {
	if m == nil {
		return
	}
	m.ordersCancelled.Inc()
}

// RecordOutboxEnqueueFailure увеличивает счётчик ошибок записи в outbox.
func (m *KitchenMetrics) RecordOutboxEnqueueFailure() {
	if m == nil {
		return
	}
	m.outboxEnqueueFailures.Inc()
}

// RecordOutboxDelivery учитывает исход доставки события: sent, retry, dead_letter, held.
func (m *KitchenMetrics) RecordOutboxDelivery(eventType, outcome string) {
	if m == nil {
		return
	}
	m.outboxDeliveries.WithLabelValues(eventType, outcome).Inc()
}

// SetOutboxBacklog выставляет размер backlog и возраст самого старого события.
func (m *KitchenMetrics) SetOutboxBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.outboxPending.Set(float64(pending))
	m.outboxOldestAge.Set(oldestAge.Seconds())
}

// ObserveOperation записывает длительность операции сервиса.
func (m *KitchenMetrics) ObserveOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operationDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// HTTPRequestStarted увеличивает число обрабатываемых запросов.
func (m *KitchenMetrics) HTTPRequestStarted() {
	if m == nil {
		return
	}
	m.httpInFlight.Inc()
}

// ObserveHTTPRequest фиксирует завершённый HTTP-запрос.
func (m *KitchenMetrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpInFlight.Dec()
	m.httpRequests.WithLabelValues(method, route, fmt.Sprintf("%d", status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
