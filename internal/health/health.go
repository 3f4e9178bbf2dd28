// Package health агрегирует проверки хранилища и outbox кухни для /healthz, /readyz
// и gRPC health. Unhealthy снимает экземпляр из балансировки, degraded только сообщается.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Status — состояние компонента.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const defaultCheckTimeout = 2 * time.Second

// worse возвращает более тяжёлый из двух статусов.
func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusUnhealthy:
			return 2
		case StatusDegraded:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Check — результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Failing возвращает имена unhealthy-проверок по алфавиту.
func (r Response) Failing() []string {
	var names []string
	for name, c := range r.Checks {
		if c.Status == StatusUnhealthy {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

type Checker interface {
	Check(ctx context.Context) Check
}

// Handler хранит зарегистрированные проверки.
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	startedAt time.Time
}

func NewHandler(version string) *Handler {
	return &Handler{
		checkers:  make(map[string]Checker),
		version:   version,
		startedAt: time.Now(),
	}
}

// RegisterChecker добавляет или заменяет проверку с именем name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Evaluate запускает проверки параллельно: медленный Redis не задерживает проверку outbox.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	checkers := make([]Checker, 0, len(h.checkers))
	for name, c := range h.checkers {
		names = append(names, name)
		checkers = append(checkers, c)
	}
	h.mu.RUnlock()

	results := make([]Check, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	resp := Response{
		Status:        StatusHealthy,
		Timestamp:     time.Now(),
		Checks:        make(map[string]Check, len(results)),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	for i, c := range results {
		resp.Checks[names[i]] = c
		resp.Status = worse(resp.Status, c.Status)
	}
	return resp
}

// ServeHTTP отдаёт /healthz: 503 только для unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Evaluate(r.Context())

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// LivenessHandler отвечает 200, пока процесс обслуживает HTTP.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler отвечает 503 со списком упавших проверок.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if failing := h.Evaluate(r.Context()).Failing(); len(failing) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + strings.Join(failing, ", ")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// SyncGRPC переносит агрегированный статус в gRPC health server каждые interval до отмены ctx.
// Пустое имя сервиса означает статус всего сервера.
func (h *Handler) SyncGRPC(ctx context.Context, server *health.Server, service string, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status := healthpb.HealthCheckResponse_SERVING
		if h.Evaluate(ctx).Status == StatusUnhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		server.SetServingStatus(service, status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SimpleChecker превращает функцию в проверку: ошибка означает unhealthy.
type SimpleChecker struct {
	name    string
	checkFn func(ctx context.Context) error
}

func NewSimpleChecker(name string, checkFn func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, checkFn: checkFn}
}

func (c *SimpleChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.checkFn(ctx)
	return result(c.name, start, err)
}

func result(name string, start time.Time, err error) Check {
	check := Check{Name: name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// Pinger — хранилище заказов, которое умеет проверять соединение.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker проверяет хранилище через Ping. Ответ медленнее slowThreshold даёт degraded.
type PingChecker struct {
	name          string
	pinger        Pinger
	timeout       time.Duration
	slowThreshold time.Duration
}

func NewPingChecker(name string, pinger Pinger, slowThreshold time.Duration) *PingChecker {
	return &PingChecker{name: name, pinger: pinger, timeout: defaultCheckTimeout, slowThreshold: slowThreshold}
}

func (c *PingChecker) Check(ctx context.Context) Check {
	pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	check := result(c.name, start, c.pinger.Ping(pingCtx))
	if check.Status == StatusHealthy && c.slowThreshold > 0 && time.Since(start) > c.slowThreshold {
		check.Status = StatusDegraded
		check.Message = "slow response"
	}
	return check
}

// Backlog — снимок очереди неотправленных событий.
type Backlog struct {
	Pending  int
	OldestAt time.Time
}

// BacklogChecker следит за outbox: больше maxPending событий даёт unhealthy,
// событие старше maxAge даёт degraded. Нулевой предел не проверяется.
type BacklogChecker struct {
	name       string
	stats      func(ctx context.Context) (Backlog, error)
	maxPending int
	maxAge     time.Duration
	now        func() time.Time
}

func NewBacklogChecker(name string, stats func(ctx context.Context) (Backlog, error), maxPending int, maxAge time.Duration) *BacklogChecker {
	return &BacklogChecker{name: name, stats: stats, maxPending: maxPending, maxAge: maxAge, now: time.Now}
}

func (c *BacklogChecker) Check(ctx context.Context) Check {
	checkCtx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
	defer cancel()

	start := time.Now()
	b, err := c.stats(checkCtx)
	if err != nil {
		return result(c.name, start, err)
	}
	if c.maxPending > 0 && b.Pending > c.maxPending {
		return result(c.name, start, fmt.Errorf("backlog %d exceeds %d", b.Pending, c.maxPending))
	}

	check := result(c.name, start, nil)
	if c.maxAge > 0 && b.Pending > 0 && !b.OldestAt.IsZero() {
		if age := c.now().Sub(b.OldestAt); age > c.maxAge {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("oldest pending event is %s old", age.Truncate(time.Second))
		}
	}
	return check
}
