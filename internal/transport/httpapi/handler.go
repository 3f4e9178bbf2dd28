// Package httpapi публикует сервис кухни по HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
	"github.com/vladislavdragonenkov/kitchen/internal/metrics"
	"github.com/vladislavdragonenkov/kitchen/internal/service/kitchen"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxBodyBytes          = 1 << 20
)

var errMalformedTableID = errors.New("table_id must be an integer in range 0..65535")

// KitchenService описывает операции, которые нужны HTTP-слою.
type KitchenService interface {
	PlaceOrders(ctx context.Context, tableID domain.TableID, menuIDs []domain.MenuID) (kitchen.Placement, error)
	ListOrders(ctx context.Context, tableID domain.TableID) ([]domain.Order, error)
	CancelOrder(ctx context.Context, tableID domain.TableID, orderID string) (domain.Order, error)
	ListMenus(ctx context.Context) ([]domain.MenuItem, error)
}

// Options настраивает роутер.
type Options struct {
	Logger         *log.Entry
	Metrics        *metrics.KitchenMetrics
	RequestTimeout time.Duration
}

// PlaceOrdersRequest тело POST /orders/{table_id}.
type PlaceOrdersRequest struct {
	MenuIDs []domain.MenuID `json:"menu_ids"`
}

// ErrorResponse тело ответа с ошибкой.
type ErrorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	svc    KitchenService
	logger *log.Entry
}

// NewRouter собирает chi-роутер API кухни.
func NewRouter(svc KitchenService, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	h := &handler{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger, opts.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/hi", h.hello)
	r.Get("/menus", h.listMenus)
	r.Route("/orders/{table_id}", func(r chi.Router) {
		r.Post("/", h.placeOrders)
		r.Get("/", h.listOrders)
		r.Delete("/{order_id}", h.cancelOrder)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

func (h *handler) hello(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Hello, World!"))
}

func (h *handler) listMenus(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListMenus(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.MenuItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) placeOrders(w http.ResponseWriter, r *http.Request) {
	tableID, err := parseTableID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req PlaceOrdersRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	placement, err := h.svc.PlaceOrders(r.Context(), tableID, req.MenuIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	rejected := placement.Rejected
	if rejected == nil {
		rejected = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, rejected)
}

func (h *handler) listOrders(w http.ResponseWriter, r *http.Request) {
	tableID, err := parseTableID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orders, err := h.svc.ListOrders(r.Context(), tableID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	tableID, err := parseTableID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.svc.CancelOrder(r.Context(), tableID, chi.URLParam(r, "order_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func parseTableID(r *http.Request) (domain.TableID, error) {
	raw := chi.URLParam(r, "table_id")
	id, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, errMalformedTableID
	}
	return domain.TableID(id), nil
}

// writeServiceError переводит доменные ошибки в HTTP-статусы.
func (h *handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.IsInvalidRequest(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case domain.IsStorageUnavailable(err):
		h.logger.WithError(err).WithField("path", r.URL.Path).Warn("storage unavailable")
		writeError(w, http.StatusServiceUnavailable, domain.ErrStorageUnavailable.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
