package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
)

const (
	methodListMenus   = "ListMenus"
	methodPlaceOrders = "PlaceOrders"
	methodListOrders  = "ListOrders"
	methodCancelOrder = "CancelOrder"
)

// apiError — ответ API с неожиданным статусом.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Message)
}

// kitchenClient — HTTP-клиент API кухни, который пишет каждый вызов в collector.
type kitchenClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	col     *collector
}

func newKitchenClient(baseURL string, httpClient *http.Client, timeout time.Duration, col *collector) *kitchenClient {
	return &kitchenClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		timeout: timeout,
		col:     col,
	}
}

func (c *kitchenClient) listMenus(ctx context.Context) ([]domain.MenuItem, error) {
	var items []domain.MenuItem
	err := c.call(ctx, methodListMenus, http.MethodGet, "/menus", nil, &items)
	return items, err
}

func (c *kitchenClient) placeOrders(ctx context.Context, tableID domain.TableID, menuIDs []domain.MenuID) ([]domain.Order, error) {
	var rejected []domain.Order
	body := map[string][]domain.MenuID{"menu_ids": menuIDs}
	err := c.call(ctx, methodPlaceOrders, http.MethodPost, ordersPath(tableID), body, &rejected)
	return rejected, err
}

func (c *kitchenClient) listOrders(ctx context.Context, tableID domain.TableID) ([]domain.Order, error) {
	var orders []domain.Order
	err := c.call(ctx, methodListOrders, http.MethodGet, ordersPath(tableID), nil, &orders)
	return orders, err
}

func (c *kitchenClient) cancelOrder(ctx context.Context, tableID domain.TableID, orderID string) (domain.Order, error) {
	var order domain.Order
	err := c.call(ctx, methodCancelOrder, http.MethodDelete, ordersPath(tableID)+"/"+orderID, nil, &order)
	return order, err
}

func ordersPath(tableID domain.TableID) string {
	return "/orders/" + strconv.FormatUint(uint64(tableID), 10)
}

func (c *kitchenClient) call(ctx context.Context, method, httpMethod, path string, in, out any) (err error) {
	start := time.Now()
	code := codeOK
	defer func() { c.col.record(method, time.Since(start), code) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			code = "marshal_error"
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, c.baseURL+path, body)
	if err != nil {
		code = "request_error"
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		code = transportCode(err)
		return fmt.Errorf("%s %s: %w", httpMethod, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		code = strconv.Itoa(resp.StatusCode)
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr)
		return &apiError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		code = "decode_error"
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func transportCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "transport_error"
}

// tableScenario проигрывает посещение одного стола:
// меню, N случайных заказов, проверка, отмена случайной части и повторная проверка.
type tableScenario struct {
	client    *kitchenClient
	tableID   domain.TableID
	minOrders int
	maxOrders int
	rnd       *rand.Rand
}

func (s *tableScenario) run(ctx context.Context) (placed, cancelled int, err error) {
	menus, err := s.client.listMenus(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("table %d: list menus: %w", s.tableID, err)
	}
	if len(menus) == 0 {
		return 0, 0, fmt.Errorf("table %d: menu is empty", s.tableID)
	}

	before, err := s.client.listOrders(ctx, s.tableID)
	if err != nil {
		return 0, 0, fmt.Errorf("table %d: list orders: %w", s.tableID, err)
	}
	known := make(map[string]struct{}, len(before))
	for _, order := range before {
		known[order.ID] = struct{}{}
	}

	count := s.minOrders
	if s.maxOrders > s.minOrders {
		count += s.rnd.IntN(s.maxOrders - s.minOrders + 1)
	}
	menuIDs := make([]domain.MenuID, count)
	for i := range menuIDs {
		menuIDs[i] = menus[s.rnd.IntN(len(menus))].ID
	}

	rejected, err := s.client.placeOrders(ctx, s.tableID, menuIDs)
	if err != nil {
		return 0, 0, fmt.Errorf("table %d: place orders: %w", s.tableID, err)
	}
	if len(rejected) != 0 {
		return 0, 0, fmt.Errorf("table %d: %d orders rejected for menu items from /menus", s.tableID, len(rejected))
	}

	after, err := s.client.listOrders(ctx, s.tableID)
	if err != nil {
		return count, 0, fmt.Errorf("table %d: list orders: %w", s.tableID, err)
	}
	fresh := newOrders(after, known)
	if len(fresh) != count {
		return count, 0, fmt.Errorf("table %d: expected %d new orders, got %d", s.tableID, count, len(fresh))
	}

	toCancel := s.rnd.IntN(len(fresh) + 1)
	s.rnd.Shuffle(len(fresh), func(i, j int) { fresh[i], fresh[j] = fresh[j], fresh[i] })
	removed := make(map[string]struct{}, toCancel)
	for _, order := range fresh[:toCancel] {
		got, err := s.client.cancelOrder(ctx, s.tableID, order.ID)
		if err != nil {
			return count, len(removed), fmt.Errorf("table %d: cancel order %s: %w", s.tableID, order.ID, err)
		}
		if got.ID != order.ID {
			return count, len(removed), fmt.Errorf("table %d: cancel returned order %s, want %s", s.tableID, got.ID, order.ID)
		}
		removed[order.ID] = struct{}{}
	}

	final, err := s.client.listOrders(ctx, s.tableID)
	if err != nil {
		return count, len(removed), fmt.Errorf("table %d: list orders: %w", s.tableID, err)
	}
	remaining := newOrders(final, known)
	if len(remaining) != count-len(removed) {
		return count, len(removed), fmt.Errorf("table %d: expected %d remaining orders, got %d", s.tableID, count-len(removed), len(remaining))
	}
	for _, order := range remaining {
		if _, gone := removed[order.ID]; gone {
			return count, len(removed), fmt.Errorf("table %d: cancelled order %s is still listed", s.tableID, order.ID)
		}
	}
	return count, len(removed), nil
}

func newOrders(orders []domain.Order, known map[string]struct{}) []domain.Order {
	fresh := make([]domain.Order, 0, len(orders))
	for _, order := range orders {
		if _, ok := known[order.ID]; !ok {
			fresh = append(fresh, order)
		}
	}
	return fresh
}
