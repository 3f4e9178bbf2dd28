package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
)

const (
	defaultWriteRetries = 5
	compensationTimeout = 2 * time.Second
)

// getOrdersScript читает индекс стола и записи заказов одним атомарным шагом.
var getOrdersScript = goredis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local out = {}
for _, id in ipairs(ids) do
	local record = redis.call('GET', KEYS[1] .. ':' .. id)
	if record then
		table.insert(out, record)
	end
end
return out
`)

// rollbackScript снимает запись и элемент индекса, только если запись та самая,
// что писал этот вызов. Чужой заказ с тем же ключом не трогается.
var rollbackScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// OrderRepository — реализация domain.OrderRepository поверх Redis.
//
// Каждый заказ пишется под WATCH своей записи: если запись уже есть, это дубликат,
// иначе MULTI выполняет SISMEMBER по меню, SET записи и ZADD в индекс стола.
// Если позиции нет в меню или ответ EXEC потерян, запись откатывается.
type OrderRepository struct {
	client       *goredis.Client
	catalog      domain.Catalog
	logger       *log.Entry
	writeRetries int
}

// Option настраивает OrderRepository.
type Option func(*OrderRepository)

// WithLogger задаёт logger репозитория.
func WithLogger(logger *log.Entry) Option {
	return func(r *OrderRepository) { r.logger = logger }
}

// NewOrderRepository создаёт репозиторий заказов.
func NewOrderRepository(store *Store, catalog domain.Catalog, options ...Option) *OrderRepository {
	r := &OrderRepository{
		client:       store.client,
		catalog:      catalog,
		writeRetries: defaultWriteRetries,
	}
	for _, option := range options {
		option(r)
	}
	if r.logger == nil {
		r.logger = log.WithField("component", "redis-orders")
	}
	return r
}

// StoreOrders сохраняет заказы стола; отклонённые заказы не оставляют ключей.
// Повтор ID уже сохранённого заказа прерывает батч с domain.ErrDuplicateOrder.
func (r *OrderRepository) StoreOrders(ctx context.Context, tableID domain.TableID, orders []domain.Order) ([]domain.Order, error) {
	if !r.catalog.IsValidTable(tableID) {
		return nil, domain.ErrInvalidTable
	}

	rejected := make([]domain.Order, 0)
	for _, order := range orders {
		order.TableID = tableID
		if err := domain.CheckCandidate(order); err != nil {
			return rejected, err
		}

		accepted, err := r.storeOrder(ctx, order)
		if err != nil {
			return rejected, err
		}
		if !accepted {
			rejected = append(rejected, order)
		}
	}
	return rejected, nil
}

// storeOrder пишет один заказ. false без ошибки означает, что позиции нет в меню.
func (r *OrderRepository) storeOrder(ctx context.Context, order domain.Order) (bool, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return false, fmt.Errorf("encode order %s: %w", order.ID, err)
	}
	w := pendingWrite{
		indexKey:  tableIndexKey(order.TableID),
		recordKey: orderKey(order.TableID, order.ID),
		orderID:   order.ID,
		payload:   payload,
	}

	for attempt := 0; attempt < r.writeRetries; attempt++ {
		var (
			menuExists *goredis.BoolCmd
			sentExec   bool
		)
		err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
			n, err := tx.Exists(ctx, w.recordKey).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return domain.ErrDuplicateOrder
			}

			sentExec = true
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				menuExists = pipe.SIsMember(ctx, menusKey, uint64(order.MenuID))
				pipe.Set(ctx, w.recordKey, w.payload, 0)
				pipe.ZAdd(ctx, w.indexKey, goredis.Z{Score: float64(order.CreatedAt), Member: order.ID})
				return nil
			})
			return err
		}, w.recordKey)

		switch {
		case err == nil:
			if menuExists.Val() {
				return true, nil
			}
			if err := r.rollback(ctx, w); err != nil {
				return false, fmt.Errorf("rollback rejected order %s: %w", order.ID, storeError(err))
			}
			return false, nil
		case errors.Is(err, goredis.TxFailedErr):
			// Запись появилась между WATCH и EXEC, на повторе это будет дубликат.
			continue
		case errors.Is(err, domain.ErrDuplicateOrder):
			return false, fmt.Errorf("store order %s: %w", order.ID, err)
		}

		// EXEC мог дойти до сервера, а ответ потеряться: заказ не считается принятым,
		// поэтому его запись снимается.
		if sentExec {
			if rbErr := r.rollback(ctx, w); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
		}
		return false, fmt.Errorf("store order %s: %w", order.ID, storeError(err))
	}

	return false, domain.Unavailable(fmt.Errorf("store order %s: too many concurrent updates", order.ID))
}

// pendingWrite — ключи и тело записи одного заказа.
type pendingWrite struct {
	indexKey  string
	recordKey string
	orderID   string
	payload   []byte
}

// rollback снимает запись этого вызова. Выполняется и после отмены ctx вызывающего,
// иначе в индексе стола останется заказ, о котором клиент не знает.
func (r *OrderRepository) rollback(ctx context.Context, w pendingWrite) error {
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	err := rollbackScript.Run(compCtx, r.client, []string{w.recordKey, w.indexKey}, string(w.payload), w.orderID).Err()
	if err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"record_key": w.recordKey,
			"index_key":  w.indexKey,
			"order_id":   w.orderID,
		}).Error("rollback of order write failed, keys may be orphaned")
	}
	return err
}

// GetOrders возвращает заказы стола по возрастанию created_at.
func (r *OrderRepository) GetOrders(ctx context.Context, tableID domain.TableID) ([]domain.Order, error) {
	if !r.catalog.IsValidTable(tableID) {
		return nil, domain.ErrInvalidTable
	}

	records, err := getOrdersScript.Run(ctx, r.client, []string{tableIndexKey(tableID)}).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("get orders of table %d: %w", tableID, storeError(err))
	}

	orders := make([]domain.Order, 0, len(records))
	for _, record := range records {
		var order domain.Order
		if err := json.Unmarshal([]byte(record), &order); err != nil {
			return nil, fmt.Errorf("decode order of table %d: %w", tableID, err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// RemoveOrder удаляет заказ под WATCH записи, повторяя транзакцию при конкурентных изменениях.
func (r *OrderRepository) RemoveOrder(ctx context.Context, tableID domain.TableID, orderID string) (domain.Order, error) {
	if !r.catalog.IsValidTable(tableID) {
		return domain.Order{}, domain.ErrInvalidTable
	}

	indexKey := tableIndexKey(tableID)
	recordKey := orderKey(tableID, orderID)

	for attempt := 0; attempt < r.writeRetries; attempt++ {
		var removed domain.Order
		err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
			raw, err := tx.Get(ctx, recordKey).Bytes()
			if errors.Is(err, goredis.Nil) {
				return domain.ErrOrderNotFound
			}
			if err != nil {
				return storeError(err)
			}
			if err := json.Unmarshal(raw, &removed); err != nil {
				return fmt.Errorf("decode order %s: %w", orderID, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.ZRem(ctx, indexKey, orderID)
				pipe.Del(ctx, recordKey)
				return nil
			})
			return err
		}, recordKey)

		switch {
		case err == nil:
			return removed, nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case errors.Is(err, domain.ErrOrderNotFound):
			return domain.Order{}, err
		default:
			return domain.Order{}, fmt.Errorf("remove order %s: %w", orderID, storeError(err))
		}
	}

	return domain.Order{}, domain.Unavailable(fmt.Errorf("remove order %s: too many concurrent updates", orderID))
}

// ListMenus читает меню из Redis по возрастанию ID.
func (r *OrderRepository) ListMenus(ctx context.Context) ([]domain.MenuItem, error) {
	members, err := r.client.SMembers(ctx, menusKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list menus: %w", storeError(err))
	}

	ids := make([]domain.MenuID, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseUint(member, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("parse menu id %q: %w", member, err)
		}
		ids = append(ids, domain.MenuID(id))
	}
	slices.Sort(ids)
	if len(ids) == 0 {
		return []domain.MenuItem{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, menuNameKey(id))
	}
	names, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list menu names: %w", storeError(err))
	}

	items := make([]domain.MenuItem, 0, len(ids))
	for i, id := range ids {
		name, _ := names[i].(string)
		items = append(items, domain.MenuItem{ID: id, Name: name})
	}
	return items, nil
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
