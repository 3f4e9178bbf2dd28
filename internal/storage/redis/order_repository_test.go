package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/kitchen/internal/catalog"
	"github.com/vladislavdragonenkov/kitchen/internal/domain"
)

func newTestRepository(t *testing.T) (*OrderRepository, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	store := NewStore(client)
	t.Cleanup(func() { _ = store.Close() })

	c := catalog.Default()
	require.NoError(t, store.SeedCatalog(context.Background(), c))
	return NewOrderRepository(store, c), mr
}

func newOrder(table domain.TableID, menu domain.MenuID, createdAt int64) domain.Order {
	return domain.Order{
		ID:             uuid.Must(uuid.NewV7()).String(),
		TableID:        table,
		MenuID:         menu,
		CreatedAt:      createdAt,
		ProcessingTime: 420,
		Status:         domain.OrderStatusProcessing,
	}
}

func TestSeedCatalogLayout(t *testing.T) {
	_, mr := newTestRepository(t)

	isTable, err := mr.SIsMember(tablesKey, "4999")
	require.NoError(t, err)
	require.True(t, isTable)

	menus, err := mr.Members(menusKey)
	require.NoError(t, err)
	require.Len(t, menus, 36)

	name, err := mr.Get("catalog:menus:1")
	require.NoError(t, err)
	require.Equal(t, "Tuna", name)
}

func TestStoreOrders_RejectedLeaveNoKeys(t *testing.T) {
	repo, mr := newTestRepository(t)
	ctx := context.Background()

	valid1 := newOrder(1, 1, 100)
	valid2 := newOrder(1, 2, 100)
	invalid := newOrder(1, 999, 100)

	rejected, err := repo.StoreOrders(ctx, 1, []domain.Order{valid1, valid2, invalid})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	require.Equal(t, invalid.ID, rejected[0].ID)

	require.False(t, mr.Exists(orderKey(1, invalid.ID)))
	members, err := mr.ZMembers(tableIndexKey(1))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{valid1.ID, valid2.ID}, members)

	stored, err := repo.GetOrders(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []domain.Order{valid1, valid2}, stored)
}

func TestStoreOrders_InvalidTableWritesNothing(t *testing.T) {
	repo, mr := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.StoreOrders(ctx, 9999, []domain.Order{newOrder(9999, 1, 1)})
	require.ErrorIs(t, err, domain.ErrInvalidTable)
	require.False(t, mr.Exists(tableIndexKey(9999)))

	_, err = repo.GetOrders(ctx, 9999)
	require.ErrorIs(t, err, domain.ErrInvalidTable)
}

func TestGetOrders_SortedByCreatedAt(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	late := newOrder(2, 3, 500)
	early := newOrder(2, 4, 100)
	_, err := repo.StoreOrders(ctx, 2, []domain.Order{late, early})
	require.NoError(t, err)

	stored, err := repo.GetOrders(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []domain.Order{early, late}, stored)

	again, err := repo.GetOrders(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, stored, again)
}

func TestGetOrders_EmptyTable(t *testing.T) {
	repo, _ := newTestRepository(t)

	stored, err := repo.GetOrders(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestRemoveOrder(t *testing.T) {
	repo, mr := newTestRepository(t)
	ctx := context.Background()

	order := newOrder(3, 5, 10)
	_, err := repo.StoreOrders(ctx, 3, []domain.Order{order})
	require.NoError(t, err)

	removed, err := repo.RemoveOrder(ctx, 3, order.ID)
	require.NoError(t, err)
	require.Equal(t, order, removed)
	require.False(t, mr.Exists(orderKey(3, order.ID)))

	stored, err := repo.GetOrders(ctx, 3)
	require.NoError(t, err)
	require.Empty(t, stored)

	_, err = repo.RemoveOrder(ctx, 3, order.ID)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = repo.RemoveOrder(ctx, 9999, order.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTable)
}

func TestStoreOrders_ConcurrentWritersLoseNothing(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := repo.StoreOrders(ctx, 4, []domain.Order{newOrder(4, domain.MenuID(i%36+1), int64(i))})
			if err != nil {
				t.Errorf("store failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	stored, err := repo.GetOrders(ctx, 4)
	require.NoError(t, err)
	require.Len(t, stored, writers)
}

func TestListMenus(t *testing.T) {
	repo, _ := newTestRepository(t)

	menus, err := repo.ListMenus(context.Background())
	require.NoError(t, err)
	require.Equal(t, catalog.Default().ListMenus(), menus)
}

func TestStorageUnavailable(t *testing.T) {
	repo, mr := newTestRepository(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := repo.GetOrders(ctx, 1)
	require.True(t, domain.IsStorageUnavailable(err), "unexpected error: %v", err)

	_, err = repo.StoreOrders(ctx, 1, []domain.Order{newOrder(1, 1, 1)})
	require.True(t, domain.IsStorageUnavailable(err), "unexpected error: %v", err)
}

func TestStoreError(t *testing.T) {
	require.NoError(t, storeError(nil))
	require.ErrorIs(t, storeError(context.Canceled), context.Canceled)
	require.False(t, domain.IsStorageUnavailable(storeError(context.DeadlineExceeded)))
	require.True(t, domain.IsStorageUnavailable(storeError(errors.New("connection refused"))))
}

func TestOpen_InvalidURL(t *testing.T) {
	_, err := Open(context.Background(), "://bad")
	require.Error(t, err)
}

func TestOpen_Miniredis(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := Open(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Ping(context.Background()))
}

func TestStoreOrders_DuplicateIDKeepsStoredOrder(t *testing.T) {
	repo, mr := newTestRepository(t)
	ctx := context.Background()

	stored := newOrder(1, 1, 100)
	_, err := repo.StoreOrders(ctx, 1, []domain.Order{stored})
	require.NoError(t, err)

	for _, menu := range []domain.MenuID{2, 999} {
		candidate := stored
		candidate.MenuID = menu
		rejected, err := repo.StoreOrders(ctx, 1, []domain.Order{candidate})
		require.ErrorIs(t, err, domain.ErrDuplicateOrder, "menu %d", menu)
		require.Empty(t, rejected)
	}

	require.True(t, mr.Exists(orderKey(1, stored.ID)))
	orders, err := repo.GetOrders(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []domain.Order{stored}, orders)
}

func TestStoreOrders_FailedExecIsRolledBack(t *testing.T) {
	repo, mr := newTestRepository(t)
	ctx := context.Background()

	// SISMEMBER по строке падает с WRONGTYPE, а SET и ZADD в том же EXEC применяются.
	mr.Del(menusKey)
	require.NoError(t, mr.Set(menusKey, "broken"))

	order := newOrder(1, 1, 100)
	_, err := repo.StoreOrders(ctx, 1, []domain.Order{order})
	require.True(t, domain.IsStorageUnavailable(err), "unexpected error: %v", err)

	require.False(t, mr.Exists(orderKey(1, order.ID)))
	orders, err := repo.GetOrders(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestRollback_LeavesForeignRecord(t *testing.T) {
	repo, mr := newTestRepository(t)
	ctx := context.Background()

	order := newOrder(2, 1, 100)
	_, err := repo.StoreOrders(ctx, 2, []domain.Order{order})
	require.NoError(t, err)

	err = repo.rollback(ctx, pendingWrite{
		indexKey:  tableIndexKey(2),
		recordKey: orderKey(2, order.ID),
		orderID:   order.ID,
		payload:   []byte(`{"id":"someone else"}`),
	})
	require.NoError(t, err)

	require.True(t, mr.Exists(orderKey(2, order.ID)))
	orders, err := repo.GetOrders(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []domain.Order{order}, orders)
}

func TestStoreOrders_MalformedCandidate(t *testing.T) {
	repo, mr := newTestRepository(t)

	broken := newOrder(3, 1, 100)
	broken.Status = ""
	_, err := repo.StoreOrders(context.Background(), 3, []domain.Order{broken})
	require.ErrorIs(t, err, domain.ErrOrderStatusInvalid)
	require.False(t, mr.Exists(orderKey(3, broken.ID)))
}
