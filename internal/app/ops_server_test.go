package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/kitchen/internal/health"
	"github.com/vladislavdragonenkov/kitchen/internal/metrics"
	"github.com/vladislavdragonenkov/kitchen/internal/service/kitchen"
)

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

// Заказы, которые никто не доставил, копятся в outbox и снимают экземпляр с readiness.
func TestOpsMux_OutboxBacklogFailsReadiness(t *testing.T) {
	ctx := context.Background()
	logger := log.WithField("test", "ops")

	deps, err := initRuntimeDependencies(ctx, Config{StorageDriver: StorageDriverMemory, TableCount: 5}, logger)
	require.NoError(t, err)

	svc := kitchen.NewService(deps.catalog, deps.repo, kitchen.WithOutbox(deps.outboxRepo))
	h := healthcheck.NewHandler("test")
	h.RegisterChecker("storage", deps.storageChecker)
	h.RegisterChecker("outbox", outboxChecker(deps.outboxRepo, 2))

	srv := httptest.NewServer(newOpsMux(h))
	defer srv.Close()

	_, err = svc.PlaceOrders(ctx, 1, []domain.MenuID{1, 2})
	require.NoError(t, err)
	code, body := getBody(t, srv.URL+"/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", body)

	_, err = svc.PlaceOrders(ctx, 2, []domain.MenuID{3})
	require.NoError(t, err)
	code, body = getBody(t, srv.URL+"/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "not ready: outbox", body)

	code, body = getBody(t, srv.URL+"/healthz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	var resp healthcheck.Response
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Equal(t, healthcheck.StatusHealthy, resp.Checks["storage"].Status)
	require.Equal(t, healthcheck.StatusUnhealthy, resp.Checks["outbox"].Status)
	require.Equal(t, "backlog 3 exceeds 2", resp.Checks["outbox"].Message)

	code, body = getBody(t, srv.URL+"/livez")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)
}

func TestOpsMux_ExposesKitchenMetrics(t *testing.T) {
	m := metrics.NewKitchenMetrics()
	m.RecordPlaced(2, 1)
	m.SetOutboxBacklog(4, 3*time.Second)

	srv := httptest.NewServer(newOpsMux(healthcheck.NewHandler("test")))
	defer srv.Close()

	code, body := getBody(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "kitchen_orders_placed_total")
	require.Contains(t, body, "kitchen_orders_rejected_total")
	require.Contains(t, body, "kitchen_outbox_pending_events 4")
}

func TestStartMetricsServer_StopsOnCancel(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := startMetricsServer(ctx, lis, log.WithField("test", "ops-stop"), healthcheck.NewHandler("test"))
	require.NotNil(t, srv)

	url := "http://" + lis.Addr().String() + "/livez"
	code, _ := getBody(t, url)
	require.Equal(t, http.StatusOK, code)

	cancel()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
		}
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRun_MetricsListenError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = busy.Addr().String()

	err = Run(context.Background(), cfg)
	require.ErrorContains(t, err, "listen metrics")
}

func TestShutdownHTTP_NilServer(_ *testing.T) {
	shutdownHTTP(nil, log.WithField("test", "ops-nil"))
}
