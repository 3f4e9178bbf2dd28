package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/kitchen/internal/catalog"
	"github.com/vladislavdragonenkov/kitchen/internal/service/kitchen"
	"github.com/vladislavdragonenkov/kitchen/internal/storage/memory"
	"github.com/vladislavdragonenkov/kitchen/internal/transport/httpapi"
)

func newKitchenServer(t *testing.T) *httptest.Server {
	t.Helper()

	c := catalog.Default()
	svc := kitchen.NewService(c, memory.NewOrderRepository(c))
	srv := httptest.NewServer(httpapi.NewRouter(svc, httpapi.Options{}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := parseConfig(nil, io.Discard)
		require.NoError(t, err)
		require.Equal(t, "http://localhost:8080", cfg.addr)
		require.Equal(t, 100, cfg.tables)
		require.Equal(t, 100, cfg.total, "one scenario per table by default")
		require.False(t, cfg.totalSet)
		require.Equal(t, 10, cfg.minOrders)
		require.Equal(t, 20, cfg.maxOrders)
		require.NotZero(t, cfg.seed)
	})

	t.Run("overrides", func(t *testing.T) {
		cfg, err := parseConfig([]string{
			"-addr=http://kitchen:8080",
			"-total=7",
			"-tables=3",
			"-first-table=10",
			"-min-orders=1",
			"-max-orders=2",
			"-concurrency=4",
			"-timeout=1s",
			"-seed=42",
			"-duration=5s",
		}, io.Discard)
		require.NoError(t, err)
		require.True(t, cfg.totalSet)
		require.Equal(t, 7, cfg.total)
		require.Equal(t, 10, cfg.firstTable)
		require.Equal(t, uint64(42), cfg.seed)
		require.Equal(t, 5*time.Second, cfg.duration)
	})

	invalid := []struct {
		args    []string
		wantErr string
	}{
		{[]string{"-addr= "}, "addr is required"},
		{[]string{"-duration=-1s"}, "duration must be >= 0"},
		{[]string{"-total=0"}, "total must be > 0"},
		{[]string{"-tables=0", "-total=1"}, "tables must be > 0"},
		{[]string{"-first-table=65535", "-tables=2"}, "table range"},
		{[]string{"-min-orders=0"}, "min-orders must be > 0"},
		{[]string{"-min-orders=5", "-max-orders=4"}, "max-orders must be >= min-orders"},
		{[]string{"-concurrency=0"}, "concurrency must be > 0"},
		{[]string{"-timeout=0s"}, "timeout must be > 0"},
		{[]string{"-unknown"}, "flag provided but not defined"},
	}
	for _, tc := range invalid {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			_, err := parseConfig(tc.args, io.Discard)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestDispatchJobs(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(context.Background(), jobs, config{total: 5})

		var got []int
		for v := range jobs {
			got = append(got, v)
		}
		require.True(t, slices.Equal(got, []int{0, 1, 2, 3, 4}), "unexpected jobs sequence: %v", got)
	})

	t.Run("duration mode", func(t *testing.T) {
		jobs := make(chan int, 32)
		done := make(chan struct{})
		go func() {
			dispatchJobs(context.Background(), jobs, config{duration: 20 * time.Millisecond})
			close(done)
		}()

		count := 0
		for range jobs {
			count++
		}
		<-done
		require.Positive(t, count)
	})

	t.Run("duration with explicit max total", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(context.Background(), jobs, config{duration: time.Second, total: 3, totalSet: true})
		count := 0
		for range jobs {
			count++
		}
		require.Equal(t, 3, count)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		jobs := make(chan int)
		dispatchJobs(ctx, jobs, config{total: 100})
		_, open := <-jobs
		require.False(t, open)
	})
}

func TestCollectorAndReport(t *testing.T) {
	c := newCollector()
	c.record(scenarioMethod, 10*time.Millisecond, codeOK)
	c.record(scenarioMethod, 20*time.Millisecond, "failed")
	c.record(methodPlaceOrders, 15*time.Millisecond, codeOK)
	c.addOrders(12, 3)
	c.recordFailure(errors.New("table 1: boom"))

	snap, ok := c.snapshot(scenarioMethod)
	require.True(t, ok)
	require.Equal(t, int64(2), snap.Calls)
	require.Equal(t, int64(1), snap.Success)
	require.Equal(t, int64(1), snap.Failed)
	require.Equal(t, int64(1), snap.Codes["failed"])

	_, ok = c.snapshot("missing")
	require.False(t, ok)

	r := c.buildReport(time.Now(), 2*time.Second)
	require.Equal(t, int64(2), r.TotalScenarios)
	require.Equal(t, int64(1), r.FailedScenarios)
	require.Equal(t, int64(12), r.OrdersPlaced)
	require.Equal(t, int64(3), r.OrdersCancelled)
	require.Equal(t, []string{"table 1: boom"}, r.Failures)
	require.Positive(t, r.RPS)
	require.Contains(t, r.Methods, methodPlaceOrders)
}

func TestUtilityFunctions(t *testing.T) {
	require.Equal(t, 0.25, ratio(1, 4))
	require.Zero(t, ratio(1, 0))

	values := []float64{10, 20, 30, 40}
	summary := buildLatencySummary(values)
	require.Equal(t, 40.0, summary.Max)
	require.Equal(t, 10.0, summary.Min)
	require.Equal(t, 25.0, summary.P50)
	require.Equal(t, 25.0, summary.Avg)
	require.Zero(t, buildLatencySummary(nil).Max)
	require.Equal(t, 7.0, percentile([]float64{7}, 99))

	require.Equal(t, "count:50", runTarget(config{total: 50}))
	require.Equal(t, "duration:2s", runTarget(config{duration: 2 * time.Second}))
	require.Equal(t, "duration:2s,max-total:10", runTarget(config{duration: 2 * time.Second, total: 10, totalSet: true}))

	require.Equal(t, "timeout", transportCode(context.DeadlineExceeded))
	require.Equal(t, "transport_error", transportCode(errors.New("connection refused")))
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")

	require.NoError(t, writeJSONReport(path, report{TotalScenarios: 2, SuccessScenarios: 2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded report
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, int64(2), decoded.TotalScenarios)

	require.Error(t, writeJSONReport(".", report{}))
	require.Error(t, writeJSONReport("../outside.json", report{}))
}

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	printReport(&out, report{
		TotalScenarios:   2,
		SuccessScenarios: 2,
		Methods: map[string]methodReport{
			scenarioMethod:    {Calls: 2, Success: 2},
			methodPlaceOrders: {Calls: 2, Success: 2},
		},
		Failures: []string{"table 3: boom"},
	}, config{addr: "http://x", total: 2})

	text := out.String()
	require.Contains(t, text, "Load test summary")
	require.Contains(t, text, methodPlaceOrders)
	require.NotContains(t, text, scenarioMethod+":")
	require.Contains(t, text, "failure: table 3: boom")
}

func TestTableScenario_AgainstKitchen(t *testing.T) {
	srv := newKitchenServer(t)
	col := newCollector()
	client := newKitchenClient(srv.URL+"/", srv.Client(), 2*time.Second, col)

	for seed := uint64(1); seed <= 5; seed++ {
		scenario := &tableScenario{
			client:    client,
			tableID:   7,
			minOrders: 10,
			maxOrders: 20,
			rnd:       rand.New(rand.NewPCG(seed, 0)),
		}
		placed, cancelled, err := scenario.run(context.Background())
		require.NoError(t, err)
		require.GreaterOrEqual(t, placed, 10)
		require.LessOrEqual(t, placed, 20)
		require.LessOrEqual(t, cancelled, placed)
	}

	snap, ok := col.snapshot(methodListOrders)
	require.True(t, ok)
	require.Zero(t, snap.Failed)
}

func TestTableScenario_UnknownTable(t *testing.T) {
	srv := newKitchenServer(t)
	col := newCollector()
	scenario := &tableScenario{
		client:    newKitchenClient(srv.URL, srv.Client(), time.Second, col),
		tableID:   9999,
		minOrders: 1,
		maxOrders: 1,
		rnd:       rand.New(rand.NewPCG(1, 1)),
	}

	_, _, err := scenario.run(context.Background())
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)

	snap, ok := col.snapshot(methodListOrders)
	require.True(t, ok)
	require.Equal(t, int64(1), snap.Codes["400"])
}

func TestTableScenario_DetectsLostOrders(t *testing.T) {
	// API принимает заказы, но ничего не сохраняет.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /menus", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1,"name":"Tuna"}]`))
	})
	mux.HandleFunc("GET /orders/{table}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("POST /orders/{table}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	scenario := &tableScenario{
		client:    newKitchenClient(srv.URL, srv.Client(), time.Second, newCollector()),
		tableID:   1,
		minOrders: 3,
		maxOrders: 3,
		rnd:       rand.New(rand.NewPCG(1, 1)),
	}
	_, _, err := scenario.run(context.Background())
	require.ErrorContains(t, err, "expected 3 new orders, got 0")
}

func TestRun_ConcurrentTables(t *testing.T) {
	srv := newKitchenServer(t)

	cfg := config{
		addr:        srv.URL,
		total:       12,
		tables:      4,
		firstTable:  1,
		minOrders:   2,
		maxOrders:   5,
		concurrency: 6,
		timeout:     2 * time.Second,
		seed:        99,
	}
	result := run(context.Background(), cfg, srv.Client())

	require.Equal(t, int64(12), result.TotalScenarios)
	require.Zero(t, result.FailedScenarios, result.Failures)
	require.GreaterOrEqual(t, result.OrdersPlaced, int64(24))
	require.Contains(t, result.Methods, methodCancelOrder)
}

func TestRealMainSmoke(t *testing.T) {
	srv := newKitchenServer(t)
	outPath := filepath.Join(t.TempDir(), "main-report.json")

	var stdout, stderr bytes.Buffer
	code := realMain(context.Background(), []string{
		"-addr=" + srv.URL,
		"-tables=5",
		"-concurrency=2",
		"-timeout=2s",
		"-output=" + outPath,
	}, &stdout, &stderr)

	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "Load test summary")
	_, err := os.Stat(outPath)
	require.NoError(t, err)
}

func TestRealMainFailures(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 2, realMain(context.Background(), []string{"-concurrency=0"}, &stdout, &stderr))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"storage unavailable"}`))
	}))
	defer srv.Close()

	stdout.Reset()
	require.Equal(t, 1, realMain(context.Background(), []string{"-addr=" + srv.URL, "-tables=2"}, &stdout, &stderr))
	require.Contains(t, stdout.String(), "storage unavailable")

}
