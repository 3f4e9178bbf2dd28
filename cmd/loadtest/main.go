package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/kitchen/internal/domain"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	tables      int
	firstTable  int
	minOrders   int
	maxOrders   int
	concurrency int
	timeout     time.Duration
	seed        uint64
	outputPath  string
}

func parseConfig(args []string, stderr io.Writer) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.addr, "addr", "http://localhost:8080", "kitchen HTTP API base URL")
	fs.IntVar(&cfg.total, "total", 0, "total table scenarios (default: one per table); in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 1m)")
	fs.IntVar(&cfg.tables, "tables", 100, "number of distinct tables to visit")
	fs.IntVar(&cfg.firstTable, "first-table", 1, "first table id")
	fs.IntVar(&cfg.minOrders, "min-orders", 10, "minimum orders placed per table scenario")
	fs.IntVar(&cfg.maxOrders, "max-orders", 20, "maximum orders placed per table scenario")
	fs.IntVar(&cfg.concurrency, "concurrency", 20, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.Uint64Var(&cfg.seed, "seed", 0, "random seed (0 = time based)")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})
	if !cfg.totalSet {
		cfg.total = cfg.tables
	}
	if cfg.seed == 0 {
		cfg.seed = uint64(time.Now().UnixNano())
	}

	switch {
	case strings.TrimSpace(cfg.addr) == "":
		return cfg, errors.New("addr is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.total <= 0:
		return cfg, errors.New("total must be > 0")
	case cfg.tables <= 0:
		return cfg, errors.New("tables must be > 0")
	case cfg.firstTable < 0 || cfg.firstTable+cfg.tables-1 > int(^domain.TableID(0)):
		return cfg, errors.New("table range must fit into 0..65535")
	case cfg.minOrders <= 0:
		return cfg, errors.New("min-orders must be > 0")
	case cfg.maxOrders < cfg.minOrders:
		return cfg, errors.New("max-orders must be >= min-orders")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	}

	return cfg, nil
}

// run выполняет нагрузку и собирает отчёт.
func run(ctx context.Context, cfg config, httpClient *http.Client) report {
	col := newCollector()
	client := newKitchenClient(cfg.addr, httpClient, cfg.timeout, col)

	// Один стол обслуживается одним сценарием за раз, иначе проверки видят чужие заказы.
	tableLocks := make([]sync.Mutex, cfg.tables)

	startedAt := time.Now()
	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				slot := index % cfg.tables
				tableLocks[slot].Lock()
				runScenario(ctx, client, cfg, index, domain.TableID(cfg.firstTable+slot), col)
				tableLocks[slot].Unlock()
			}
		}()
	}

	dispatchJobs(ctx, jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt))
}

func runScenario(ctx context.Context, client *kitchenClient, cfg config, index int, tableID domain.TableID, col *collector) {
	start := time.Now()
	scenario := &tableScenario{
		client:    client,
		tableID:   tableID,
		minOrders: cfg.minOrders,
		maxOrders: cfg.maxOrders,
		rnd:       rand.New(rand.NewPCG(cfg.seed, uint64(index))),
	}

	placed, cancelled, err := scenario.run(ctx)
	col.addOrders(placed, cancelled)
	code := codeOK
	if err != nil {
		code = "failed"
		col.recordFailure(err)
	}
	col.record(scenarioMethod, time.Since(start), code)
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func main() {
	os.Exit(realMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := parseConfig(args, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = cfg.concurrency
	httpClient := &http.Client{Transport: transport}
	defer transport.CloseIdleConnections()

	result := run(ctx, cfg, httpClient)
	printReport(stdout, result, cfg)

	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(stderr, "failed to write report: %v\n", err)
			return 1
		}
	}

	if result.FailedScenarios > 0 {
		return 1
	}
	return 0
}
