// Package app собирает сервис кухни из конфигурации и управляет его жизненным циклом.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/kitchen/internal/health"
	"github.com/vladislavdragonenkov/kitchen/internal/metrics"
	"github.com/vladislavdragonenkov/kitchen/internal/service/kitchen"
	"github.com/vladislavdragonenkov/kitchen/internal/service/outbox"
	"github.com/vladislavdragonenkov/kitchen/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/kitchen/internal/version"
)

const (
	shutdownTimeout    = 5 * time.Second
	healthSyncInterval = 5 * time.Second
)

// Run запускает HTTP API, gRPC health, сервер метрик и outbox worker
// и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger.WithField("layer", "storage"))
	if err != nil {
		return err
	}
	defer deps.close(logger)

	publishers, err := initEventPublishers(cfg, logger.WithField("layer", "events"))
	if err != nil {
		return err
	}
	defer publishers.close()

	estimator, err := kitchen.NewUniformEstimator(cfg.ProcessingTimeMin, cfg.ProcessingTimeMax)
	if err != nil {
		return err
	}

	kitchenMetrics := metrics.NewKitchenMetrics()
	serviceOptions := []kitchen.Option{
		kitchen.WithLogger(logger.WithField("layer", "service")),
		kitchen.WithMetrics(kitchenMetrics),
		kitchen.WithEstimator(estimator),
	}
	if publishers.events != nil {
		serviceOptions = append(serviceOptions, kitchen.WithOutbox(deps.outboxRepo))
	}
	svc := kitchen.NewService(deps.catalog, deps.repo, serviceOptions...)

	healthHandler := healthcheck.NewHandler(version.Current().Short())
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	if publishers.events != nil {
		healthHandler.RegisterChecker("outbox", outboxChecker(deps.outboxRepo, cfg.OutboxMaxPending))
	}

	var (
		stopOutbox context.CancelFunc
		outboxDone chan struct{}
	)
	if publishers.events != nil {
		worker := outbox.NewWorker(deps.outboxRepo, publishers.events,
			outbox.WithLogger(logger.WithField("layer", "outbox")),
			outbox.WithMetrics(kitchenMetrics),
			outbox.WithDLQPublisher(publishers.dlq),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		var workerCtx context.Context
		workerCtx, stopOutbox = context.WithCancel(context.WithoutCancel(ctx))
		outboxDone = make(chan struct{})
		go func() {
			defer close(outboxDone)
			worker.Run(workerCtx)
		}()
	}
	defer shutdownOutboxWorker(stopOutbox, outboxDone, logger)

	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	// Reflection нужен grpcurl и grpc_health_probe при отладке
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http: %w", err)
	}
	metricsLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = grpcLis.Close()
		_ = apiLis.Close()
		return fmt.Errorf("listen metrics: %w", err)
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	metricsSrv := startMetricsServer(runCtx, metricsLis, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	go healthHandler.SyncGRPC(runCtx, healthServer, "", healthSyncInterval)

	apiSrv := &http.Server{
		Handler: httpapi.NewRouter(svc, httpapi.Options{
			Logger:         logger.WithField("layer", "http"),
			Metrics:        kitchenMetrics,
			RequestTimeout: cfg.RequestTimeout,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		errCh <- grpcServer.Serve(grpcLis)
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", apiLis.Addr())
		if err := apiSrv.Serve(apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		healthServer.Shutdown()
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, logger)
		return ctx.Err()
	case err := <-errCh:
		healthServer.Shutdown()
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// stopGRPC ждёт завершения активных RPC не дольше shutdownTimeout.
func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stoppedCh := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// shutdownOutboxWorker останавливает worker и ждёт завершения текущего батча.
func shutdownOutboxWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel == nil {
		return
	}
	cancel()
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info("outbox worker stopped")
	case <-time.After(shutdownTimeout):
		logger.Warn("outbox worker did not stop in time")
	}
}

// newOpsMux собирает служебные эндпоинты: метрики Prometheus и пробы health.
func newOpsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	return mux
}

// startMetricsServer обслуживает служебные эндпоинты на lis до отмены ctx.
func startMetricsServer(ctx context.Context, lis net.Listener, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{Handler: newOpsMux(healthHandler), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		addr := lis.Addr().String()
		logger.Infof("метрики: %s/metrics, пробы: /healthz /readyz /livez", addr)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
