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
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/orderflow/internal/config"
	healthcheck "github.com/vladislavdragonenkov/orderflow/internal/health"
	"github.com/vladislavdragonenkov/orderflow/internal/messaging/kafka"
	queuememory "github.com/vladislavdragonenkov/orderflow/internal/queue/memory"
	"github.com/vladislavdragonenkov/orderflow/internal/service/order"
	"github.com/vladislavdragonenkov/orderflow/internal/transport/httpapi"
)

// ErrKafkaRequired возвращается воркером без настроенных брокеров.
var ErrKafkaRequired = errors.New("worker requires kafka.brokers; use local mode for in-memory queue")

const (
	readHeaderTimeout   = 5 * time.Second
	grpcShutdownTimeout = 5 * time.Second
)

// RunAPI запускает HTTP API приёма заказов.
// Без Kafka заказы попадают в in-memory очередь, которую никто не читает,
// поэтому в таком режиме стоит использовать RunLocal.
func RunAPI(ctx context.Context, cfg config.Config, logger *log.Entry) error {
	logger = logger.WithField("component", "order-api")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = deps.close(logger) }()

	if deps.localQueue != nil {
		logger.Warn("kafka is not configured, submissions stay in process memory")
	}

	return serveAPI(ctx, cfg, deps, logger)
}

// RunWorker запускает Kafka consumer с gRPC health сервером и метриками.
func RunWorker(ctx context.Context, cfg config.Config, source *config.Source, logger *log.Entry) error {
	logger = logger.WithField("component", "order-worker")
	if !cfg.KafkaEnabled() {
		return ErrKafkaRequired
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = deps.close(logger) }()

	handler, err := deps.newIngestHandler(cfg, source, logger)
	if err != nil {
		return err
	}

	consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, []string{cfg.Kafka.Topics.Submissions}, handler, deps.producer, kafka.ConsumerOptions{
		BatchSize:       cfg.Queue.BatchSize,
		MaxReceiveCount: cfg.Queue.MaxReceiveCount,
		DeadLetterTopic: cfg.Kafka.Topics.DeadLetter,
		Metrics:         deps.metrics,
		Logger:          logger.WithField("component", "kafka-consumer"),
	})
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}

	metricsSrv := startMetricsServer(ctx, cfg.Metrics.Addr, logger, deps.healthHandler())
	defer shutdownHTTP(metricsSrv, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveGRPCHealth(gctx, cfg.GRPC.Addr, logger)
	})
	g.Go(func() error {
		if err := consumer.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return consumer.Stop()
	})

	return ignoreCanceled(g.Wait())
}

// RunLocal запускает API и in-memory воркер в одном процессе.
func RunLocal(ctx context.Context, cfg config.Config, source *config.Source, logger *log.Entry) error {
	logger = logger.WithField("component", "orderflow-local")
	cfg.Kafka.Brokers = nil

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = deps.close(logger) }()

	handler, err := deps.newIngestHandler(cfg, source, logger)
	if err != nil {
		return err
	}
	poller := queuememory.NewPoller(deps.localQueue, handler, cfg.Queue.BatchSize, cfg.Queue.PollInterval, logger.WithField("component", "poller"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveAPI(gctx, cfg, deps, logger)
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})

	return ignoreCanceled(g.Wait())
}

// serveAPI обслуживает HTTP до отмены контекста.
func serveAPI(ctx context.Context, cfg config.Config, deps *runtimeDependencies, logger *log.Entry) error {
	service := order.NewService(deps.orders, deps.queue, logger.WithField("layer", "service"))
	api := httpapi.NewServer(service, deps.healthHandler(), logger.WithField("layer", "http"))

	lis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}

	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", lis.Addr())
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("http shutdown with error")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// serveGRPCHealth поднимает gRPC сервер со стандартным health сервисом и reflection.
func serveGRPCHealth(ctx context.Context, addr string, logger *log.Entry) error {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC health сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(grpcShutdownTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
