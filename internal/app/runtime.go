package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/config"
	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orderflow/internal/health"
	"github.com/vladislavdragonenkov/orderflow/internal/ingest"
	"github.com/vladislavdragonenkov/orderflow/internal/messaging/kafka"
	msgmemory "github.com/vladislavdragonenkov/orderflow/internal/messaging/memory"
	"github.com/vladislavdragonenkov/orderflow/internal/metrics"
	queuememory "github.com/vladislavdragonenkov/orderflow/internal/queue/memory"
	"github.com/vladislavdragonenkov/orderflow/internal/service/payment"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/postgres"
	"github.com/vladislavdragonenkov/orderflow/internal/version"
	"github.com/vladislavdragonenkov/orderflow/internal/workflow"
)

var errProducerClosed = errors.New("kafka producer closed")

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
)

// runtimeDependencies: адаптеры, выбранные по конфигурации.
type runtimeDependencies struct {
	orders        domain.OrderStore
	receipts      domain.ReceiptStore
	executions    domain.ExecutionStore
	queue         domain.WorkQueue
	notifications domain.NotificationChannel
	payments      domain.PaymentService

	store      *postgres.Store
	producer   *kafka.Producer
	kafkaOpen  atomic.Bool
	localQueue *queuememory.Queue

	storageChecker healthcheck.Checker
	metrics        *metrics.WorkflowMetrics
	closeFn        func() error
}

// initRuntimeDependencies выбирает хранилище (Postgres или память) и транспорт
// (Kafka или in-memory очередь) по конфигурации.
func initRuntimeDependencies(ctx context.Context, cfg config.Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{metrics: metrics.NewWorkflowMetrics()}

	if err := initStorage(ctx, cfg, deps, logger); err != nil {
		return nil, err
	}

	producer, err := initKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, logger)
	if err != nil {
		_ = deps.close(logger)
		return nil, fmt.Errorf("init kafka: %w", err)
	}
	deps.producer = producer
	deps.kafkaOpen.Store(producer != nil)

	var channel domain.NotificationChannel
	if producer != nil {
		deps.queue = kafka.NewSubmissionPublisher(producer, cfg.Kafka.Topics.Submissions)
		channel = kafka.NewNotificationPublisher(producer, cfg.Kafka.Topics.Notifications)
	} else {
		deps.localQueue = queuememory.NewQueue(queuememory.Options{
			MaxReceiveCount:   cfg.Queue.MaxReceiveCount,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			Logger:            logger.WithField("component", "queue-memory"),
			Metrics:           deps.metrics,
		})
		deps.queue = deps.localQueue
		channel = msgmemory.NewChannel(logger.WithField("component", "notifications-memory"))
	}
	breaker := workflow.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout, logger.WithField("component", "notification-breaker"))
	deps.notifications = workflow.NewGuardedChannel(channel, breaker)

	paymentSvc, err := payment.NewMockServiceWithLimit(cfg.Payment.DeclineAbove)
	if err != nil {
		_ = deps.close(logger)
		return nil, fmt.Errorf("parse payment.decline_above: %w", err)
	}
	deps.payments = paymentSvc

	return deps, nil
}

func initStorage(ctx context.Context, cfg config.Config, deps *runtimeDependencies, logger *log.Entry) error {
	if !cfg.PostgresEnabled() {
		deps.orders = memory.NewOrderStore()
		deps.receipts = memory.NewReceiptStore()
		deps.executions = memory.NewExecutionStore()
		logger.Info("using in-memory storage")
		return nil
	}

	store, err := postgres.Open(ctx, cfg.Postgres.DSN,
		postgres.WithMaxOpenConns(cfg.Postgres.MaxOpenConns),
		postgres.WithOpTimeout(cfg.Postgres.OpTimeout),
	)
	if err != nil {
		return fmt.Errorf("init postgres storage: %w", err)
	}
	if cfg.Postgres.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return fmt.Errorf("apply postgres migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	deps.store = store
	deps.orders = postgres.NewOrderRepository(store)
	deps.receipts = postgres.NewReceiptRepository(store)
	deps.executions = postgres.NewExecutionRepository(store)
	deps.storageChecker = healthcheck.NewSimpleChecker("postgres", store.Ping)
	deps.closeFn = store.Close
	logger.Info("using postgres storage")
	return nil
}

// newEngine собирает движок воркфлоу поверх выбранных адаптеров.
func (d *runtimeDependencies) newEngine(cfg config.Config, source *config.Source, logger *log.Entry) (*workflow.Engine, error) {
	return workflow.NewEngine(workflow.Dependencies{
		Orders:        d.orders,
		Receipts:      d.receipts,
		Notifications: d.notifications,
		Payments:      d.payments,
		Params:        source,
		Secrets:       source,
		Executions:    d.executions,
	},
		workflow.WithTimeout(cfg.Workflow.ExecutionTimeout),
		workflow.WithRetryConfig(workflow.RetryConfig{
			MaxAttempts:   cfg.Workflow.Retry.MaxAttempts,
			InitialDelay:  cfg.Workflow.Retry.InitialDelay,
			MaxDelay:      cfg.Workflow.Retry.MaxDelay,
			BackoffFactor: cfg.Workflow.Retry.BackoffFactor,
		}),
		workflow.WithLogger(logger.WithField("component", "workflow")),
		workflow.WithMetrics(d.metrics),
	)
}

// newIngestHandler связывает движок с обработчиком очереди.
func (d *runtimeDependencies) newIngestHandler(cfg config.Config, source *config.Source, logger *log.Entry) (*ingest.Handler, error) {
	engine, err := d.newEngine(cfg, source, logger)
	if err != nil {
		return nil, err
	}
	return ingest.NewHandler(engine, d.orders, cfg.Queue.BatchSize, logger.WithField("component", "ingest"), d.metrics), nil
}

// healthHandler регистрирует проверки доступных компонентов.
func (d *runtimeDependencies) healthHandler() *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.GetVersion())
	if d.storageChecker != nil {
		handler.RegisterChecker("postgres", d.storageChecker)
	}
	if d.producer != nil {
		handler.RegisterChecker("kafka", healthcheck.NewSimpleChecker("kafka", func(context.Context) error {
			if !d.kafkaOpen.Load() {
				return errProducerClosed
			}
			return nil
		}))
	}
	if d.localQueue != nil {
		handler.RegisterChecker("dead-letter", healthcheck.NewThresholdChecker("dead-letter", 0, d.localQueue.DeadLetterDepth))
	}
	return handler
}

func (d *runtimeDependencies) close(logger *log.Entry) error {
	d.kafkaOpen.Store(false)
	kafkaErr := closeKafka(d.producer, logger)
	d.producer = nil
	var storeErr error
	if d.closeFn != nil {
		storeErr = d.closeFn()
		d.closeFn = nil
	}
	return errors.Join(kafkaErr, storeErr)
}
