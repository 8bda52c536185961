package workflow

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	msgmemory "github.com/vladislavdragonenkov/orderflow/internal/messaging/memory"
	"github.com/vladislavdragonenkov/orderflow/internal/metrics"
	"github.com/vladislavdragonenkov/orderflow/internal/service/payment"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
)

type staticParams struct {
	maxItems int
	err      error
}

func (p staticParams) Int(string) (int, error) {
	return p.maxItems, p.err
}

type staticSecrets struct {
	apiKey string
}

func (s staticSecrets) Secret(key string) (string, error) {
	if s.apiKey == "" {
		return "", fmt.Errorf("%w: %s", domain.ErrSecretMissing, key)
	}
	return s.apiKey, nil
}

// flakyReceipts падает failures раз подряд, затем делегирует в память.
type flakyReceipts struct {
	*memory.ReceiptStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyReceipts) Put(ctx context.Context, receipt domain.ReceiptArtifact) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: injected receipt failure", domain.ErrStorage)
	}
	return f.ReceiptStore.Put(ctx, receipt)
}

func (f *flakyReceipts) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// failingOrders отказывает в записи статуса.
type failingOrders struct {
	*memory.OrderStore
}

func (f failingOrders) Put(context.Context, domain.Order) error {
	return fmt.Errorf("%w: orders offline", domain.ErrStorage)
}

// blockingPayments игнорирует контекст и ждёт release.
type blockingPayments struct {
	release chan struct{}
}

func (b blockingPayments) Charge(context.Context, string, decimal.Decimal) (domain.PaymentOutcome, error) {
	<-b.release
	return domain.PaymentOutcome{Status: domain.PaymentStatusApproved}, nil
}

type fixture struct {
	orders        *memory.OrderStore
	receipts      *flakyReceipts
	executions    *memory.ExecutionStore
	notifications *msgmemory.Channel
	payments      *payment.MockService
	params        staticParams
	secrets       staticSecrets
	metrics       *metrics.WorkflowMetrics
}

func newFixture() *fixture {
	return &fixture{
		orders:        memory.NewOrderStore(),
		receipts:      &flakyReceipts{ReceiptStore: memory.NewReceiptStore()},
		executions:    memory.NewExecutionStore(),
		notifications: msgmemory.NewChannel(quietLogger()),
		payments:      payment.NewMockService(),
		params:        staticParams{maxItems: 10},
		secrets:       staticSecrets{apiKey: "test-api-key"},
		metrics:       metrics.NewWorkflowMetricsWithRegisterer(prometheus.NewRegistry()),
	}
}

func (f *fixture) deps() Dependencies {
	return Dependencies{
		Orders:        f.orders,
		Receipts:      f.receipts,
		Notifications: f.notifications,
		Payments:      f.payments,
		Params:        f.params,
		Secrets:       f.secrets,
		Executions:    f.executions,
	}
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "workflow-test")
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
}

func newTestEngine(t *testing.T, deps Dependencies, f *fixture, options ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(quietLogger()),
		WithRetryConfig(fastRetry()),
		WithMetrics(f.metrics),
		WithTimeout(2 * time.Second),
	}
	engine, err := NewEngine(deps, append(base, options...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func sampleOrder() domain.Order {
	return domain.Order{
		ID:           "order-1",
		CustomerName: "Alice",
		Items:        []string{"widget", "gadget"},
		Total:        decimal.RequireFromString("49.99"),
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:       domain.OrderStatusSubmitted,
	}
}
