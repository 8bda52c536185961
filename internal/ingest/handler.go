package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/metrics"
)

// ErrRedeliver помечает доставку, которую очередь должна вернуть на повторную обработку.
var ErrRedeliver = errors.New("delivery must be redelivered")

// Delivery: одно сообщение очереди, независимо от транспорта.
type Delivery struct {
	ID           string
	Body         []byte
	ReceiveCount int
}

// Result: итог обработки одного заказа.
type Result struct {
	OrderID string             `json:"orderId"`
	Status  domain.OrderStatus `json:"status"`
}

// Summary: ответ запуска воркфлоу из очереди.
type Summary struct {
	Processed int      `json:"processed"`
	Results   []Result `json:"results"`
}

// Failure: доставка, которую нужно вернуть в очередь, и причина.
type Failure struct {
	DeliveryID string
	Err        error
}

// BatchResult: сводка по батчу и доставки для повторной доставки.
type BatchResult struct {
	Summary Summary
	Failed  []Failure
}

// FailedIDs индексирует проваленные доставки по идентификатору.
func (b BatchResult) FailedIDs() map[string]error {
	ids := make(map[string]error, len(b.Failed))
	for _, f := range b.Failed {
		ids[f.DeliveryID] = f.Err
	}
	return ids
}

// Runner запускает воркфлоу для заказа.
type Runner interface {
	Run(ctx context.Context, order domain.Order) (domain.Execution, error)
}

// Handler превращает сообщения очереди в запуски воркфлоу.
type Handler struct {
	runner      Runner
	orders      domain.OrderStore
	concurrency int
	logger      *log.Entry
	metrics     *metrics.WorkflowMetrics
}

// NewHandler создаёт обработчик. concurrency ограничивает число одновременных запусков в батче.
func NewHandler(runner Runner, orders domain.OrderStore, concurrency int, logger *log.Entry, m *metrics.WorkflowMetrics) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "ingest")
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Handler{
		runner:      runner,
		orders:      orders,
		concurrency: concurrency,
		logger:      logger,
		metrics:     m,
	}
}

// Handle обрабатывает одну доставку. Ошибка, обёрнутая в ErrRedeliver, означает, что
// сообщение нужно вернуть в очередь; бизнес-провалы подтверждаются.
func (h *Handler) Handle(ctx context.Context, delivery Delivery) (Result, error) {
	var event domain.SubmissionEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		return Result{}, fmt.Errorf("%w: decode submission %s: %v", ErrRedeliver, delivery.ID, err)
	}
	if event.OrderID == "" {
		return Result{}, fmt.Errorf("%w: submission %s has no order id", ErrRedeliver, delivery.ID)
	}

	logger := h.logger.WithFields(log.Fields{
		"order_id":      event.OrderID,
		"delivery_id":   delivery.ID,
		"receive_count": delivery.ReceiveCount,
	})

	if stored, err := h.orders.Get(ctx, event.OrderID); err == nil && stored.Status == domain.OrderStatusProcessed {
		logger.Info("order already processed, acknowledging duplicate delivery")
		return Result{OrderID: stored.ID, Status: stored.Status}, nil
	}

	execution, err := h.runner.Run(ctx, event.Order())
	if err != nil {
		logger.WithError(err).Warn("workflow execution did not finish cleanly")
		return Result{OrderID: event.OrderID, Status: execution.OrderStatus()}, fmt.Errorf("%w: %v", ErrRedeliver, err)
	}

	result := Result{OrderID: event.OrderID, Status: execution.OrderStatus()}
	if execution.Redeliverable() {
		return result, fmt.Errorf("%w: execution failed with transient reason %s", ErrRedeliver, execution.FailureReason)
	}
	return result, nil
}

// HandleBatch обрабатывает доставки параллельно. Провал одной доставки не мешает остальным;
// результаты идут в порядке доставок.
func (h *Handler) HandleBatch(ctx context.Context, deliveries []Delivery) BatchResult {
	h.metrics.RecordBatch(len(deliveries))

	results := make([]Result, len(deliveries))
	errs := make([]error, len(deliveries))

	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, delivery := range deliveries {
		g.Go(func() error {
			results[i], errs[i] = h.Handle(ctx, delivery)
			return nil
		})
	}
	_ = g.Wait()

	batch := BatchResult{Summary: Summary{Results: make([]Result, 0, len(deliveries))}}
	for i, delivery := range deliveries {
		if errs[i] != nil {
			h.logger.WithError(errs[i]).WithField("delivery_id", delivery.ID).Warn("delivery failed")
			batch.Failed = append(batch.Failed, Failure{DeliveryID: delivery.ID, Err: errs[i]})
		}
		if results[i].OrderID != "" {
			batch.Summary.Results = append(batch.Summary.Results, results[i])
		}
	}
	batch.Summary.Processed = len(batch.Summary.Results)
	return batch
}
