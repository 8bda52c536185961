package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// SubmitRequest: входные данные подачи заказа.
type SubmitRequest struct {
	CustomerName string
	Items        []string
	Total        decimal.Decimal
}

// Service принимает заказы и ставит их в очередь на обработку.
type Service struct {
	orders domain.OrderStore
	queue  domain.WorkQueue
	logger *log.Entry
	now    func() time.Time
	newID  func() string
}

// NewService создаёт сервис заказов.
func NewService(orders domain.OrderStore, queue domain.WorkQueue, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "order-service")
	}
	return &Service{
		orders: orders,
		queue:  queue,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Submit сохраняет новый заказ со статусом SUBMITTED и публикует событие подачи.
// Если публикация не удалась, заказ остаётся сохранённым, а вызывающий получает ошибку.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (domain.Order, error) {
	order := domain.Order{
		ID:           s.newID(),
		CustomerName: strings.TrimSpace(req.CustomerName),
		Items:        trimItems(req.Items),
		Total:        req.Total,
		CreatedAt:    s.now().UTC().Truncate(time.Millisecond),
		Status:       domain.OrderStatusSubmitted,
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, fmt.Errorf("%w: %v", domain.ErrInvalidOrder, errs[0])
	}

	if err := s.orders.Put(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("save order: %w", err)
	}
	if err := s.queue.Enqueue(ctx, domain.NewSubmissionEvent(order)); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("failed to enqueue submission")
		return domain.Order{}, fmt.Errorf("enqueue order %s: %w", order.ID, err)
	}

	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"items":    len(order.Items),
		"total":    order.Total.StringFixed(2),
	}).Info("order submitted")
	return order, nil
}

// Fetch возвращает заказ или ErrOrderNotFound.
func (s *Service) Fetch(ctx context.Context, id string) (domain.Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return s.orders.Get(ctx, id)
}

func trimItems(items []string) []string {
	if items == nil {
		return nil
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = strings.TrimSpace(item)
	}
	return out
}
