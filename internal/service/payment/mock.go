package payment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// MockService: конфигурируемая заглушка PaymentService для локального режима и тестов.
// По умолчанию одобряет любой платёж.
type MockService struct {
	mu sync.Mutex

	// DeclineAbove отклоняет суммы строго больше порога; nil отключает проверку.
	DeclineAbove *decimal.Decimal
	// ForceDecline отклоняет все платежи.
	ForceDecline bool
	// Err возвращается вместо результата.
	Err error
	// Delay имитирует задержку провайдера и прерывается отменой контекста.
	Delay time.Duration

	calls int
}

var _ domain.PaymentService = (*MockService)(nil)

// NewMockService возвращает mock с успешным сценарием по умолчанию.
func NewMockService() *MockService {
	return &MockService{}
}

// NewMockServiceWithLimit возвращает mock, отклоняющий суммы выше limit.
// Пустая строка отключает лимит.
func NewMockServiceWithLimit(limit string) (*MockService, error) {
	mock := NewMockService()
	if limit == "" {
		return mock, nil
	}
	threshold, err := decimal.NewFromString(limit)
	if err != nil {
		return nil, err
	}
	mock.DeclineAbove = &threshold
	return mock, nil
}

// Charge возвращает результат по настроенному сценарию и считает вызовы.
func (m *MockService) Charge(ctx context.Context, orderID string, total decimal.Decimal) (domain.PaymentOutcome, error) {
	m.mu.Lock()
	m.calls++
	delay, forceDecline, err, limit := m.Delay, m.ForceDecline, m.Err, m.DeclineAbove
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.PaymentOutcome{}, ctx.Err()
		case <-timer.C:
		}
	}

	if err != nil {
		return domain.PaymentOutcome{}, err
	}

	outcome := domain.PaymentOutcome{Amount: total.StringFixed(2)}
	switch {
	case forceDecline:
		outcome.Status = domain.PaymentStatusDeclined
		outcome.Reason = "declined by provider"
	case limit != nil && total.GreaterThan(*limit):
		outcome.Status = domain.PaymentStatusDeclined
		outcome.Reason = "amount exceeds limit " + limit.StringFixed(2)
	default:
		outcome.Status = domain.PaymentStatusApproved
		outcome.TransactionID = "txn-" + uuid.NewString()
	}
	return outcome, nil
}

// Calls возвращает количество вызовов Charge.
func (m *MockService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
