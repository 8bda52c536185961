package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// ExecutionStore хранит запуски воркфлоу и не допускает двух активных запусков на заказ.
type ExecutionStore struct {
	mu    sync.Mutex
	items map[string]domain.Execution
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{items: make(map[string]domain.Execution)}
}

// Begin регистрирует запуск. Номер попытки продолжает предыдущий архивный запуск.
func (s *ExecutionStore) Begin(ctx context.Context, execution *domain.Execution, staleBefore time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.items[execution.ID]; ok {
		if current.Outcome == domain.OutcomeRunning && !current.StartedAt.Before(staleBefore) {
			return domain.ErrExecutionActive
		}
		execution.Attempt = current.Attempt + 1
	}
	s.items[execution.ID] = execution.Clone()
	return nil
}

// Archive сохраняет завершённый запуск.
func (s *ExecutionStore) Archive(ctx context.Context, execution domain.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[execution.ID] = execution.Clone()
	return nil
}

// Get возвращает запуск или ErrExecutionNotFound.
func (s *ExecutionStore) Get(ctx context.Context, id string) (domain.Execution, error) {
	if err := ctx.Err(); err != nil {
		return domain.Execution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, ok := s.items[id]
	if !ok {
		return domain.Execution{}, domain.ErrExecutionNotFound
	}
	return execution.Clone(), nil
}
