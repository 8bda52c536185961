package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// OrderStore: in-memory реализация domain.OrderStore для локального режима и тестов.
type OrderStore struct {
	mu    sync.RWMutex
	items map[string]domain.Order
}

var _ domain.OrderStore = (*OrderStore)(nil)

// NewOrderStore возвращает пустое хранилище заказов.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		items: make(map[string]domain.Order),
	}
}

// Put создаёт или заменяет запись заказа.
func (s *OrderStore) Put(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	s.items[order.ID] = order.Clone()
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (s *OrderStore) Get(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// Len возвращает количество заказов.
func (s *OrderStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
