package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// ReceiptStore хранит чеки в памяти по ключу.
type ReceiptStore struct {
	mu    sync.RWMutex
	items map[string]domain.ReceiptArtifact
}

var _ domain.ReceiptStore = (*ReceiptStore)(nil)

func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{items: make(map[string]domain.ReceiptArtifact)}
}

// Put перезаписывает чек по ключу.
func (s *ReceiptStore) Put(ctx context.Context, receipt domain.ReceiptArtifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	receipt.Content = append([]byte(nil), receipt.Content...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[receipt.Key] = receipt
	return nil
}

// Get возвращает чек или ErrReceiptNotFound.
func (s *ReceiptStore) Get(ctx context.Context, key string) (domain.ReceiptArtifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReceiptArtifact{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.items[key]
	if !ok {
		return domain.ReceiptArtifact{}, domain.ErrReceiptNotFound
	}
	receipt.Content = append([]byte(nil), receipt.Content...)
	return receipt, nil
}

// Keys возвращает ключи сохранённых чеков.
func (s *ReceiptStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	return keys
}
