package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// OrderRepository: PostgreSQL-реализация domain.OrderStore.
type OrderRepository struct {
	store *Store
}

var _ domain.OrderStore = (*OrderRepository)(nil)

// NewOrderRepository создаёт репозиторий заказов поверх Store.
func NewOrderRepository(store *Store) *OrderRepository {
	return &OrderRepository{store: store}
}

// Put создаёт заказ или обновляет его статус. Поля, кроме статуса, после создания не меняются.
func (r *OrderRepository) Put(ctx context.Context, order domain.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("marshal order items: %w", err)
	}

	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	_, err = r.store.db.ExecContext(ctx, `
		INSERT INTO orders (id, customer_name, items, total, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = NOW()
	`, order.ID, order.CustomerName, items, order.Total, string(order.Status), order.CreatedAt)
	if err != nil {
		return storageError("upsert order", err)
	}
	return nil
}

// Get возвращает заказ или ErrOrderNotFound.
func (r *OrderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	var (
		order  domain.Order
		items  []byte
		status string
	)
	err := r.store.db.QueryRowContext(ctx, `
		SELECT id, customer_name, items, total, status, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.CustomerName, &items, &order.Total, &status, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, storageError("select order", err)
	}

	if err := json.Unmarshal(items, &order.Items); err != nil {
		return domain.Order{}, fmt.Errorf("decode order items: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	return order, nil
}
