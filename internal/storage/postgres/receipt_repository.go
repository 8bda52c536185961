package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// ReceiptRepository хранит чеки в таблице receipts.
type ReceiptRepository struct {
	store *Store
}

var _ domain.ReceiptStore = (*ReceiptRepository)(nil)

func NewReceiptRepository(store *Store) *ReceiptRepository {
	return &ReceiptRepository{store: store}
}

// Put перезаписывает чек по ключу.
func (r *ReceiptRepository) Put(ctx context.Context, receipt domain.ReceiptArtifact) error {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO receipts (key, order_id, content_type, content, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (key) DO UPDATE SET
			order_id = EXCLUDED.order_id,
			content_type = EXCLUDED.content_type,
			content = EXCLUDED.content,
			updated_at = NOW()
	`, receipt.Key, receipt.OrderID, receipt.ContentType, receipt.Content)
	if err != nil {
		return storageError("upsert receipt", err)
	}
	return nil
}

// Get возвращает чек или ErrReceiptNotFound.
func (r *ReceiptRepository) Get(ctx context.Context, key string) (domain.ReceiptArtifact, error) {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	var receipt domain.ReceiptArtifact
	err := r.store.db.QueryRowContext(ctx, `
		SELECT key, order_id, content_type, content, updated_at
		FROM receipts
		WHERE key = $1
	`, key).Scan(&receipt.Key, &receipt.OrderID, &receipt.ContentType, &receipt.Content, &receipt.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReceiptArtifact{}, domain.ErrReceiptNotFound
	}
	if err != nil {
		return domain.ReceiptArtifact{}, storageError("select receipt", err)
	}
	return receipt, nil
}
