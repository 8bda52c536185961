package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubmissionEvent: сообщение в очереди о принятом заказе.
type SubmissionEvent struct {
	OrderID      string          `json:"orderId"`
	CustomerName string          `json:"customerName"`
	Items        []string        `json:"items"`
	Total        decimal.Decimal `json:"total"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// NewSubmissionEvent строит событие из заказа.
func NewSubmissionEvent(order Order) SubmissionEvent {
	return SubmissionEvent{
		OrderID:      order.ID,
		CustomerName: order.CustomerName,
		Items:        append([]string(nil), order.Items...),
		Total:        order.Total,
		CreatedAt:    order.CreatedAt,
	}
}

// Order восстанавливает заказ из события.
func (e SubmissionEvent) Order() Order {
	return Order{
		ID:           e.OrderID,
		CustomerName: e.CustomerName,
		Items:        append([]string(nil), e.Items...),
		Total:        e.Total,
		CreatedAt:    e.CreatedAt,
		Status:       OrderStatusSubmitted,
	}
}

// NotificationEvent: уведомление клиенту о результате обработки.
type NotificationEvent struct {
	OrderID string         `json:"orderId"`
	Status  OrderStatus    `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
	// APIKey передаётся каналу отдельно от тела и никогда не логируется.
	APIKey string `json:"-"`
}

// ReceiptArtifact: содержимое чека.
type ReceiptArtifact struct {
	Key         string
	OrderID     string
	ContentType string
	Content     []byte
	UpdatedAt   time.Time
}

// ReceiptKey возвращает ключ чека для заказа.
func ReceiptKey(orderID string) string {
	return "receipts/" + orderID + ".json"
}
