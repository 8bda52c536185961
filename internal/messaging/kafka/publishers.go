package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// SubmissionPublisher публикует события подачи заказа в топик сабмитов.
type SubmissionPublisher struct {
	producer *Producer
	topic    string
}

var _ domain.WorkQueue = (*SubmissionPublisher)(nil)

// NewSubmissionPublisher создаёт publisher. Пустой topic заменяется топиком по умолчанию.
func NewSubmissionPublisher(producer *Producer, topic string) *SubmissionPublisher {
	if topic == "" {
		topic = TopicSubmissions
	}
	return &SubmissionPublisher{producer: producer, topic: topic}
}

// Enqueue публикует событие с ключом orderId, чтобы сабмиты одного заказа шли в одну партицию.
func (p *SubmissionPublisher) Enqueue(ctx context.Context, event domain.SubmissionEvent) error {
	if err := p.producer.PublishJSON(ctx, p.topic, event.OrderID, event, header(HeaderReceiveCount, "0")); err != nil {
		return fmt.Errorf("enqueue submission %s: %w", event.OrderID, err)
	}
	return nil
}

// NotificationPublisher публикует уведомления о статусе заказа.
type NotificationPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

var _ domain.NotificationChannel = (*NotificationPublisher)(nil)

// NewNotificationPublisher создаёт publisher уведомлений.
func NewNotificationPublisher(producer *Producer, topic string) *NotificationPublisher {
	if topic == "" {
		topic = TopicNotifications
	}
	return &NotificationPublisher{producer: producer, topic: topic, now: time.Now}
}

// Publish отправляет уведомление. Ключ API передаётся только в заголовке.
func (p *NotificationPublisher) Publish(ctx context.Context, event domain.NotificationEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := uuid.NewString()
	message := NotificationMessage{
		MessageID:   messageID,
		OrderID:     event.OrderID,
		Status:      event.Status,
		Payload:     event.Payload,
		PublishedAt: p.now().UTC(),
	}
	err := p.producer.PublishJSON(ctx, p.topic, event.OrderID, message,
		header(HeaderMessageID, messageID),
		header(HeaderAPIKey, event.APIKey),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrNotification, err)
	}
	return messageID, nil
}
