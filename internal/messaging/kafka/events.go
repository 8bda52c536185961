package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// Topics по умолчанию
const (
	TopicSubmissions     = "orderflow.submissions"
	TopicNotifications   = "orderflow.notifications"
	TopicDeadLetterQueue = "orderflow.submissions.dlq"
)

// Kafka headers
const (
	HeaderReceiveCount  = "x-receive-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderMessageID     = "x-message-id"
	HeaderAPIKey        = "x-api-key"
)

// NotificationMessage: тело уведомления в топике уведомлений.
type NotificationMessage struct {
	MessageID   string             `json:"messageId"`
	OrderID     string             `json:"orderId"`
	Status      domain.OrderStatus `json:"status"`
	Payload     map[string]any     `json:"payload,omitempty"`
	PublishedAt time.Time          `json:"publishedAt"`
}

// DeadLetterMessage: запись dead-letter топика с исходным сообщением и причиной.
type DeadLetterMessage struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	ReceiveCount      int    `json:"receive_count"`
}

// ParseSubmission парсит событие подачи заказа из сообщения
func ParseSubmission(message *sarama.ConsumerMessage) (domain.SubmissionEvent, error) {
	var event domain.SubmissionEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return domain.SubmissionEvent{}, fmt.Errorf("failed to unmarshal submission: %w", err)
	}
	return event, nil
}

// ParseDeadLetter парсит запись dead-letter топика
func ParseDeadLetter(value []byte) (DeadLetterMessage, error) {
	var message DeadLetterMessage
	if err := json.Unmarshal(value, &message); err != nil {
		return DeadLetterMessage{}, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	return message, nil
}

// receiveCount возвращает число уже неудачных доставок сообщения.
func receiveCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header == nil || string(header.Key) != HeaderReceiveCount {
			continue
		}
		count, err := strconv.Atoi(string(header.Value))
		if err == nil && count >= 0 {
			return count
		}
	}
	return 0
}

func header(key, value string) sarama.RecordHeader {
	return sarama.RecordHeader{Key: []byte(key), Value: []byte(value)}
}
