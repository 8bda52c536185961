package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// Published: опубликованное уведомление.
type Published struct {
	ID          string
	Event       domain.NotificationEvent
	PublishedAt time.Time
}

// Channel: in-memory канал уведомлений для локального режима и тестов.
type Channel struct {
	mu        sync.Mutex
	published []Published
	failNext  int
	logger    *log.Entry
}

var _ domain.NotificationChannel = (*Channel)(nil)

// NewChannel создаёт пустой канал.
func NewChannel(logger *log.Entry) *Channel {
	if logger == nil {
		logger = log.New().WithField("component", "notifications-memory")
	}
	return &Channel{logger: logger}
}

// FailNext заставляет следующие n публикаций завершиться ErrNotification.
func (c *Channel) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

// Publish сохраняет уведомление и возвращает его идентификатор.
func (c *Channel) Publish(ctx context.Context, event domain.NotificationEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failNext > 0 {
		c.failNext--
		return "", fmt.Errorf("%w: injected failure", domain.ErrNotification)
	}

	msg := Published{ID: uuid.NewString(), Event: event, PublishedAt: time.Now().UTC()}
	c.published = append(c.published, msg)
	c.logger.WithFields(log.Fields{
		"order_id":   event.OrderID,
		"status":     event.Status,
		"message_id": msg.ID,
	}).Debug("notification published")
	return msg.ID, nil
}

// Published возвращает копию опубликованных уведомлений.
func (c *Channel) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}
