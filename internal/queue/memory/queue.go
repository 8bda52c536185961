package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/ingest"
	"github.com/vladislavdragonenkov/orderflow/internal/metrics"
)

const (
	DefaultBatchSize         = 10
	DefaultMaxReceiveCount   = 3
	DefaultVisibilityTimeout = 6 * time.Minute

	// ReasonVisibilityExpired: причина dead-letter для сообщения, которое ни разу не
	// подтвердили и не вернули явно.
	ReasonVisibilityExpired = "visibility timeout expired after max receives"
)

// DeadLetter: сообщение, снятое с живой очереди после исчерпания доставок.
type DeadLetter struct {
	ID           string
	Body         []byte
	ReceiveCount int
	Reason       string
	FailedAt     time.Time
}

type message struct {
	id           string
	body         []byte
	receiveCount int
	invisibleTil time.Time
}

// Options: параметры очереди.
type Options struct {
	MaxReceiveCount   int
	VisibilityTimeout time.Duration
	Logger            *log.Entry
	Metrics           *metrics.WorkflowMetrics
	Clock             func() time.Time
}

// Queue: in-memory очередь с семантикой at-least-once: полученное сообщение скрыто на
// время видимости и возвращается, если его не подтвердили.
type Queue struct {
	mu         sync.Mutex
	messages   []*message
	deadLetter []DeadLetter
	opts       Options
}

var _ domain.WorkQueue = (*Queue)(nil)

// NewQueue создаёт пустую очередь.
func NewQueue(opts Options) *Queue {
	if opts.MaxReceiveCount <= 0 {
		opts.MaxReceiveCount = DefaultMaxReceiveCount
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.New().WithField("component", "queue-memory")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Queue{opts: opts}
}

// Enqueue публикует событие подачи заказа.
func (q *Queue) Enqueue(ctx context.Context, event domain.SubmissionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal submission %s: %w", event.OrderID, err)
	}
	q.Send(body)
	return nil
}

// Send кладёт сырое сообщение в очередь и возвращает его идентификатор.
func (q *Queue) Send(body []byte) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg := &message{id: uuid.NewString(), body: append([]byte(nil), body...)}
	q.messages = append(q.messages, msg)
	return msg.id
}

// Receive выдаёт до limit видимых сообщений и скрывает их на время видимости.
func (q *Queue) Receive(ctx context.Context, limit int) ([]ingest.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Clock()
	var batch []ingest.Delivery
	live := q.messages[:0]
	for _, msg := range q.messages {
		if len(batch) == limit || now.Before(msg.invisibleTil) {
			live = append(live, msg)
			continue
		}
		// Сообщение вернулось по таймауту видимости без Nack, а доставки исчерпаны.
		if msg.receiveCount >= q.opts.MaxReceiveCount {
			q.deadLetterLocked(msg, ReasonVisibilityExpired)
			continue
		}
		msg.receiveCount++
		msg.invisibleTil = now.Add(q.opts.VisibilityTimeout)
		batch = append(batch, ingest.Delivery{
			ID:           msg.id,
			Body:         append([]byte(nil), msg.body...),
			ReceiveCount: msg.receiveCount,
		})
		live = append(live, msg)
	}
	for i := len(live); i < len(q.messages); i++ {
		q.messages[i] = nil
	}
	q.messages = live
	return batch, nil
}

// Ack удаляет обработанное сообщение.
func (q *Queue) Ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.index(id); i >= 0 {
		q.remove(i)
	}
}

// Nack возвращает сообщение в очередь сразу. Если число доставок достигло максимума,
// сообщение уходит в dead-letter и больше не выдаётся.
func (q *Queue) Nack(id string, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return
	}
	msg := q.messages[i]
	if msg.receiveCount >= q.opts.MaxReceiveCount {
		q.remove(i)
		q.deadLetterLocked(msg, reason)
		return
	}
	msg.invisibleTil = time.Time{}
}

func (q *Queue) deadLetterLocked(msg *message, reason string) {
	q.deadLetter = append(q.deadLetter, DeadLetter{
		ID:           msg.id,
		Body:         msg.body,
		ReceiveCount: msg.receiveCount,
		Reason:       reason,
		FailedAt:     q.opts.Clock().UTC(),
	})
	q.opts.Metrics.RecordDeadLettered("memory")
	q.opts.Logger.WithFields(log.Fields{
		"message_id":    msg.id,
		"receive_count": msg.receiveCount,
		"reason":        reason,
	}).Warn("message moved to dead-letter queue")
}

// DeadLetters возвращает копию dead-letter очереди.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.deadLetter...)
}

// Redrive возвращает сообщения из dead-letter в живую очередь со сброшенным счётчиком.
func (q *Queue) Redrive() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.deadLetter)
	for _, dl := range q.deadLetter {
		q.messages = append(q.messages, &message{id: dl.ID, body: dl.Body})
	}
	q.deadLetter = nil
	if n > 0 {
		q.opts.Logger.WithField("count", n).Info("dead-letter messages redriven")
	}
	return n
}

// Len возвращает число сообщений в живой очереди, включая скрытые.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// DeadLetterDepth возвращает размер dead-letter очереди.
func (q *Queue) DeadLetterDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deadLetter)
}

func (q *Queue) index(id string) int {
	for i, msg := range q.messages {
		if msg.id == id {
			return i
		}
	}
	return -1
}

func (q *Queue) remove(i int) {
	q.messages = append(q.messages[:i], q.messages[i+1:]...)
}
