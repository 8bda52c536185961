package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/ingest"
	"github.com/vladislavdragonenkov/orderflow/internal/metrics"
)

const (
	defaultBatchSize       = 10
	defaultMaxReceiveCount = 3
)

// BatchHandler обрабатывает батч доставок
type BatchHandler interface {
	HandleBatch(ctx context.Context, deliveries []ingest.Delivery) ingest.BatchResult
}

// ConsumerOptions: параметры consumer group
type ConsumerOptions struct {
	BatchSize       int
	MaxReceiveCount int
	DeadLetterTopic string
	Metrics         *metrics.WorkflowMetrics
	Logger          *log.Entry
}

// Consumer читает сабмиты батчами. Провалившееся сообщение публикуется в тот же топик
// с увеличенным x-receive-count, а после MaxReceiveCount доставок уходит в DLQ.
type Consumer struct {
	consumer        sarama.ConsumerGroup
	topics          []string
	handler         BatchHandler
	producer        *Producer
	batchSize       int
	maxReceiveCount int
	deadLetterTopic string
	metrics         *metrics.WorkflowMetrics
	logger          *log.Entry
	wg              sync.WaitGroup
	now             func() time.Time
}

// NewConsumer создает consumer group
func NewConsumer(brokers []string, groupID string, topics []string, handler BatchHandler, producer *Producer, opts ConsumerOptions) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newConsumer(group, topics, handler, producer, opts), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler BatchHandler, producer *Producer, opts ConsumerOptions) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxReceiveCount <= 0 {
		opts.MaxReceiveCount = defaultMaxReceiveCount
	}
	if opts.DeadLetterTopic == "" {
		opts.DeadLetterTopic = TopicDeadLetterQueue
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "kafka-consumer")
	}
	return &Consumer{
		consumer:        group,
		topics:          topics,
		handler:         handler,
		producer:        producer,
		batchSize:       opts.BatchSize,
		maxReceiveCount: opts.MaxReceiveCount,
		deadLetterTopic: opts.DeadLetterTopic,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		now:             time.Now,
	}
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume завершается при rebalance, поэтому вызывается в цикле
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithFields(log.Fields{
		"topics":            c.topics,
		"batch_size":        c.batchSize,
		"max_receive_count": c.maxReceiveCount,
	}).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim собирает батчи из partition: ждёт первое сообщение и добирает
// уже доступные, не блокируясь, до размера батча.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		var batch []*sarama.ConsumerMessage
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			batch = append(batch, message)
		case <-session.Context().Done():
			return nil
		}

	fill:
		for len(batch) < c.batchSize {
			select {
			case message, ok := <-claim.Messages():
				if !ok || message == nil {
					break fill
				}
				batch = append(batch, message)
			default:
				break fill
			}
		}

		if err := c.processBatch(session, batch); err != nil {
			return err
		}
	}
}

// processBatch передаёт батч обработчику и маркирует сообщения. Если провалившееся
// сообщение не удалось переотправить, маркировка останавливается и сессия перезапускается
// с последнего закоммиченного offset.
func (c *Consumer) processBatch(session sarama.ConsumerGroupSession, batch []*sarama.ConsumerMessage) error {
	deliveries := make([]ingest.Delivery, len(batch))
	for i, message := range batch {
		deliveries[i] = ingest.Delivery{
			ID:           deliveryID(message),
			Body:         message.Value,
			ReceiveCount: receiveCount(message) + 1,
		}
	}

	result := c.handler.HandleBatch(session.Context(), deliveries)
	failed := result.FailedIDs()

	for i, message := range batch {
		if processingErr, ok := failed[deliveries[i].ID]; ok {
			if err := c.reroute(session.Context(), message, deliveries[i].ReceiveCount, processingErr); err != nil {
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("failed to reroute message")
				return err
			}
		}
		session.MarkMessage(message, "")
	}
	return nil
}

// reroute публикует провалившееся сообщение повторно или в DLQ.
func (c *Consumer) reroute(ctx context.Context, message *sarama.ConsumerMessage, deliveries int, processingErr error) error {
	fields := log.Fields{
		"topic":         message.Topic,
		"partition":     message.Partition,
		"offset":        message.Offset,
		"receive_count": deliveries,
	}
	if c.producer == nil {
		return fmt.Errorf("no producer to reroute message: %w", processingErr)
	}

	if deliveries < c.maxReceiveCount {
		err := c.producer.Publish(ctx, Record{
			Topic:   message.Topic,
			Key:     string(message.Key),
			Value:   message.Value,
			Headers: []sarama.RecordHeader{header(HeaderReceiveCount, strconv.Itoa(deliveries))},
		})
		if err != nil {
			return fmt.Errorf("republish message: %w", err)
		}
		c.logger.WithFields(fields).Warn("message processing failed, republished for redelivery")
		return nil
	}

	if err := c.sendToDLQ(ctx, message, deliveries, processingErr); err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}
	c.metrics.RecordDeadLettered("kafka")
	c.logger.WithFields(fields).Warn("message sent to DLQ after max receive count")
	return nil
}

// sendToDLQ отправляет failed message в Dead Letter Queue
func (c *Consumer) sendToDLQ(ctx context.Context, message *sarama.ConsumerMessage, deliveries int, processingErr error) error {
	failedAt := c.now().UTC().Format(time.RFC3339)
	errorMessage := ""
	if processingErr != nil {
		errorMessage = processingErr.Error()
	}
	dlqMessage := DeadLetterMessage{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      errorMessage,
		FailedAt:          failedAt,
		ReceiveCount:      deliveries,
	}

	return c.producer.PublishJSON(ctx, c.deadLetterTopic, string(message.Key), dlqMessage,
		header(HeaderOriginalTopic, message.Topic),
		header(HeaderErrorMessage, errorMessage),
		header(HeaderFailedAt, failedAt),
	)
}

func deliveryID(message *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", message.Topic, message.Partition, message.Offset)
}
