package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "orderflow"

var errNilProducer = errors.New("kafka producer is not initialized")

// Record описывает одно исходящее сообщение.
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers []sarama.RecordHeader
}

// Producer синхронно публикует записи в Kafka. Запись считается отправленной
// только после подтверждения всеми репликами.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
	now      func() time.Time
}

// NewProducer подключается к брокерам с идемпотентной отправкой.
func NewProducer(brokers []string, clientID string) (*Producer, error) {
	if clientID == "" {
		clientID = defaultClientID
	}
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerFromSync(producer, log.WithField("client_id", clientID)), nil
}

// NewProducerFromSync оборачивает готовый SyncProducer, например mocks.SyncProducer.
func NewProducerFromSync(producer sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Producer{
		producer: producer,
		logger:   logger.WithField("component", "kafka-producer"),
		now:      time.Now,
	}
}

// PublishJSON сериализует payload и публикует его одной записью.
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, payload any, headers ...sarama.RecordHeader) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return p.Publish(ctx, Record{Topic: topic, Key: key, Value: value, Headers: headers})
}

// Publish отправляет запись. Отменённый контекст проверяется до отправки,
// сама отправка sarama не прерывается.
func (p *Producer) Publish(ctx context.Context, record Record) error {
	if p == nil || p.producer == nil {
		return errNilProducer
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fields := log.Fields{"topic": record.Topic, "key": record.Key}
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     record.Topic,
		Key:       sarama.StringEncoder(record.Key),
		Value:     sarama.ByteEncoder(record.Value),
		Headers:   record.Headers,
		Timestamp: p.now(),
	})
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka publish failed")
		return fmt.Errorf("publish to %s: %w", record.Topic, err)
	}

	fields["partition"] = partition
	fields["offset"] = offset
	p.logger.WithFields(fields).Debug("kafka record published")
	return nil
}

// Close закрывает producer, дожидаясь отправки буферизованных записей.
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
