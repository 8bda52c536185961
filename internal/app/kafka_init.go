package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/messaging/kafka"
)

// kafkaBrokers отбрасывает пустые адреса.
func kafkaBrokers(raw []string) []string {
	brokers := make([]string, 0, len(raw))
	for _, broker := range raw {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// initKafkaProducer возвращает nil, nil когда брокеры не заданы: процесс
// работает на in-memory очереди.
func initKafkaProducer(raw []string, clientID string, logger *log.Entry) (*kafka.Producer, error) {
	brokers := kafkaBrokers(raw)
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, clientID)
	if err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{"brokers": brokers, "client_id": clientID}).Info("kafka producer initialized")
	return producer, nil
}

func closeKafka(producer *kafka.Producer, logger *log.Entry) error {
	if producer == nil {
		return nil
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("kafka producer closed with error")
		return err
	}
	logger.Info("kafka producer closed")
	return nil
}
