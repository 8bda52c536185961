package memory

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/ingest"
)

const defaultPollInterval = 200 * time.Millisecond

// BatchHandler обрабатывает батч доставок.
type BatchHandler interface {
	HandleBatch(ctx context.Context, deliveries []ingest.Delivery) ingest.BatchResult
}

// Poller забирает батчи из очереди и подтверждает успешные доставки.
type Poller struct {
	queue     *Queue
	handler   BatchHandler
	batchSize int
	interval  time.Duration
	logger    *log.Entry
}

// NewPoller создаёт поллер.
func NewPoller(queue *Queue, handler BatchHandler, batchSize int, interval time.Duration, logger *log.Entry) *Poller {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = log.New().WithField("component", "queue-poller")
	}
	return &Poller{queue: queue, handler: handler, batchSize: batchSize, interval: interval, logger: logger}
}

// Run опрашивает очередь до отмены контекста.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.WithField("batch_size", p.batchSize).Info("queue poller started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				p.logger.Info("queue poller stopped")
				return nil
			}
			p.logger.WithError(err).Error("poll failed")
		}
		select {
		case <-ctx.Done():
			p.logger.Info("queue poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce обрабатывает один батч. Провалившиеся доставки возвращаются в очередь
// или уходят в dead-letter, остальные подтверждаются.
func (p *Poller) PollOnce(ctx context.Context) (ingest.BatchResult, error) {
	deliveries, err := p.queue.Receive(ctx, p.batchSize)
	if err != nil || len(deliveries) == 0 {
		return ingest.BatchResult{}, err
	}

	result := p.handler.HandleBatch(ctx, deliveries)

	failed := result.FailedIDs()
	for _, d := range deliveries {
		if err, ok := failed[d.ID]; ok {
			p.queue.Nack(d.ID, err.Error())
			continue
		}
		p.queue.Ack(d.ID)
	}

	p.logger.WithFields(log.Fields{
		"received":  len(deliveries),
		"processed": result.Summary.Processed,
		"failed":    len(result.Failed),
	}).Debug("batch handled")
	return result, nil
}
